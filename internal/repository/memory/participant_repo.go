package memory

import (
	"context"
	"errors"
	"sync"

	"ridechain/internal/domain/entities"
)

var ErrParticipantNotFound = errors.New("participant not found")

// ParticipantRepository caches the last known registration data for each
// role and address seen by the session.
type ParticipantRepository struct {
	mu           sync.RWMutex
	participants map[string]*entities.Participant
}

func NewParticipantRepository() *ParticipantRepository {
	return &ParticipantRepository{
		participants: make(map[string]*entities.Participant),
	}
}

func (r *ParticipantRepository) Put(ctx context.Context, p *entities.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.participants[p.Key()] = p.Clone()
	return nil
}

func (r *ParticipantRepository) Get(ctx context.Context, role entities.Role, address string) (*entities.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[entities.ParticipantKey(role, address)]
	if !exists {
		return nil, ErrParticipantNotFound
	}
	return p.Clone(), nil
}

// Delete forgets a participant so the next lookup goes back to the ledger.
func (r *ParticipantRepository) Delete(ctx context.Context, role entities.Role, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, entities.ParticipantKey(role, address))
	return nil
}
