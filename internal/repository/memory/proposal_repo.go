package memory

import (
	"context"
	"strings"
	"sync"

	"ridechain/internal/domain/entities"
)

// ProposalRepository keeps confirmed offers in submission order. Offers from
// different drivers on the same ride are all kept; the ledger decides which
// one wins.
type ProposalRepository struct {
	mu        sync.RWMutex
	proposals []entities.Proposal
}

func NewProposalRepository() *ProposalRepository {
	return &ProposalRepository{}
}

func (r *ProposalRepository) Add(ctx context.Context, p entities.Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.Price = entities.NewValue(p.Price.Wei())
	r.proposals = append(r.proposals, p)
	return nil
}

func (r *ProposalRepository) ListByDriver(ctx context.Context, driver string) ([]entities.Proposal, error) {
	return r.filter(func(p entities.Proposal) bool { return strings.EqualFold(p.Driver, driver) }), nil
}

func (r *ProposalRepository) filter(keep func(entities.Proposal) bool) []entities.Proposal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []entities.Proposal{}
	for _, p := range r.proposals {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
