package repository

import (
	"context"

	"ridechain/internal/domain/entities"
)

// RideRepository is a session's cache of rides it has seen confirmed or
// read from the ledger. Rides are never deleted.
type RideRepository interface {
	Put(ctx context.Context, ride *entities.Ride) error
	GetByID(ctx context.Context, id uint64) (*entities.Ride, error)
	GetByRider(ctx context.Context, rider string) ([]*entities.Ride, error)
	GetByDriver(ctx context.Context, driver string) ([]*entities.Ride, error)
}

// ParticipantRepository caches registration data per role and address.
type ParticipantRepository interface {
	Put(ctx context.Context, p *entities.Participant) error
	Get(ctx context.Context, role entities.Role, address string) (*entities.Participant, error)
	Delete(ctx context.Context, role entities.Role, address string) error
}

// ProposalRepository holds the offers a driver has had confirmed.
type ProposalRepository interface {
	Add(ctx context.Context, p entities.Proposal) error
	ListByDriver(ctx context.Context, driver string) ([]entities.Proposal, error)
}

// LockManager is the single-flight table: at most one holder per key, plus a
// stale flag for keys whose last action timed out.
type LockManager interface {
	AcquireLock(ctx context.Context, key string) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)
	MarkStale(ctx context.Context, key string) error
	IsStale(ctx context.Context, key string) (bool, error)
	ClearStale(ctx context.Context, key string) error
}
