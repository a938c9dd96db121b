package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/observability"
	"ridechain/internal/repository"
	"ridechain/internal/repository/memory"
)

// RegistrationState is what the session knows about a participant's
// registration.
type RegistrationState string

const (
	RegistrationUnknown       RegistrationState = "unknown"
	RegistrationRegistered    RegistrationState = "registered"
	RegistrationNotRegistered RegistrationState = "not_registered"
)

// RegistrationStatus is the gate's answer. Participant is set when the state
// is Registered.
type RegistrationStatus struct {
	State       RegistrationState     `json:"state"`
	Participant *entities.Participant `json:"participant,omitempty"`
}

func (s RegistrationStatus) Registered() bool {
	return s.State == RegistrationRegistered
}

// RegistrationGate decides whether a participant may act at all. It reads
// registration data from the ledger on demand and caches the answer for the
// rest of the session; there is no background refresh.
type RegistrationGate struct {
	client       ledger.Client
	participants repository.ParticipantRepository
	logger       *slog.Logger
}

func NewRegistrationGate(client ledger.Client, participants repository.ParticipantRepository, logger *slog.Logger) *RegistrationGate {
	return &RegistrationGate{
		client:       client,
		participants: participants,
		logger:       logger,
	}
}

// CheckRegistration reads the participant's registration from the ledger and
// caches it. A ledger "not registered" answer is a normal result; any other
// read failure is a GateError and leaves the cache untouched.
func (g *RegistrationGate) CheckRegistration(ctx context.Context, role entities.Role, address string) (RegistrationStatus, error) {
	query := ledger.Query{Name: ledger.QueryMyRiderData, From: address}
	if role == entities.RoleDriver {
		query.Name = ledger.QueryMyDriverData
	}

	start := time.Now()
	result, err := g.client.Read(ctx, query)
	observability.LedgerReadDuration.WithLabelValues(string(query.Name)).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ledger.ErrNotRegistered):
		observability.LedgerReadsTotal.WithLabelValues(string(query.Name), "not_registered").Inc()
		p := entities.NewParticipant(role, address)
		g.participants.Put(ctx, p)
		return RegistrationStatus{State: RegistrationNotRegistered}, nil
	case err != nil:
		observability.LedgerReadsTotal.WithLabelValues(string(query.Name), "error").Inc()
		g.logger.Warn("registration check failed", "role", role, "address", address, "error", err)
		return RegistrationStatus{State: RegistrationUnknown}, &ActionError{Kind: KindGate, Reason: err.Error(), Err: err}
	}

	observability.LedgerReadsTotal.WithLabelValues(string(query.Name), "ok").Inc()
	p := result.Participant
	if p == nil {
		p = entities.NewParticipant(role, address)
	}
	p.Role = role
	if p.Address == "" {
		p.Address = address
	}
	g.participants.Put(ctx, p)
	return statusOf(p), nil
}

// Cached returns the last known status without touching the ledger.
func (g *RegistrationGate) Cached(ctx context.Context, role entities.Role, address string) RegistrationStatus {
	p, err := g.participants.Get(ctx, role, address)
	if errors.Is(err, memory.ErrParticipantNotFound) || p == nil {
		return RegistrationStatus{State: RegistrationUnknown}
	}
	return statusOf(p)
}

// Record stores participant data returned by a confirmed registration or
// collateral transaction.
func (g *RegistrationGate) Record(ctx context.Context, p *entities.Participant) {
	g.participants.Put(ctx, p)
}

// Invalidate forgets the cached status so the next check reads the ledger.
func (g *RegistrationGate) Invalidate(ctx context.Context, role entities.Role, address string) {
	g.participants.Delete(ctx, role, address)
}

// Require fails with NotEligible unless the participant is known to be
// registered. Unknown counts as not registered: the caller has to run
// CheckRegistration first.
func (g *RegistrationGate) Require(ctx context.Context, action entities.Action, role entities.Role, address string) (*entities.Participant, error) {
	status := g.Cached(ctx, role, address)
	switch status.State {
	case RegistrationRegistered:
		return status.Participant, nil
	case RegistrationNotRegistered:
		return nil, notEligible(action, "%s %s is not registered", role, address)
	default:
		return nil, notEligible(action, "registration of %s %s has not been checked", role, address)
	}
}

func statusOf(p *entities.Participant) RegistrationStatus {
	if !p.Registered {
		return RegistrationStatus{State: RegistrationNotRegistered}
	}
	return RegistrationStatus{State: RegistrationRegistered, Participant: p}
}
