package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/observability"
	"ridechain/internal/repository"
	"ridechain/internal/repository/memory"
)

// Notifier is told about every confirmed change once the action's slot has
// been released. It must not fail the action.
type Notifier interface {
	RideChanged(ctx context.Context, ride *entities.Ride, action entities.Action)
	ParticipantChanged(ctx context.Context, p *entities.Participant, action entities.Action)
	ProposalConfirmed(ctx context.Context, p entities.Proposal)
}

// RideRequest is the rider's input to requestRide. All fields are free text.
type RideRequest struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Time        string `json:"time"`
	Preferences string `json:"preferences"`
}

// RideSnapshot is the read-only view of a ride handed to presentation code.
// LegalActions depends only on the session's role and the ride's status.
type RideSnapshot struct {
	*entities.Ride
	Pending      bool              `json:"pending"`
	Stale        bool              `json:"stale"`
	LegalActions []entities.Action `json:"legal_actions"`
}

// SessionView is the derived state of the whole session: who is acting,
// whether they are registered, whether anything is awaiting the ledger, and
// the last failure.
type SessionView struct {
	Role         entities.Role      `json:"role"`
	Address      string             `json:"address"`
	Registration RegistrationStatus `json:"registration"`
	Pending      bool               `json:"pending"`
	Actions      []entities.Action  `json:"actions"`
	LastError    *ActionError       `json:"last_error,omitempty"`
}

// Orchestrator drives one participant's rides against the ledger. All
// mutating operations go through the action pipeline; the caches it owns are
// only written after the ledger confirms.
type Orchestrator struct {
	role    entities.Role
	address string

	client    ledger.Client
	gate      *RegistrationGate
	pipeline  *ActionPipeline
	rides     repository.RideRepository
	proposals repository.ProposalRepository
	locks     repository.LockManager
	notifier  Notifier
	logger    *slog.Logger

	pending atomic.Int64

	mu      sync.RWMutex
	lastErr *ActionError
}

// OrchestratorConfig carries the per-session collaborators. Zero-valued
// repositories are replaced by fresh in-memory ones.
type OrchestratorConfig struct {
	Role     entities.Role
	Address  string
	Client   ledger.Client
	Pipeline PipelineConfig
	Notifier Notifier
	Logger   *slog.Logger

	Rides        repository.RideRepository
	Participants repository.ParticipantRepository
	Proposals    repository.ProposalRepository
	Locks        repository.LockManager
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Rides == nil {
		cfg.Rides = memory.NewRideRepository()
	}
	if cfg.Participants == nil {
		cfg.Participants = memory.NewParticipantRepository()
	}
	if cfg.Proposals == nil {
		cfg.Proposals = memory.NewProposalRepository()
	}
	if cfg.Locks == nil {
		cfg.Locks = memory.NewLockManager()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("role", cfg.Role, "address", cfg.Address)

	return &Orchestrator{
		role:      cfg.Role,
		address:   cfg.Address,
		client:    cfg.Client,
		gate:      NewRegistrationGate(cfg.Client, cfg.Participants, logger),
		pipeline:  NewActionPipeline(cfg.Client, cfg.Locks, cfg.Pipeline.confirmTimeout(), logger),
		rides:     cfg.Rides,
		proposals: cfg.Proposals,
		locks:     cfg.Locks,
		notifier:  cfg.Notifier,
		logger:    logger,
	}
}

func (o *Orchestrator) Role() entities.Role { return o.role }
func (o *Orchestrator) Address() string     { return o.address }

func (o *Orchestrator) participantKey() string {
	return entities.ParticipantKey(o.role, o.address)
}

// actionKey is the single-flight slot an action occupies: the ride for ride
// actions, the participant for everything else.
func (o *Orchestrator) actionKey(action entities.Action, rideID uint64) string {
	if action.IsRideScoped() {
		return entities.RideKey(rideID)
	}
	return o.participantKey()
}

// forgetRegistration drops the cached registration after a participant
// action ended with an unknown outcome.
func (o *Orchestrator) forgetRegistration(ctx context.Context) {
	o.gate.Invalidate(ctx, o.role, o.address)
}

// --- registration ---

// CheckRegistration reads the session participant's registration from the
// ledger. Calling it twice with no ledger change in between gives the same
// answer.
func (o *Orchestrator) CheckRegistration(ctx context.Context) (RegistrationStatus, error) {
	status, err := o.gate.CheckRegistration(ctx, o.role, o.address)
	if err == nil {
		o.locks.ClearStale(ctx, o.participantKey())
	}
	o.recordError(err)
	return status, err
}

// Registration is the cached status; it never touches the ledger.
func (o *Orchestrator) Registration(ctx context.Context) RegistrationStatus {
	return o.gate.Cached(ctx, o.role, o.address)
}

// RegisterAsDriver locks collateral and registers the session as a driver.
func (o *Orchestrator) RegisterAsDriver(ctx context.Context, collateral entities.Value) (*entities.Participant, error) {
	action := entities.ActionRegisterAsDriver
	return o.register(ctx, action, func() (ledger.Call, error) {
		if !collateral.IsPositive() {
			return ledger.Call{}, notEligible(action, "collateral must be positive")
		}
		return ledger.Call{Name: ledger.CallRegisterAsDriver, From: o.address, Value: collateral}, nil
	}, &entities.Participant{Role: entities.RoleDriver, Address: o.address, Registered: true, Collateral: collateral})
}

// RegisterAsRider registers the session as a rider.
func (o *Orchestrator) RegisterAsRider(ctx context.Context) (*entities.Participant, error) {
	return o.register(ctx, entities.ActionRegisterAsRider, func() (ledger.Call, error) {
		return ledger.Call{Name: ledger.CallRegisterAsRider, From: o.address}, nil
	}, &entities.Participant{Role: entities.RoleRider, Address: o.address, Registered: true})
}

func (o *Orchestrator) register(ctx context.Context, action entities.Action, build func() (ledger.Call, error), fallback *entities.Participant) (*entities.Participant, error) {
	var registered *entities.Participant

	_, err := o.perform(ctx, ActionRequest{
		Action:         action,
		Key:            o.actionKey(action, 0),
		StaleOnUnknown: true,
		Unknown:        o.forgetRegistration,
		Prepare: func(ctx context.Context) (ledger.Call, error) {
			if err := o.requireRole(action); err != nil {
				return ledger.Call{}, err
			}
			if err := o.refreshStaleParticipant(ctx); err != nil {
				return ledger.Call{}, err
			}
			if o.gate.Cached(ctx, o.role, o.address).Registered() {
				return ledger.Call{}, notEligible(action, "%s %s is already registered", o.role, o.address)
			}
			return build()
		},
		Apply: func(ctx context.Context, res ledger.Result) error {
			registered = res.Participant
			if registered == nil {
				registered = fallback
			}
			registered.Role = o.role
			o.gate.Record(ctx, registered)
			return nil
		},
		Confirmed: func(ctx context.Context) {
			o.notifier.ParticipantChanged(ctx, registered, action)
		},
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

// WithdrawCollateral releases the driver's locked collateral.
func (o *Orchestrator) WithdrawCollateral(ctx context.Context) (*entities.Participant, error) {
	action := entities.ActionWithdrawCollateral
	var updated *entities.Participant

	_, err := o.perform(ctx, ActionRequest{
		Action:         action,
		Key:            o.actionKey(action, 0),
		StaleOnUnknown: true,
		Unknown:        o.forgetRegistration,
		Prepare: func(ctx context.Context) (ledger.Call, error) {
			p, err := o.requireRegistered(ctx, action)
			if err != nil {
				return ledger.Call{}, err
			}
			if !p.HasCollateral() {
				return ledger.Call{}, notEligible(action, "no collateral to withdraw")
			}
			updated = p
			return ledger.Call{Name: ledger.CallWithdrawCollateral, From: o.address}, nil
		},
		Apply: func(ctx context.Context, res ledger.Result) error {
			if res.Participant != nil {
				updated = res.Participant
			} else {
				updated.Collateral = entities.Wei(0)
			}
			updated.Role = o.role
			o.gate.Record(ctx, updated)
			return nil
		},
		Confirmed: func(ctx context.Context) {
			o.notifier.ParticipantChanged(ctx, updated, action)
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- rides ---

// RequestRide opens a new ride. The ledger assigns its id.
func (o *Orchestrator) RequestRide(ctx context.Context, req RideRequest) (RideSnapshot, error) {
	action := entities.ActionRequestRide
	var created *entities.Ride

	_, err := o.perform(ctx, ActionRequest{
		Action:         action,
		Key:            o.actionKey(action, 0),
		StaleOnUnknown: true,
		Prepare: func(ctx context.Context) (ledger.Call, error) {
			if _, err := o.requireRegistered(ctx, action); err != nil {
				return ledger.Call{}, err
			}
			if strings.TrimSpace(req.Start) == "" || strings.TrimSpace(req.End) == "" {
				return ledger.Call{}, notEligible(action, "start and end are required")
			}
			return ledger.Call{
				Name:        ledger.CallRequestRide,
				From:        o.address,
				Start:       req.Start,
				End:         req.End,
				Time:        req.Time,
				Preferences: req.Preferences,
			}, nil
		},
		Apply: func(ctx context.Context, res ledger.Result) error {
			if res.Ride == nil {
				return &ActionError{Kind: KindRead, Action: action, Reason: "ledger confirmed the request without returning the ride"}
			}
			created = res.Ride.Clone()
			o.rides.Put(ctx, created)
			return nil
		},
		Confirmed: func(ctx context.Context) {
			o.notifier.RideChanged(ctx, created, action)
		},
	})
	if err != nil {
		return RideSnapshot{}, err
	}
	return o.snapshot(ctx, created), nil
}

// ProposePrice offers a price for a ride. It does not change the ride; the
// confirmed offer is added to the driver's proposal list.
//
// A ride the driver has never seen is forwarded to the ledger, which knows
// whether it exists. A cached ride that is past Requested is rejected here.
func (o *Orchestrator) ProposePrice(ctx context.Context, rideID uint64, price entities.Value) (entities.Proposal, error) {
	action := entities.ActionProposePrice
	var proposal entities.Proposal

	_, err := o.perform(ctx, ActionRequest{
		Action: action,
		Key:    o.actionKey(action, rideID),
		Prepare: func(ctx context.Context) (ledger.Call, error) {
			if _, err := o.requireRegistered(ctx, action); err != nil {
				return ledger.Call{}, err
			}
			if !price.IsPositive() {
				return ledger.Call{}, notEligible(action, "price must be positive")
			}
			if ride, err := o.rides.GetByID(ctx, rideID); err == nil {
				stale, _ := o.locks.IsStale(ctx, entities.RideKey(rideID))
				if !stale && ride.Status != entities.RideStatusRequested {
					return ledger.Call{}, notEligible(action, "ride %d is %s, offers need %s", rideID, ride.Status, entities.RideStatusRequested)
				}
			}
			return ledger.Call{Name: ledger.CallProposeRidePrice, From: o.address, RideID: rideID, Price: price}, nil
		},
		Apply: func(ctx context.Context, res ledger.Result) error {
			if res.Proposal != nil {
				proposal = *res.Proposal
			} else {
				proposal = entities.Proposal{RideID: rideID, Driver: o.address, Price: price}
			}
			o.proposals.Add(ctx, proposal)
			return nil
		},
		Confirmed: func(ctx context.Context) {
			o.notifier.ProposalConfirmed(ctx, proposal)
		},
	})
	return proposal, err
}

// SelectBestOffer accepts the best outstanding offer by paying its price.
// The payment is not checked against known offers; the ledger decides.
func (o *Orchestrator) SelectBestOffer(ctx context.Context, rideID uint64, payment entities.Value) (RideSnapshot, error) {
	action := entities.ActionSelectBestOffer
	return o.advanceRide(ctx, action, rideID,
		func(*entities.Ride) (ledger.Call, error) {
			if !payment.IsPositive() {
				return ledger.Call{}, notEligible(action, "a positive payment is required")
			}
			return ledger.Call{Name: ledger.CallSelectBestOffer, From: o.address, RideID: rideID, Value: payment}, nil
		},
		func(ride *entities.Ride, res ledger.Result) error {
			driver, price := "", payment
			if res.Ride != nil {
				driver = res.Ride.DriverAddress
				if res.Ride.Price.IsSet() {
					price = res.Ride.Price
				}
			}
			return ride.AcceptOffer(driver, price)
		},
	)
}

// ConfirmDeparture records that the trip has started.
func (o *Orchestrator) ConfirmDeparture(ctx context.Context, rideID uint64) (RideSnapshot, error) {
	return o.advanceRide(ctx, entities.ActionConfirmDeparture, rideID,
		o.simpleCall(ledger.CallConfirmDeparture, rideID),
		func(ride *entities.Ride, _ ledger.Result) error { return ride.Depart() },
	)
}

// ConfirmArrival records that the trip reached its destination.
func (o *Orchestrator) ConfirmArrival(ctx context.Context, rideID uint64) (RideSnapshot, error) {
	return o.advanceRide(ctx, entities.ActionConfirmArrival, rideID,
		o.simpleCall(ledger.CallConfirmArrival, rideID),
		func(ride *entities.Ride, _ ledger.Result) error { return ride.Arrive() },
	)
}

// SendReview completes the ride with the rider's feedback.
func (o *Orchestrator) SendReview(ctx context.Context, rideID uint64, feedback string) (RideSnapshot, error) {
	action := entities.ActionSendReview
	return o.advanceRide(ctx, action, rideID,
		func(*entities.Ride) (ledger.Call, error) {
			if strings.TrimSpace(feedback) == "" {
				return ledger.Call{}, notEligible(action, "feedback must not be empty")
			}
			return ledger.Call{Name: ledger.CallSendReview, From: o.address, RideID: rideID, Feedback: feedback}, nil
		},
		func(ride *entities.Ride, _ ledger.Result) error { return ride.Complete(feedback) },
	)
}

func (o *Orchestrator) simpleCall(name ledger.CallName, rideID uint64) func(*entities.Ride) (ledger.Call, error) {
	return func(*entities.Ride) (ledger.Call, error) {
		return ledger.Call{Name: name, From: o.address, RideID: rideID}, nil
	}
}

// advanceRide runs one rider-owned step of the ride state machine. build
// adds action-specific checks and produces the call; step applies the
// transition to the cached ride once the ledger has confirmed it.
func (o *Orchestrator) advanceRide(
	ctx context.Context,
	action entities.Action,
	rideID uint64,
	build func(*entities.Ride) (ledger.Call, error),
	step func(*entities.Ride, ledger.Result) error,
) (RideSnapshot, error) {
	var updated *entities.Ride

	_, err := o.perform(ctx, ActionRequest{
		Action:         action,
		Key:            o.actionKey(action, rideID),
		StaleOnUnknown: true,
		Prepare: func(ctx context.Context) (ledger.Call, error) {
			if _, err := o.requireRegistered(ctx, action); err != nil {
				return ledger.Call{}, err
			}
			ride, err := o.currentRide(ctx, action, rideID)
			if err != nil {
				return ledger.Call{}, err
			}
			if !strings.EqualFold(ride.RiderAddress, o.address) {
				return ledger.Call{}, notEligible(action, "ride %d belongs to another rider", rideID)
			}
			required, _ := action.RequiredStatus()
			if ride.Status != required {
				return ledger.Call{}, notEligible(action, "ride %d is %s, %s needs %s", rideID, ride.Status, action, required)
			}
			return build(ride)
		},
		Apply: func(ctx context.Context, res ledger.Result) error {
			ride, err := o.rides.GetByID(ctx, rideID)
			if err != nil {
				return &ActionError{Kind: KindRead, Action: action, Reason: "confirmed ride is missing from the session cache", Err: err}
			}

			target, _ := action.TargetStatus()
			if ride.Status.Rank() < target.Rank() {
				if err := step(ride, res); err != nil {
					return &ActionError{Kind: KindRead, Action: action, Reason: "cached ride cannot take the confirmed transition", Err: err}
				}
			}
			if res.Ride != nil && res.Ride.Status != ride.Status {
				o.logger.Warn("ledger ride differs from applied transition",
					"ride", rideID, "applied", ride.Status, "ledger", res.Ride.Status)
				ride = res.Ride.Clone()
			}

			updated = ride
			o.rides.Put(ctx, ride)
			return nil
		},
		Confirmed: func(ctx context.Context) {
			o.notifier.RideChanged(ctx, updated, action)
		},
	})
	if err != nil {
		return RideSnapshot{}, err
	}
	return o.snapshot(ctx, updated), nil
}

// currentRide returns the cached ride, reading it from the ledger first if
// it is missing or stale.
func (o *Orchestrator) currentRide(ctx context.Context, action entities.Action, rideID uint64) (*entities.Ride, error) {
	stale, _ := o.locks.IsStale(ctx, entities.RideKey(rideID))
	if !stale {
		if ride, err := o.rides.GetByID(ctx, rideID); err == nil {
			return ride, nil
		}
	}
	ride, err := o.readRide(ctx, rideID)
	if err != nil {
		var ae *ActionError
		if errors.As(err, &ae) {
			ae.Action = action
		}
		return nil, err
	}
	return ride, nil
}

// RefreshRide replaces the cached ride with the ledger's copy. It may run
// while an action on the same ride is pending.
func (o *Orchestrator) RefreshRide(ctx context.Context, rideID uint64) (RideSnapshot, error) {
	ride, err := o.readRide(ctx, rideID)
	o.recordError(err)
	if err != nil {
		return RideSnapshot{}, err
	}
	return o.snapshot(ctx, ride), nil
}

func (o *Orchestrator) readRide(ctx context.Context, rideID uint64) (*entities.Ride, error) {
	query := ledger.QueryRide
	res, err := o.client.Read(ctx, ledger.Query{Name: query, From: o.address, RideID: rideID})
	if err != nil {
		observability.LedgerReadsTotal.WithLabelValues(string(query), "error").Inc()
		return nil, &ActionError{Kind: KindRead, Reason: err.Error(), Err: err}
	}
	observability.LedgerReadsTotal.WithLabelValues(string(query), "ok").Inc()
	if res.Ride == nil {
		return nil, &ActionError{Kind: KindRead, Reason: "ledger returned no ride", Err: ErrRideNotFound}
	}

	o.rides.Put(ctx, res.Ride)
	o.locks.ClearStale(ctx, entities.RideKey(rideID))
	return res.Ride.Clone(), nil
}

// --- views ---

// Ride returns the cached snapshot of a ride visible to this session.
func (o *Orchestrator) Ride(ctx context.Context, rideID uint64) (RideSnapshot, error) {
	ride, err := o.rides.GetByID(ctx, rideID)
	if err != nil || !ride.VisibleTo(o.address) {
		return RideSnapshot{}, ErrRideNotFound
	}
	return o.snapshot(ctx, ride), nil
}

// Rides lists the session's cached rides ordered by id.
func (o *Orchestrator) Rides(ctx context.Context) ([]RideSnapshot, error) {
	var rides []*entities.Ride
	var err error
	if o.role == entities.RoleDriver {
		rides, err = o.rides.GetByDriver(ctx, o.address)
	} else {
		rides, err = o.rides.GetByRider(ctx, o.address)
	}
	if err != nil {
		return nil, err
	}

	out := make([]RideSnapshot, 0, len(rides))
	for _, ride := range rides {
		out = append(out, o.snapshot(ctx, ride))
	}
	return out, nil
}

// Proposals lists the offers this session has had confirmed.
func (o *Orchestrator) Proposals(ctx context.Context) ([]entities.Proposal, error) {
	return o.proposals.ListByDriver(ctx, o.address)
}

// View derives the session-level state.
func (o *Orchestrator) View(ctx context.Context) SessionView {
	status := o.Registration(ctx)
	p := status.Participant
	if p == nil {
		p = entities.NewParticipant(o.role, o.address)
	}

	o.mu.RLock()
	lastErr := o.lastErr
	o.mu.RUnlock()

	return SessionView{
		Role:         o.role,
		Address:      o.address,
		Registration: status,
		Pending:      o.pending.Load() > 0,
		Actions:      entities.ParticipantActions(p),
		LastError:    lastErr,
	}
}

func (o *Orchestrator) snapshot(ctx context.Context, ride *entities.Ride) RideSnapshot {
	key := entities.RideKey(ride.ID)
	pending, _ := o.locks.IsLocked(ctx, key)
	stale, _ := o.locks.IsStale(ctx, key)
	return RideSnapshot{
		Ride:         ride,
		Pending:      pending,
		Stale:        stale,
		LegalActions: entities.LegalRideActions(o.role, ride.Status),
	}
}

// --- helpers ---

func (o *Orchestrator) perform(ctx context.Context, req ActionRequest) (ledger.Result, error) {
	o.pending.Add(1)
	defer o.pending.Add(-1)

	res, err := o.pipeline.Perform(ctx, req)
	o.recordError(err)
	return res, err
}

func (o *Orchestrator) recordError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err == nil {
		o.lastErr = nil
		return
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		o.lastErr = ae
	}
}

func (o *Orchestrator) requireRole(action entities.Action) error {
	if action.Role() != o.role {
		return notEligible(action, "only a %s can %s", action.Role(), action)
	}
	return nil
}

// requireRegistered checks role and cached registration. The ledger is only
// read when the last participant action ended with an unknown outcome.
func (o *Orchestrator) requireRegistered(ctx context.Context, action entities.Action) (*entities.Participant, error) {
	if err := o.requireRole(action); err != nil {
		return nil, err
	}
	if err := o.refreshStaleParticipant(ctx); err != nil {
		return nil, err
	}
	return o.gate.Require(ctx, action, o.role, o.address)
}

func (o *Orchestrator) refreshStaleParticipant(ctx context.Context) error {
	key := o.participantKey()
	if stale, _ := o.locks.IsStale(ctx, key); !stale {
		return nil
	}
	if _, err := o.gate.CheckRegistration(ctx, o.role, o.address); err != nil {
		return err
	}
	return o.locks.ClearStale(ctx, key)
}

type nopNotifier struct{}

func (nopNotifier) RideChanged(context.Context, *entities.Ride, entities.Action)               {}
func (nopNotifier) ParticipantChanged(context.Context, *entities.Participant, entities.Action) {}
func (nopNotifier) ProposalConfirmed(context.Context, entities.Proposal)                       {}
