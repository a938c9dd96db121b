// Package memledger is an in-process implementation of the ride ledger. It
// enforces the same registration, collateral and ride rules a deployed
// ledger does and is used by the development node, the simulator and tests.
//
// A call is executed the moment it is submitted. Its outcome only becomes
// observable through AwaitConfirmation after the configured confirmation
// delay, which mirrors a transaction landing before its receipt is mined.
package memledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
)

// Revert reasons returned in rejected outcomes.
const (
	ReasonAlreadyRegistered      = "already registered"
	ReasonInsufficientCollateral = "insufficient collateral"
	ReasonDriverNotRegistered    = "driver not registered"
	ReasonRiderNotRegistered     = "rider not registered"
	ReasonNoCollateral           = "no collateral locked"
	ReasonRideNotFound           = "ride does not exist"
	ReasonNotRideOwner           = "caller is not the ride's rider"
	ReasonWrongStatus            = "ride is not in the required status"
	ReasonLocationsRequired      = "start and end are required"
	ReasonPriceRequired          = "price must be positive"
	ReasonNoOffers               = "no offers for ride"
	ReasonPaymentMismatch        = "payment does not match best offer"
	ReasonFeedbackRequired       = "feedback must not be empty"
	ReasonNotOracle              = "caller is not the rating oracle"
	ReasonRatingOutOfRange       = "rating out of range"
	ReasonNotAuthorizedToView    = "caller may not view this ride"
)

// ReceiptRetention is how long an outcome nobody waited for is kept after it
// became available.
const ReceiptRetention = 10 * time.Minute

type pending struct {
	outcome ledger.Outcome
	readyAt time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu            sync.Mutex
	minCollateral entities.Value
	confirmDelay  time.Duration
	oracle        string
	now           func() time.Time

	drivers   map[string]*entities.Participant
	riders    map[string]*entities.Participant
	rides     []*entities.Ride
	proposals map[uint64][]entities.Proposal
	receipts  map[string]*pending
	chain     *Chain
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMinCollateral sets the smallest collateral a driver may register with.
func WithMinCollateral(v entities.Value) Option {
	return func(l *Ledger) { l.minCollateral = v }
}

// WithConfirmDelay makes AwaitConfirmation wait d after submission.
func WithConfirmDelay(d time.Duration) Option {
	return func(l *Ledger) { l.confirmDelay = d }
}

// WithRatingOracle sets the only address allowed to update driver ratings.
func WithRatingOracle(address string) Option {
	return func(l *Ledger) { l.oracle = normalize(address) }
}

// New creates an empty ledger. Without options any positive collateral is
// accepted and confirmations are immediate.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		minCollateral: entities.Wei(1),
		now:           time.Now,
		drivers:       make(map[string]*entities.Participant),
		riders:        make(map[string]*entities.Participant),
		proposals:     make(map[uint64][]entities.Proposal),
		receipts:      make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.chain = newChain(l.now())
	return l
}

// Chain exposes the block history.
func (l *Ledger) Chain() *Chain { return l.chain }

// Submit validates and executes the call and returns a receipt for it.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if err := call.Validate(); err != nil {
		return ledger.Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepReceipts(now)
	receipt := ledger.Receipt{
		ID:          uuid.New().String(),
		Call:        call,
		SubmittedAt: now,
	}

	result, reason := l.execute(now, call)
	outcome := ledger.Outcome{Confirmed: reason == "", Reason: reason}
	if outcome.Confirmed {
		block := l.chain.append(now, receipt.ID, call)
		result.Block = block.Index
		result.TxHash = block.Hash
		outcome.Result = result
	}

	l.receipts[receipt.ID] = &pending{outcome: outcome, readyAt: now.Add(l.confirmDelay)}
	return receipt, nil
}

// AwaitConfirmation blocks until the receipt's confirmation delay has passed.
// A delivered outcome is forgotten; waiting on the receipt again fails with
// ErrUnknownReceipt.
func (l *Ledger) AwaitConfirmation(ctx context.Context, receipt ledger.Receipt) (ledger.Outcome, error) {
	l.mu.Lock()
	p, ok := l.receipts[receipt.ID]
	l.mu.Unlock()
	if !ok {
		return ledger.Outcome{}, fmt.Errorf("%w: %s", ledger.ErrUnknownReceipt, receipt.ID)
	}

	if wait := time.Until(p.readyAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ledger.Outcome{}, ctx.Err()
		}
	}

	l.mu.Lock()
	delete(l.receipts, receipt.ID)
	l.mu.Unlock()
	return p.outcome, nil
}

// sweepReceipts drops outcomes that were never redeemed. Caller holds l.mu.
func (l *Ledger) sweepReceipts(now time.Time) {
	for id, p := range l.receipts {
		if now.Sub(p.readyAt) > ReceiptRetention {
			delete(l.receipts, id)
		}
	}
}

// Read answers registration and ride queries.
func (l *Ledger) Read(ctx context.Context, query ledger.Query) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if strings.TrimSpace(query.From) == "" {
		return ledger.Result{}, &ledger.ReadError{Query: query.Name, Reason: "missing caller address"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch query.Name {
	case ledger.QueryMyDriverData:
		d, ok := l.drivers[normalize(query.From)]
		if !ok {
			return ledger.Result{}, ledger.ErrNotRegistered
		}
		return ledger.Result{Participant: d.Clone()}, nil
	case ledger.QueryMyRiderData:
		r, ok := l.riders[normalize(query.From)]
		if !ok {
			return ledger.Result{}, ledger.ErrNotRegistered
		}
		return ledger.Result{Participant: r.Clone()}, nil
	case ledger.QueryRide:
		ride, reason := l.ride(query.RideID)
		if reason != "" {
			return ledger.Result{}, &ledger.ReadError{Query: query.Name, Reason: reason}
		}
		if !ride.VisibleTo(query.From) {
			return ledger.Result{}, &ledger.ReadError{Query: query.Name, Reason: ReasonNotAuthorizedToView}
		}
		return ledger.Result{Ride: ride.Clone()}, nil
	default:
		return ledger.Result{}, &ledger.ReadError{Query: query.Name, Reason: "unknown query"}
	}
}

// Proposals lists the outstanding offers on a ride, cheapest first.
func (l *Ledger) Proposals(rideID uint64) []entities.Proposal {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := append([]entities.Proposal(nil), l.proposals[rideID]...)
	sortOffers(out)
	return out
}

// execute applies the call and returns the resulting state, or a non-empty
// revert reason. Caller holds l.mu.
func (l *Ledger) execute(now time.Time, call ledger.Call) (ledger.Result, string) {
	from := normalize(call.From)

	switch call.Name {
	case ledger.CallRegisterAsDriver:
		if _, ok := l.drivers[from]; ok {
			return ledger.Result{}, ReasonAlreadyRegistered
		}
		if call.Value.Cmp(l.minCollateral) < 0 {
			return ledger.Result{}, ReasonInsufficientCollateral
		}
		d := &entities.Participant{
			Role:       entities.RoleDriver,
			Address:    call.From,
			Registered: true,
			Collateral: call.Value,
		}
		l.drivers[from] = d
		return ledger.Result{Participant: d.Clone()}, ""

	case ledger.CallRegisterAsRider:
		if _, ok := l.riders[from]; ok {
			return ledger.Result{}, ReasonAlreadyRegistered
		}
		r := &entities.Participant{Role: entities.RoleRider, Address: call.From, Registered: true}
		l.riders[from] = r
		return ledger.Result{Participant: r.Clone()}, ""

	case ledger.CallRequestRide:
		if _, ok := l.riders[from]; !ok {
			return ledger.Result{}, ReasonRiderNotRegistered
		}
		if strings.TrimSpace(call.Start) == "" || strings.TrimSpace(call.End) == "" {
			return ledger.Result{}, ReasonLocationsRequired
		}
		ride := entities.NewRide(uint64(len(l.rides)), call.From, call.Start, call.End, call.Time, call.Preferences)
		ride.UpdatedAt = now
		l.rides = append(l.rides, ride)
		return ledger.Result{Ride: ride.Clone()}, ""

	case ledger.CallProposeRidePrice:
		d, ok := l.drivers[from]
		if !ok {
			return ledger.Result{}, ReasonDriverNotRegistered
		}
		if !d.HasCollateral() {
			return ledger.Result{}, ReasonNoCollateral
		}
		ride, reason := l.ride(call.RideID)
		if reason != "" {
			return ledger.Result{}, reason
		}
		if ride.Status != entities.RideStatusRequested {
			return ledger.Result{}, ReasonWrongStatus
		}
		if !call.Price.IsPositive() {
			return ledger.Result{}, ReasonPriceRequired
		}
		p := entities.Proposal{RideID: ride.ID, Driver: call.From, Price: call.Price, ProposedAt: now}
		l.proposals[ride.ID] = append(l.proposals[ride.ID], p)
		return ledger.Result{Proposal: &p}, ""

	case ledger.CallSelectBestOffer:
		ride, reason := l.ownedRide(from, call.RideID, entities.RideStatusRequested)
		if reason != "" {
			return ledger.Result{}, reason
		}
		offers := append([]entities.Proposal(nil), l.proposals[ride.ID]...)
		if len(offers) == 0 {
			return ledger.Result{}, ReasonNoOffers
		}
		sortOffers(offers)
		best := offers[0]
		if !call.Value.Equal(best.Price) {
			return ledger.Result{}, ReasonPaymentMismatch
		}
		if err := ride.AcceptOffer(best.Driver, best.Price); err != nil {
			return ledger.Result{}, err.Error()
		}
		ride.UpdatedAt = now
		delete(l.proposals, ride.ID)
		return ledger.Result{Ride: ride.Clone()}, ""

	case ledger.CallConfirmDeparture:
		return l.advance(now, from, call.RideID, entities.RideStatusOfferAccepted, (*entities.Ride).Depart)

	case ledger.CallConfirmArrival:
		return l.advance(now, from, call.RideID, entities.RideStatusDeparted, (*entities.Ride).Arrive)

	case ledger.CallSendReview:
		if strings.TrimSpace(call.Feedback) == "" {
			return ledger.Result{}, ReasonFeedbackRequired
		}
		result, reason := l.advance(now, from, call.RideID, entities.RideStatusArrived, func(r *entities.Ride) error {
			return r.Complete(call.Feedback)
		})
		if reason != "" {
			return result, reason
		}
		if r, ok := l.riders[from]; ok {
			r.RideCount++
		}
		if d, ok := l.drivers[normalize(result.Ride.DriverAddress)]; ok {
			d.RideCount++
		}
		return result, ""

	case ledger.CallWithdrawCollateral:
		d, ok := l.drivers[from]
		if !ok {
			return ledger.Result{}, ReasonDriverNotRegistered
		}
		if !d.HasCollateral() {
			return ledger.Result{}, ReasonNoCollateral
		}
		d.Collateral = entities.Wei(0)
		return ledger.Result{Participant: d.Clone()}, ""

	case ledger.CallUpdateDriverRating:
		if l.oracle == "" || from != l.oracle {
			return ledger.Result{}, ReasonNotOracle
		}
		d, ok := l.drivers[normalize(call.Driver)]
		if !ok {
			return ledger.Result{}, ReasonDriverNotRegistered
		}
		if call.Rating > entities.MaxDriverRating {
			return ledger.Result{}, ReasonRatingOutOfRange
		}
		d.Rating = call.Rating
		return ledger.Result{Participant: d.Clone()}, ""
	}

	return ledger.Result{}, "unsupported call"
}

// advance runs a rider-owned single-step transition.
func (l *Ledger) advance(now time.Time, from string, rideID uint64, want entities.RideStatus, step func(*entities.Ride) error) (ledger.Result, string) {
	ride, reason := l.ownedRide(from, rideID, want)
	if reason != "" {
		return ledger.Result{}, reason
	}
	if err := step(ride); err != nil {
		return ledger.Result{}, err.Error()
	}
	ride.UpdatedAt = now
	return ledger.Result{Ride: ride.Clone()}, ""
}

func (l *Ledger) ownedRide(from string, rideID uint64, want entities.RideStatus) (*entities.Ride, string) {
	ride, reason := l.ride(rideID)
	if reason != "" {
		return nil, reason
	}
	if normalize(ride.RiderAddress) != from {
		return nil, ReasonNotRideOwner
	}
	if ride.Status != want {
		return nil, ReasonWrongStatus
	}
	return ride, ""
}

func (l *Ledger) ride(id uint64) (*entities.Ride, string) {
	if id >= uint64(len(l.rides)) {
		return nil, ReasonRideNotFound
	}
	return l.rides[id], ""
}

// sortOffers orders by price, earliest first on ties.
func sortOffers(offers []entities.Proposal) {
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].Price.Cmp(offers[j].Price) < 0
	})
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
