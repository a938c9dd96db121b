package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RideStatus represents the current lifecycle state of a ride.
//
// Go Learning Note — State Machines in Go:
// This file implements a finite state machine (FSM) using a map of valid
// transitions. The ride's lifecycle is strictly linear and rider-driven:
//
//	Requested → OfferAccepted → Departed → Arrived → Completed
//
// There is no cancel or fail edge: the ledger never moves a ride backwards,
// so neither does the local copy.
type RideStatus string

const (
	RideStatusRequested     RideStatus = "requested"
	RideStatusOfferAccepted RideStatus = "offer_accepted"
	RideStatusDeparted      RideStatus = "departed"
	RideStatusArrived       RideStatus = "arrived"
	RideStatusCompleted     RideStatus = "completed"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPriceAlreadySet   = errors.New("ride price is already set")
	ErrPriceRequired     = errors.New("a positive price is required")
	ErrReviewRequired    = errors.New("review feedback must not be empty")
	ErrUnknownRideStatus = errors.New("unknown ride status")
)

// validTransitions defines which status changes are allowed from each state.
// Each state has exactly one successor and Completed has none. This map IS
// the state machine; CanTransitionTo() simply looks up the current status and
// checks if the target is in the slice.
var validTransitions = map[RideStatus][]RideStatus{
	RideStatusRequested:     {RideStatusOfferAccepted},
	RideStatusOfferAccepted: {RideStatusDeparted},
	RideStatusDeparted:      {RideStatusArrived},
	RideStatusArrived:       {RideStatusCompleted},
	RideStatusCompleted:     {},
}

// statusRank orders statuses so a fresh ledger read can be compared with the
// cached copy.
var statusRank = map[RideStatus]int{
	RideStatusRequested:     0,
	RideStatusOfferAccepted: 1,
	RideStatusDeparted:      2,
	RideStatusArrived:       3,
	RideStatusCompleted:     4,
}

// ParseRideStatus accepts the snake_case names above.
func ParseRideStatus(s string) (RideStatus, error) {
	st := RideStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRideStatus, s)
	}
	return st, nil
}

// UnmarshalJSON only accepts lifecycle statuses, so a ride decoded from a
// ledger answer never carries one the state machine does not know.
func (s *RideStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseRideStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Rank is the position of the status in the lifecycle, or -1 if unknown.
func (s RideStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Ride is the central domain entity. The ledger assigns ID and owns the
// truth; a local Ride is a cache of the last confirmed state.
//
// Start, End, RequestedTime and Preferences are free text fixed at request
// time. DriverAddress and Price stay empty until an offer is accepted and
// never change afterwards.
type Ride struct {
	ID            uint64     `json:"id"`
	RiderAddress  string     `json:"rider"`
	DriverAddress string     `json:"driver,omitempty"`
	Start         string     `json:"start"`
	End           string     `json:"end"`
	RequestedTime string     `json:"requested_time"`
	Preferences   string     `json:"preferences"`
	Price         Value      `json:"price"`
	Status        RideStatus `json:"status"`
	Review        string     `json:"review,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewRide creates a Ride in the Requested state.
func NewRide(id uint64, rider, start, end, requestedTime, preferences string) *Ride {
	return &Ride{
		ID:            id,
		RiderAddress:  rider,
		Start:         start,
		End:           end,
		RequestedTime: requestedTime,
		Preferences:   preferences,
		Status:        RideStatusRequested,
		UpdatedAt:     time.Now(),
	}
}

// RideKey is the single-flight key for ride-scoped actions.
func RideKey(id uint64) string {
	return "ride:" + strconv.FormatUint(id, 10)
}

// CanTransitionTo checks if moving to newStatus is a valid state change.
func (r *Ride) CanTransitionTo(newStatus RideStatus) bool {
	allowedStatuses, exists := validTransitions[r.Status]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo attempts to move the ride to newStatus. Returns an error
// wrapping ErrInvalidTransition if the state machine does not allow it.
func (r *Ride) TransitionTo(newStatus RideStatus) error {
	if !r.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, newStatus)
	}
	r.Status = newStatus
	r.UpdatedAt = time.Now()
	return nil
}

// AcceptOffer binds the driver and fixes the price. It is the only place
// Price is ever written.
func (r *Ride) AcceptOffer(driver string, price Value) error {
	if r.Price.IsSet() {
		return ErrPriceAlreadySet
	}
	if !price.IsPositive() {
		return ErrPriceRequired
	}
	if err := r.TransitionTo(RideStatusOfferAccepted); err != nil {
		return err
	}
	r.DriverAddress = driver
	r.Price = price
	return nil
}

// Depart transitions OfferAccepted → Departed.
func (r *Ride) Depart() error {
	return r.TransitionTo(RideStatusDeparted)
}

// Arrive transitions Departed → Arrived.
func (r *Ride) Arrive() error {
	return r.TransitionTo(RideStatusArrived)
}

// Complete records the rider's review and transitions Arrived → Completed.
func (r *Ride) Complete(review string) error {
	if strings.TrimSpace(review) == "" {
		return ErrReviewRequired
	}
	if err := r.TransitionTo(RideStatusCompleted); err != nil {
		return err
	}
	r.Review = review
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (r *Ride) IsTerminal() bool {
	return len(validTransitions[r.Status]) == 0
}

// VisibleTo reports whether address may see this ride: its rider always,
// its driver once an offer has been accepted.
func (r *Ride) VisibleTo(address string) bool {
	if strings.EqualFold(r.RiderAddress, address) {
		return true
	}
	return r.DriverAddress != "" && strings.EqualFold(r.DriverAddress, address)
}

// Clone returns an independent copy so cached rides are never shared with
// callers.
func (r *Ride) Clone() *Ride {
	cp := *r
	cp.Price = NewValue(r.Price.wei)
	return &cp
}
