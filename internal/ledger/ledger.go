// Package ledger defines the request/confirm contract between a participant
// session and the authoritative ride ledger.
//
// The ledger owns registration, collateral and ride state. A session never
// changes that state directly: it submits a Call, receives a Receipt straight
// away, and later redeems the receipt for an Outcome once the ledger has
// confirmed or rejected the call. Reads are separate and never mutate.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridechain/internal/domain/entities"
)

// CallName is a mutating ledger entry point.
type CallName string

const (
	CallRegisterAsDriver   CallName = "registerAsDriver"
	CallRegisterAsRider    CallName = "registerAsRider"
	CallRequestRide        CallName = "requestRide"
	CallProposeRidePrice   CallName = "proposeRidePrice"
	CallSelectBestOffer    CallName = "selectBestOffer"
	CallConfirmDeparture   CallName = "confirmDeparture"
	CallConfirmArrival     CallName = "confirmArrival"
	CallSendReview         CallName = "sendReview"
	CallWithdrawCollateral CallName = "withdrawCollateral"
	// CallUpdateDriverRating is issued by the rating oracle, not by riders or
	// drivers.
	CallUpdateDriverRating CallName = "updateDriverRating"
)

// QueryName is a read-only ledger entry point.
type QueryName string

const (
	QueryMyDriverData QueryName = "viewMyDriverData"
	QueryMyRiderData  QueryName = "viewMyRiderData"
	QueryRide         QueryName = "viewRide"
)

// rideCalls take a ride id argument.
var rideCalls = map[CallName]bool{
	CallProposeRidePrice: true,
	CallSelectBestOffer:  true,
	CallConfirmDeparture: true,
	CallConfirmArrival:   true,
	CallSendReview:       true,
}

var knownCalls = map[CallName]bool{
	CallRegisterAsDriver:   true,
	CallRegisterAsRider:    true,
	CallRequestRide:        true,
	CallProposeRidePrice:   true,
	CallSelectBestOffer:    true,
	CallConfirmDeparture:   true,
	CallConfirmArrival:     true,
	CallSendReview:         true,
	CallWithdrawCollateral: true,
	CallUpdateDriverRating: true,
}

// Call is one mutating request. From is the caller's address; Value is the
// amount transferred with the call (collateral or payment). The remaining
// fields are arguments used by specific calls.
type Call struct {
	Name  CallName       `json:"name"`
	From  string         `json:"from"`
	Value entities.Value `json:"value"`

	RideID      uint64         `json:"ride_id"`
	Start       string         `json:"start,omitempty"`
	End         string         `json:"end,omitempty"`
	Time        string         `json:"time,omitempty"`
	Preferences string         `json:"preferences,omitempty"`
	Price       entities.Value `json:"price"`
	Feedback    string         `json:"feedback,omitempty"`

	Driver string `json:"driver,omitempty"`
	Rating uint8  `json:"rating,omitempty"`
}

// Validate catches calls the ledger would refuse to accept at all. Business
// rules (status, ownership, collateral) are not checked here.
func (c Call) Validate() error {
	if !knownCalls[c.Name] {
		return &SubmissionError{Reason: fmt.Sprintf("unknown call %q", c.Name)}
	}
	if strings.TrimSpace(c.From) == "" {
		return &SubmissionError{Reason: "missing caller address"}
	}
	if c.Value.Sign() < 0 || c.Price.Sign() < 0 {
		return &SubmissionError{Reason: "negative amount"}
	}
	if c.Name == CallUpdateDriverRating && c.Driver == "" {
		return &SubmissionError{Reason: "missing driver address"}
	}
	return nil
}

// TakesRide reports whether the call targets an existing ride.
func (c Call) TakesRide() bool {
	return rideCalls[c.Name]
}

// Receipt is the handle returned on submission.
type Receipt struct {
	ID          string    `json:"id"`
	Call        Call      `json:"call"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Outcome is the ledger's final word on a submitted call.
type Outcome struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
	Result    Result `json:"result"`
}

// Query is one read request.
type Query struct {
	Name   QueryName `json:"name"`
	From   string    `json:"from"`
	RideID uint64    `json:"ride_id"`
}

// Result carries whatever state a confirmed call or a read returned. Block
// and TxHash identify the ledger entry that recorded a confirmed call.
type Result struct {
	Ride        *entities.Ride        `json:"ride,omitempty"`
	Participant *entities.Participant `json:"participant,omitempty"`
	Proposal    *entities.Proposal    `json:"proposal,omitempty"`
	Block       uint64                `json:"block,omitempty"`
	TxHash      string                `json:"tx_hash,omitempty"`
}

// Client is the ledger surface a participant session consumes.
//
// Submit fails with a *SubmissionError when the call is malformed or the
// session is not authorised; the call was not executed. Any other Submit
// error leaves the outcome unknown. AwaitConfirmation blocks until the outcome is
// known or ctx is done; a ctx error says nothing about the outcome. Read
// returns ErrNotRegistered for registration queries on unknown addresses and
// a *ReadError for everything else that goes wrong.
type Client interface {
	Submit(ctx context.Context, call Call) (Receipt, error)
	AwaitConfirmation(ctx context.Context, receipt Receipt) (Outcome, error)
	Read(ctx context.Context, query Query) (Result, error)
}

var (
	// ErrNotRegistered is the ledger's "this address has no profile" answer.
	ErrNotRegistered  = errors.New("not registered")
	ErrUnknownReceipt = errors.New("unknown receipt")
)

// SubmissionError is a call the ledger refused before executing it.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return "submission rejected: " + e.Reason
}

// ReadError is a failed read other than "not registered".
type ReadError struct {
	Query  QueryName
	Reason string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s failed: %s", e.Query, e.Reason)
}
