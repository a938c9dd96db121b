package services

import (
	"errors"
	"fmt"
	"strings"

	"ridechain/internal/domain/entities"
)

// ErrorKind classifies why an action or read did not succeed.
type ErrorKind string

const (
	KindNotEligible       ErrorKind = "not_eligible"
	KindActionInFlight    ErrorKind = "action_in_flight"
	KindSubmission        ErrorKind = "submission_error"
	KindExecutionRejected ErrorKind = "execution_rejected"
	KindRead              ErrorKind = "read_error"
	KindGate              ErrorKind = "gate_error"
	KindTimeout           ErrorKind = "timeout"
)

// Sentinels for errors.Is. Every *ActionError matches the sentinel of its
// kind.
var (
	ErrNotEligible       = errors.New("not eligible")
	ErrActionInFlight    = errors.New("action already in flight")
	ErrSubmission        = errors.New("submission rejected")
	ErrExecutionRejected = errors.New("execution rejected")
	ErrRead              = errors.New("ledger read failed")
	ErrGate              = errors.New("registration check failed")
	ErrTimeout           = errors.New("confirmation timed out")

	ErrRideNotFound = errors.New("ride not found")
)

var kindSentinels = map[ErrorKind]error{
	KindNotEligible:       ErrNotEligible,
	KindActionInFlight:    ErrActionInFlight,
	KindSubmission:        ErrSubmission,
	KindExecutionRejected: ErrExecutionRejected,
	KindRead:              ErrRead,
	KindGate:              ErrGate,
	KindTimeout:           ErrTimeout,
}

// ActionError is the typed failure returned by every orchestrator operation.
// Reason is the ledger's cause for rejections, or a short local explanation.
// Err, when set, is the underlying error.
type ActionError struct {
	Kind   ErrorKind       `json:"kind"`
	Action entities.Action `json:"action,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Err    error           `json:"-"`
}

func (e *ActionError) Error() string {
	var b strings.Builder
	if e.Action != "" {
		b.WriteString(string(e.Action))
		b.WriteString(": ")
	}
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && (e.Reason == "" || e.Reason != e.Err.Error()) {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

func (e *ActionError) Is(target error) bool {
	return target == kindSentinels[e.Kind]
}

func (e *ActionError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

func notEligible(action entities.Action, format string, args ...any) *ActionError {
	return &ActionError{Kind: KindNotEligible, Action: action, Reason: fmt.Sprintf(format, args...)}
}

func inFlight(action entities.Action, key string) *ActionError {
	return &ActionError{Kind: KindActionInFlight, Action: action, Reason: key + " has an action awaiting confirmation"}
}
