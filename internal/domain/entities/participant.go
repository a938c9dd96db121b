package entities

import (
	"fmt"
	"strings"
)

// Role is the side of the marketplace a participant acts for. A single
// address may hold both roles on the ledger, but each session acts as one.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// ParseRole accepts "driver" or "rider" in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDriver:
		return RoleDriver, nil
	case RoleRider:
		return RoleRider, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// MaxDriverRating is the top of the rating scale written by the rating oracle.
const MaxDriverRating = 3

// Participant is a driver or rider as last reported by the ledger. Collateral
// and Rating only carry meaning for drivers.
type Participant struct {
	Role       Role   `json:"role"`
	Address    string `json:"address"`
	Registered bool   `json:"registered"`
	Collateral Value  `json:"collateral"`
	Rating     uint8  `json:"rating,omitempty"`
	RideCount  uint64 `json:"ride_count"`
}

// NewParticipant returns an unregistered participant record.
func NewParticipant(role Role, address string) *Participant {
	return &Participant{Role: role, Address: address}
}

// Key identifies the participant inside a session, e.g. "driver:0xabc".
func (p *Participant) Key() string {
	return ParticipantKey(p.Role, p.Address)
}

// ParticipantKey builds the key used for participant-scoped caches and
// single-flight slots.
func ParticipantKey(role Role, address string) string {
	return string(role) + ":" + strings.ToLower(address)
}

// HasCollateral reports whether a driver has withdrawable collateral locked.
func (p *Participant) HasCollateral() bool {
	return p.Role == RoleDriver && p.Collateral.IsPositive()
}

// Clone returns an independent copy.
func (p *Participant) Clone() *Participant {
	cp := *p
	cp.Collateral = NewValue(p.Collateral.wei)
	return &cp
}
