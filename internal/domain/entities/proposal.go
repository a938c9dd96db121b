package entities

import "time"

// Proposal is a driver's offered price for a ride. It is not a ride state:
// only the proposal the rider selects has any effect on the ride.
type Proposal struct {
	RideID     uint64    `json:"ride_id"`
	Driver     string    `json:"driver"`
	Price      Value     `json:"price"`
	ProposedAt time.Time `json:"proposed_at"`
}
