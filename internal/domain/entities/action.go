package entities

// Action names a mutating operation a participant can ask the ledger to
// perform.
type Action string

const (
	ActionRegisterAsDriver   Action = "register_as_driver"
	ActionRegisterAsRider    Action = "register_as_rider"
	ActionRequestRide        Action = "request_ride"
	ActionProposePrice       Action = "propose_price"
	ActionSelectBestOffer    Action = "select_best_offer"
	ActionConfirmDeparture   Action = "confirm_departure"
	ActionConfirmArrival     Action = "confirm_arrival"
	ActionSendReview         Action = "send_review"
	ActionWithdrawCollateral Action = "withdraw_collateral"
)

// actionRule is one row of the ride transition table: who may act, which
// cached status the ride must be in, and where it ends up. An empty to means
// the action does not move the ride.
type actionRule struct {
	role Role
	from RideStatus
	to   RideStatus
}

var rideActionRules = map[Action]actionRule{
	ActionProposePrice:     {role: RoleDriver, from: RideStatusRequested},
	ActionSelectBestOffer:  {role: RoleRider, from: RideStatusRequested, to: RideStatusOfferAccepted},
	ActionConfirmDeparture: {role: RoleRider, from: RideStatusOfferAccepted, to: RideStatusDeparted},
	ActionConfirmArrival:   {role: RoleRider, from: RideStatusDeparted, to: RideStatusArrived},
	ActionSendReview:       {role: RoleRider, from: RideStatusArrived, to: RideStatusCompleted},
}

// rideActionOrder keeps LegalRideActions deterministic.
var rideActionOrder = []Action{
	ActionProposePrice,
	ActionSelectBestOffer,
	ActionConfirmDeparture,
	ActionConfirmArrival,
	ActionSendReview,
}

// IsRideScoped reports whether the action targets an existing ride.
func (a Action) IsRideScoped() bool {
	_, ok := rideActionRules[a]
	return ok
}

// Role returns the only role allowed to perform the action.
func (a Action) Role() Role {
	if rule, ok := rideActionRules[a]; ok {
		return rule.role
	}
	switch a {
	case ActionRegisterAsDriver, ActionWithdrawCollateral:
		return RoleDriver
	default:
		return RoleRider
	}
}

// RequiredStatus is the cached ride status the action must start from.
func (a Action) RequiredStatus() (RideStatus, bool) {
	rule, ok := rideActionRules[a]
	return rule.from, ok
}

// TargetStatus is the status a confirmed action moves the ride to. ok is
// false for actions that leave the ride where it is.
func (a Action) TargetStatus() (RideStatus, bool) {
	rule, ok := rideActionRules[a]
	if !ok || rule.to == "" {
		return "", false
	}
	return rule.to, true
}

// LegalRideActions lists the ride actions the role may take against a ride in
// the given status. It depends on nothing else, so presentation code can
// render buttons straight from a snapshot.
func LegalRideActions(role Role, status RideStatus) []Action {
	actions := []Action{}
	for _, a := range rideActionOrder {
		rule := rideActionRules[a]
		if rule.role == role && rule.from == status {
			actions = append(actions, a)
		}
	}
	return actions
}

// ParticipantActions lists the actions available outside any ride.
func ParticipantActions(p *Participant) []Action {
	if p == nil || !p.Registered {
		if p != nil && p.Role == RoleDriver {
			return []Action{ActionRegisterAsDriver}
		}
		return []Action{ActionRegisterAsRider}
	}
	switch p.Role {
	case RoleRider:
		return []Action{ActionRequestRide}
	case RoleDriver:
		if p.HasCollateral() {
			return []Action{ActionWithdrawCollateral}
		}
	}
	return []Action{}
}
