package services

import (
	"context"
	"log/slog"
	"time"

	"ridechain/internal/domain/entities"
	"ridechain/internal/events"
	"ridechain/internal/observability"
)

const publishTimeout = 2 * time.Second

// StreamPusher delivers a message to the live streams of one participant.
type StreamPusher interface {
	Push(key string, msgType string, payload interface{})
}

// NotificationService fans confirmed changes out to participant streams and
// the event broker. Failures are logged and counted, never returned.
type NotificationService struct {
	pusher    StreamPusher
	publisher events.Publisher
	logger    *slog.Logger
}

func NewNotificationService(pusher StreamPusher, publisher events.Publisher, logger *slog.Logger) *NotificationService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &NotificationService{pusher: pusher, publisher: publisher, logger: logger}
}

var rideEventTypes = map[entities.Action]string{
	entities.ActionRequestRide:      events.TypeRideRequested,
	entities.ActionSelectBestOffer:  events.TypeOfferAccepted,
	entities.ActionConfirmDeparture: events.TypeRideDeparted,
	entities.ActionConfirmArrival:   events.TypeRideArrived,
	entities.ActionSendReview:       events.TypeReviewSubmitted,
}

// RideChanged notifies the ride's rider and, once assigned, its driver.
func (s *NotificationService) RideChanged(ctx context.Context, ride *entities.Ride, action entities.Action) {
	eventType, ok := rideEventTypes[action]
	if !ok {
		eventType = "ride." + string(ride.Status)
	}
	s.logger.Info("ride changed", "ride", ride.ID, "status", ride.Status, "action", action)

	s.push(entities.ParticipantKey(entities.RoleRider, ride.RiderAddress), eventType, ride)
	if ride.DriverAddress != "" {
		s.push(entities.ParticipantKey(entities.RoleDriver, ride.DriverAddress), eventType, ride)
	}

	id := ride.ID
	event := events.RideEvent{
		Type:   eventType,
		RideID: &id,
		Status: string(ride.Status),
		Rider:  ride.RiderAddress,
		Driver: ride.DriverAddress,
	}
	if ride.Price.IsSet() {
		event.Price = ride.Price.Ether()
	}
	if action == entities.ActionSendReview {
		event.Feedback = ride.Review
	}
	s.publish(ctx, event)
}

// ParticipantChanged notifies the participant's own streams.
func (s *NotificationService) ParticipantChanged(ctx context.Context, p *entities.Participant, action entities.Action) {
	eventType := events.TypeParticipantJoined
	if action == entities.ActionWithdrawCollateral {
		eventType = events.TypeCollateralWithdrawn
	}
	s.logger.Info("participant changed", "role", p.Role, "address", p.Address, "action", action)

	s.push(p.Key(), eventType, p)
	s.publish(ctx, events.RideEvent{
		Type:    eventType,
		Role:    string(p.Role),
		Address: p.Address,
	})
}

// ProposalConfirmed notifies the proposing driver.
func (s *NotificationService) ProposalConfirmed(ctx context.Context, p entities.Proposal) {
	s.logger.Info("offer confirmed", "ride", p.RideID, "driver", p.Driver, "price", p.Price.Ether())
	s.push(entities.ParticipantKey(entities.RoleDriver, p.Driver), events.TypeOfferProposed, p)

	id := p.RideID
	s.publish(ctx, events.RideEvent{
		Type:   events.TypeOfferProposed,
		RideID: &id,
		Driver: p.Driver,
		Price:  p.Price.Ether(),
	})
}

func (s *NotificationService) push(key, msgType string, payload interface{}) {
	if s.pusher == nil {
		return
	}
	s.pusher.Push(key, msgType, payload)
}

func (s *NotificationService) publish(ctx context.Context, event events.RideEvent) {
	event.At = time.Now().UTC()

	// The action already succeeded; do not let its cancellation drop the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, event); err != nil {
		observability.EventsDropped.Inc()
		s.logger.Warn("event publish failed", "type", event.Type, "key", event.Key(), "error", err)
	}
}
