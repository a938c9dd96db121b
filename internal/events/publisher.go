// Package events publishes confirmed ride and participant changes to a
// message broker so services outside the session (rating, analytics) can
// follow the ride lifecycle.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	kafkago "github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeRideRequested       = "ride.requested"
	TypeOfferProposed       = "offer.proposed"
	TypeOfferAccepted       = "ride.offer_accepted"
	TypeRideDeparted        = "ride.departed"
	TypeRideArrived         = "ride.arrived"
	TypeReviewSubmitted     = "review.submitted"
	TypeParticipantJoined   = "participant.registered"
	TypeCollateralWithdrawn = "collateral.withdrawn"
)

// RideEvent is the broker message body. review.submitted carries the driver
// and feedback so a rating service can score the driver from it.
type RideEvent struct {
	Type     string    `json:"type"`
	RideID   *uint64   `json:"ride_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Rider    string    `json:"rider,omitempty"`
	Driver   string    `json:"driver,omitempty"`
	Price    string    `json:"price,omitempty"`
	Feedback string    `json:"feedback,omitempty"`
	Role     string    `json:"role,omitempty"`
	Address  string    `json:"address,omitempty"`
	At       time.Time `json:"at"`
}

// Key partitions events so one ride's events stay in order.
func (e RideEvent) Key() string {
	if e.RideID != nil {
		return "ride-" + strconv.FormatUint(*e.RideID, 10)
	}
	return e.Role + "-" + e.Address
}

// Publisher sends events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event RideEvent) error
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	Backend string // "none", "kafka" or "mqtt"
	Topic   string
	Kafka   KafkaConfig
	MQTT    MQTTConfig
}

type KafkaConfig struct {
	Brokers []string
}

type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
}

// NewPublisher builds the publisher for cfg.Backend. MQTT connects
// immediately; Kafka connects on first write.
func NewPublisher(cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return NopPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Topic), nil
	case "mqtt":
		return NewMQTTPublisher(cfg.MQTT, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown events backend: %s", cfg.Backend)
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RideEvent) error { return nil }
func (NopPublisher) Close() error                             { return nil }

// KafkaPublisher writes JSON events keyed by ride.
type KafkaPublisher struct {
	writer *kafkago.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
	}}
}

func (k *KafkaPublisher) Publish(ctx context.Context, event RideEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafkago.Message{Key: []byte(event.Key()), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// MQTTPublisher publishes JSON events at QoS 1 under topic/<type>.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

func NewMQTTPublisher(cfg MQTTConfig, topic string) (*MQTTPublisher, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{client: client, topic: topic}, nil
}

func (m *MQTTPublisher) Publish(ctx context.Context, event RideEvent) error {
	if !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	token := m.client.Publish(m.topic+"/"+event.Type, 1, false, b)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTTPublisher) Close() error {
	m.client.Disconnect(1000)
	return nil
}
