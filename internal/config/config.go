// Package config centralizes all application configuration into typed structs.
//
// Go Learning Note — Layered Configuration:
// Settings are resolved in three layers, each overriding the last:
//  1. NewDefaultConfig(): sensible defaults so the binary runs with no setup
//  2. An optional YAML file (gopkg.in/yaml.v3), missing file means "defaults"
//  3. Environment variables, which is how containers usually inject settings
//
// Using typed structs (not raw strings/maps) gives you compile-time safety
// and IDE autocompletion. This is strongly preferred in Go over untyped config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ridechain/internal/domain/entities"
	"ridechain/internal/events"
)

// Config is the top-level configuration container.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Ledger LedgerConfig `yaml:"ledger"`
	Events EventsConfig `yaml:"events"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig selects the ledger the sessions act through.
//
// Backend "memory" runs an in-process ledger (development and tests);
// "gateway" talks HTTP to a ledger gateway at GatewayURL.
type LedgerConfig struct {
	Backend        string        `yaml:"backend"`
	GatewayURL     string        `yaml:"gateway_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"` // how long an action waits for its outcome

	// In-process ledger only.
	MinCollateral string        `yaml:"min_collateral"` // ether
	ConfirmDelay  time.Duration `yaml:"confirm_delay"`
	RatingOracle  string        `yaml:"rating_oracle"`
}

// EventsConfig selects where confirmed ride events are published.
type EventsConfig struct {
	Backend string      `yaml:"backend"` // "none", "kafka" or "mqtt"
	Topic   string      `yaml:"topic"`
	Kafka   KafkaConfig `yaml:"kafka"`
	MQTT    MQTTConfig  `yaml:"mqtt"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// NewDefaultConfig returns a Config populated with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:        "memory",
			GatewayURL:     "http://localhost:8545",
			RequestTimeout: 10 * time.Second,
			ConfirmTimeout: 30 * time.Second,
			MinCollateral:  "0.01",
			ConfirmDelay:   500 * time.Millisecond,
		},
		Events: EventsConfig{
			Backend: "none",
			Topic:   "ridechain.rides",
			Kafka:   KafkaConfig{Brokers: []string{"localhost:9092"}},
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "ridechain",
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setStringFromEnv(&c.Server.Addr, "HTTP_ADDR")
	setDurationFromEnv(&c.Server.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&c.Server.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)

	setStringFromEnv(&c.Ledger.Backend, "LEDGER_BACKEND")
	setStringFromEnv(&c.Ledger.GatewayURL, "LEDGER_GATEWAY_URL")
	setDurationFromEnv(&c.Ledger.RequestTimeout, "LEDGER_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&c.Ledger.ConfirmTimeout, "LEDGER_CONFIRM_TIMEOUT", &errs)
	setDurationFromEnv(&c.Ledger.ConfirmDelay, "LEDGER_CONFIRM_DELAY", &errs)
	setStringFromEnv(&c.Ledger.MinCollateral, "LEDGER_MIN_COLLATERAL")
	setStringFromEnv(&c.Ledger.RatingOracle, "LEDGER_RATING_ORACLE")

	setStringFromEnv(&c.Events.Backend, "EVENTS_BACKEND")
	setStringFromEnv(&c.Events.Topic, "EVENTS_TOPIC")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Events.Kafka.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&c.Events.MQTT.Broker, "MQTT_BROKER")
	setIntFromEnv(&c.Events.MQTT.Port, "MQTT_PORT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Backend {
	case "memory":
		if _, err := c.Ledger.MinCollateralValue(); err != nil {
			errs = append(errs, err)
		}
	case "gateway":
		if c.Ledger.GatewayURL == "" {
			errs = append(errs, fmt.Errorf("ledger.gateway_url is required for the gateway backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.confirm_timeout must be > 0"))
	}

	switch c.Events.Backend {
	case "", "none":
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("events.kafka.brokers is required for the kafka backend"))
		}
	case "mqtt":
		if c.Events.MQTT.Broker == "" || c.Events.MQTT.Port <= 0 {
			errs = append(errs, fmt.Errorf("events.mqtt broker and port are required for the mqtt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events backend %q", c.Events.Backend))
	}

	return errors.Join(errs...)
}

// MinCollateralValue parses MinCollateral as ether.
func (l LedgerConfig) MinCollateralValue() (entities.Value, error) {
	v, err := entities.ParseEther(l.MinCollateral)
	if err != nil {
		return entities.Value{}, fmt.Errorf("ledger.min_collateral: %w", err)
	}
	return v, nil
}

// PublisherConfig converts the section for events.NewPublisher.
func (e EventsConfig) PublisherConfig() events.Config {
	return events.Config{
		Backend: e.Backend,
		Topic:   e.Topic,
		Kafka:   events.KafkaConfig{Brokers: e.Kafka.Brokers},
		MQTT: events.MQTTConfig{
			Broker:   e.MQTT.Broker,
			Port:     e.MQTT.Port,
			ClientID: e.MQTT.ClientID,
		},
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
