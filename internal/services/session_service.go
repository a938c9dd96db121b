package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/observability"
)

var ErrSessionNotFound = errors.New("session not found")

// LedgerFactory returns the ledger client a session acts through. The
// address is the account every call is sent from.
type LedgerFactory func(role entities.Role, address string) (ledger.Client, error)

// SessionManager owns one Orchestrator per participant. Sessions share no
// cached state; each starts empty and learns from the ledger.
type SessionManager struct {
	factory  LedgerFactory
	pipeline PipelineConfig
	notifier Notifier
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is an orchestrator plus a channel closed once its first
// registration check has finished.
type session struct {
	orchestrator *Orchestrator
	ready        chan struct{}
}

func NewSessionManager(factory LedgerFactory, pipeline PipelineConfig, notifier Notifier, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		factory:  factory,
		pipeline: pipeline,
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Open returns the participant's session, creating it on first use. A new
// session checks registration once; a failed check is logged and leaves the
// registration unknown, so actions stay blocked until a refresh succeeds.
//
// The registration read runs outside the manager lock. Concurrent opens of
// the same session wait for it; other participants do not.
func (m *SessionManager) Open(ctx context.Context, role entities.Role, address string) (*Orchestrator, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}
	key := entities.ParticipantKey(role, address)

	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s.wait(ctx)
	}

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s.wait(ctx)
	}
	client, err := m.factory(role, address)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("ledger client for %s: %w", key, err)
	}
	s = &session{
		orchestrator: NewOrchestrator(OrchestratorConfig{
			Role:     role,
			Address:  address,
			Client:   client,
			Pipeline: m.pipeline,
			Notifier: m.notifier,
			Logger:   m.logger,
		}),
		ready: make(chan struct{}),
	}
	m.sessions[key] = s
	m.mu.Unlock()

	observability.SessionsOpen.Inc()
	defer close(s.ready)

	if _, err := s.orchestrator.CheckRegistration(ctx); err != nil {
		m.logger.Warn("registration check failed on session open", "session", key, "error", err)
	}
	m.logger.Info("session opened", "session", key)
	return s.orchestrator, nil
}

func (s *session) wait(ctx context.Context) (*Orchestrator, error) {
	select {
	case <-s.ready:
		return s.orchestrator, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns an already open session.
func (m *SessionManager) Get(role entities.Role, address string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[entities.ParticipantKey(role, address)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.orchestrator, nil
}

// Close discards the session and its caches.
func (m *SessionManager) Close(role entities.Role, address string) {
	key := entities.ParticipantKey(role, address)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		delete(m.sessions, key)
		observability.SessionsOpen.Dec()
		m.logger.Info("session closed", "session", key)
	}
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
