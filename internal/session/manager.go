// Package session is the registry of per-user sandbox sessions. Each user
// has at most one live session; creation and destruction are serialized per
// user so concurrent requests never provision twice.
package session

import (
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/keylock"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/store"
	"github.com/p-arndt/sandflow/internal/tracing"
)

type Status string

const (
	StatusCreating  Status = store.StatusCreating
	StatusActive    Status = store.StatusActive
	StatusError     Status = store.StatusError
	StatusDestroyed Status = store.StatusDestroyed
)

// Session is the client-facing view of a registry record. The provider
// failure reason stays in the store and the logs.
type Session struct {
	ID             string    `json:"session_id"`
	SandboxID      string    `json:"sandbox_id"`
	OwnerUserID    string    `json:"-"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Session) Active() bool {
	return s != nil && s.Status == StatusActive
}

func fromRecord(rec *store.Session) *Session {
	return &Session{
		ID:             rec.ID,
		SandboxID:      rec.SandboxID,
		OwnerUserID:    rec.OwnerUserID,
		Status:         Status(rec.Status),
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ExpiresAt:      rec.ExpiresAt,
	}
}

type Manager struct {
	cfg      *config.Config
	store    SessionStore
	provider Provisioner
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	userLocks *keylock.Map

	listenersMu sync.RWMutex
	listeners   []DestroyListener
}

// NewManager wires the registry. mc may be nil; a nil tracer records nothing.
func NewManager(cfg *config.Config, st SessionStore, prov Provisioner, logger *slog.Logger, mc *metrics.Collector, tracer trace.Tracer) *Manager {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		provider:  prov,
		logger:    logger,
		metrics:   mc,
		tracer:    tracer,
		userLocks: keylock.New(),
	}
}

// AddDestroyListener registers l to be told about every destroyed session.
func (m *Manager) AddDestroyListener(l DestroyListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notifyDestroyed(sessionID string) {
	m.listenersMu.RLock()
	listeners := append([]DestroyListener(nil), m.listeners...)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l.SessionDestroyed(sessionID)
	}
}

func (m *Manager) ttl() time.Duration {
	if m.cfg.SessionTTLSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(m.cfg.SessionTTLSeconds) * time.Second
}

func (m *Manager) provisionTimeout() time.Duration {
	if m.cfg.ProvisionTimeoutMs <= 0 {
		return time.Minute
	}
	return time.Duration(m.cfg.ProvisionTimeoutMs) * time.Millisecond
}
