package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/store"
)

// GetOrCreate returns the user's active session, provisioning one when none
// exists. Concurrent calls for the same user return the same session.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errdefs.ErrUnauthorized
	}
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	return m.ensureLocked(ctx, userID, true)
}

// CreateWorkspace provisions a sandbox for the user. When the user already
// has an active session it is returned instead of creating a second one.
func (m *Manager) CreateWorkspace(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errdefs.ErrUnauthorized
	}
	unlock := m.userLocks.Lock(userID)
	defer unlock()

	return m.ensureLocked(ctx, userID, false)
}

// ensureLocked must be called with the user's lock held.
func (m *Manager) ensureLocked(ctx context.Context, userID string, touch bool) (*Session, error) {
	rec, err := m.store.GetLiveSessionByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	if rec != nil {
		switch rec.Status {
		case store.StatusActive:
			if touch {
				if err := m.touchRecord(rec); err != nil {
					m.logger.Warn("touch session", "session_id", rec.ID, "error", err)
				}
			}
			return fromRecord(rec), nil

		case store.StatusCreating:
			// A previous attempt timed out; providers are idempotent per
			// session id, so finishing it cannot leak a second sandbox.
			m.logger.Info("resuming session provisioning", "session_id", rec.ID, "user_id", userID)
			return m.provision(ctx, rec)

		case store.StatusError:
			if err := m.retire(ctx, rec); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	rec = &store.Session{
		ID:             uuid.New().String()[:12],
		OwnerUserID:    userID,
		Status:         store.StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.ttl()),
	}
	if err := m.store.CreateSession(rec); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return m.provision(ctx, rec)
}

// retire moves a failed session to destroyed so the user can get a new one.
func (m *Manager) retire(ctx context.Context, rec *store.Session) error {
	if err := m.store.UpdateSessionStatus(rec.ID, store.StatusDestroyed); err != nil {
		return fmt.Errorf("retire session: %w", err)
	}
	m.metrics.SessionDestroyed("failed")
	m.notifyDestroyed(rec.ID)
	if rec.SandboxID != "" {
		if err := m.provider.DestroyWorkspace(ctx, rec.SandboxID); err != nil {
			m.logger.Warn("destroy failed sandbox", "session_id", rec.ID, "sandbox_id", rec.SandboxID, "error", err)
		}
	}
	m.logger.Info("retired failed session", "session_id", rec.ID, "user_id", rec.OwnerUserID)
	return nil
}

func (m *Manager) provision(ctx context.Context, rec *store.Session) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.provisionTimeout())
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "session.provision", trace.WithAttributes(
		attribute.String("session.id", rec.ID),
		attribute.String("user.id", rec.OwnerUserID),
	))
	defer span.End()

	start := time.Now()
	ws, err := m.provider.CreateWorkspace(ctx, provider.CreateOpts{
		UserID:    rec.OwnerUserID,
		SessionID: rec.ID,
	})
	if err == nil && (ws == nil || ws.SandboxID == "") {
		err = errors.New("provider returned no sandbox id")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provision failed")

		if ctxErr := ctx.Err(); ctxErr != nil {
			// Left in creating; the next call resumes it.
			m.metrics.SessionProvisioned("timeout")
			m.logger.Warn("session provisioning interrupted", "session_id", rec.ID, "error", err)
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: provisioning session %s", errdefs.ErrTimeout, rec.ID)
			}
			return nil, fmt.Errorf("provisioning session %s: %w", rec.ID, ctxErr)
		}

		m.metrics.SessionProvisioned("error")
		m.logger.Error("session provisioning failed", "session_id", rec.ID, "user_id", rec.OwnerUserID, "error", err)
		if markErr := m.store.MarkSessionError(rec.ID, err.Error()); markErr != nil {
			m.logger.Error("mark session error", "session_id", rec.ID, "error", markErr)
		}
		return nil, fmt.Errorf("%w: session %s: %w", errdefs.ErrProvisioning, rec.ID, err)
	}

	expiresAt := time.Now().UTC().Add(m.ttl())
	if err := m.store.ActivateSession(rec.ID, ws.SandboxID, expiresAt); err != nil {
		span.RecordError(err)
		if derr := m.provider.DestroyWorkspace(context.WithoutCancel(ctx), ws.SandboxID); derr != nil {
			m.logger.Warn("destroy unactivated sandbox", "session_id", rec.ID, "sandbox_id", ws.SandboxID, "error", derr)
		}
		return nil, fmt.Errorf("activate session: %w", err)
	}

	m.metrics.SessionProvisioned("ok")
	m.logger.Info("session provisioned",
		"session_id", rec.ID,
		"sandbox_id", ws.SandboxID,
		"user_id", rec.OwnerUserID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	sess := fromRecord(rec)
	sess.SandboxID = ws.SandboxID
	sess.Status = StatusActive
	sess.LastActivityAt = time.Now().UTC()
	sess.ExpiresAt = expiresAt
	return sess, nil
}
