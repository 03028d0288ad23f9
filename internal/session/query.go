package session

import (
	"context"
	"fmt"
	"time"

	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/store"
)

// GetByUser returns the user's live session without side effects.
func (m *Manager) GetByUser(userID string) (*Session, error) {
	rec, err := m.store.GetLiveSessionByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no session for user", errdefs.ErrNotFound)
	}
	return fromRecord(rec), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	rec, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: session %s", errdefs.ErrNotFound, sessionID)
	}
	return fromRecord(rec), nil
}

// Authorize resolves ref, a session id or a sandbox id, and checks that
// userID owns it. Unknown, destroyed and foreign ids are indistinguishable
// to the caller.
func (m *Manager) Authorize(userID, ref string) (*Session, error) {
	if userID == "" || ref == "" {
		return nil, errdefs.ErrOwnershipMismatch
	}
	rec, err := m.store.GetSession(ref)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		rec, err = m.store.GetSessionBySandboxID(ref)
		if err != nil {
			return nil, fmt.Errorf("lookup session: %w", err)
		}
	}
	if rec == nil || rec.OwnerUserID != userID || rec.Status == store.StatusDestroyed {
		return nil, errdefs.ErrOwnershipMismatch
	}
	return fromRecord(rec), nil
}

// Touch records activity on the session and pushes back its expiry.
func (m *Manager) Touch(sessionID string) error {
	rec, err := m.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil || rec.Status != store.StatusActive {
		return nil
	}
	return m.touchRecord(rec)
}

func (m *Manager) touchRecord(rec *store.Session) error {
	expiresAt := time.Now().UTC().Add(m.ttl())
	if err := m.store.UpdateSessionActivity(rec.ID, expiresAt); err != nil {
		return err
	}
	rec.LastActivityAt = time.Now().UTC()
	rec.ExpiresAt = expiresAt
	return nil
}

// Destroy tears down the session and its sandbox. Destroying a session
// that is already destroyed is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	_, err := m.destroy(ctx, sessionID, "requested", false)
	return err
}

// Expire destroys the session only if it is still past its expiry once the
// owner's lock is held, so activity racing the reaper wins. It reports
// whether the session was destroyed.
func (m *Manager) Expire(ctx context.Context, sessionID string) (bool, error) {
	return m.destroy(ctx, sessionID, "expired", true)
}

func (m *Manager) destroy(ctx context.Context, sessionID, reason string, onlyExpired bool) (bool, error) {
	rec, err := m.store.GetSession(sessionID)
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil {
		return false, fmt.Errorf("%w: session %s", errdefs.ErrNotFound, sessionID)
	}

	unlock := m.userLocks.Lock(rec.OwnerUserID)
	defer unlock()

	// Re-read under the lock.
	rec, err = m.store.GetSession(sessionID)
	if err != nil {
		return false, fmt.Errorf("lookup session: %w", err)
	}
	if rec == nil || rec.Status == store.StatusDestroyed {
		return false, nil
	}
	if onlyExpired && rec.ExpiresAt.After(time.Now()) {
		return false, nil
	}

	if err := m.store.UpdateSessionStatus(sessionID, store.StatusDestroyed); err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	m.notifyDestroyed(sessionID)

	if rec.SandboxID != "" {
		if err := m.provider.DestroyWorkspace(ctx, rec.SandboxID); err != nil {
			// The record is already destroyed; the reaper removes the orphan.
			m.logger.Error("destroy sandbox", "session_id", sessionID, "sandbox_id", rec.SandboxID, "error", err)
		}
	}

	m.metrics.SessionDestroyed(reason)
	m.logger.Info("session destroyed", "session_id", sessionID, "user_id", rec.OwnerUserID, "reason", reason)
	return true, nil
}
