// Package reaper expires idle sessions and reconciles the registry with the
// sandboxes the provider actually runs.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/store"
)

type Reaper struct {
	store          ReaperStore
	runtime        ReaperRuntime
	sessionManager SessionManager
	interval       time.Duration
	logger         *slog.Logger
}

func New(st ReaperStore, rt ReaperRuntime, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		store:    st,
		runtime:  rt,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reaper) SetSessionManager(sm SessionManager) {
	r.sessionManager = sm
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapExpired(ctx)
			r.sweepOrphans(ctx)
		}
	}
}

func (r *Reaper) reapExpired(ctx context.Context) {
	if r.sessionManager == nil {
		return
	}
	expired, err := r.store.ListExpiredSessions()
	if err != nil {
		r.logger.Error("reaper: list expired", "error", err)
		return
	}

	reaped := 0
	for _, sess := range expired {
		if ctx.Err() != nil {
			return
		}
		ok, err := r.sessionManager.Expire(ctx, sess.ID)
		if err != nil {
			r.logger.Error("reaper: expire session", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			reaped++
			r.logger.Info("reaped expired session", "session_id", sess.ID, "expired_at", sess.ExpiresAt)
		}
	}

	if reaped > 0 {
		r.logger.Info("reaper: reaped sessions", "count", reaped)
	}
}

// reconcile destroys active sessions whose sandbox is gone, then removes
// sandboxes no live session owns.
func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	active, err := r.store.ListActiveSessions()
	if err != nil {
		r.logger.Error("reconcile: list active sessions", "error", err)
		return
	}

	for _, sess := range active {
		if sess.SandboxID == "" {
			continue
		}
		running, err := r.runtime.IsRunning(ctx, sess.SandboxID)
		if err != nil {
			r.logger.Warn("reconcile: error checking sandbox status",
				"session_id", sess.ID, "sandbox_id", sess.SandboxID, "error", err)
			continue
		}
		if running {
			continue
		}

		r.logger.Warn("reconcile: sandbox not running, destroying session",
			"session_id", sess.ID, "sandbox_id", sess.SandboxID)
		if r.sessionManager != nil {
			if err := r.sessionManager.Destroy(ctx, sess.ID); err != nil {
				r.logger.Error("reconcile: destroy session", "session_id", sess.ID, "error", err)
			}
		}
	}

	r.sweepOrphans(ctx)
	r.logger.Info("reconciliation complete")
}

func (r *Reaper) sweepOrphans(ctx context.Context) {
	lister, ok := r.runtime.(provider.Lister)
	if !ok {
		return
	}
	sandboxes, err := lister.ListSandboxes(ctx)
	if err != nil {
		r.logger.Error("reaper: list sandboxes", "error", err)
		return
	}

	for _, sb := range sandboxes {
		if ctx.Err() != nil {
			return
		}
		live, err := r.isLive(sb)
		if err != nil {
			r.logger.Error("reaper: lookup sandbox owner", "sandbox_id", sb.SandboxID, "error", err)
			continue
		}
		if live {
			continue
		}

		r.logger.Warn("removing orphaned sandbox", "sandbox_id", sb.SandboxID, "session_id", sb.SessionID)
		if err := r.runtime.DestroyWorkspace(ctx, sb.SandboxID); err != nil {
			r.logger.Error("reaper: destroy orphan", "sandbox_id", sb.SandboxID, "error", err)
		}
	}
}

// isLive reports whether a creating or active session still claims sb.
// Sandboxes of sessions still provisioning are matched by session id since
// their record carries no sandbox id yet.
func (r *Reaper) isLive(sb provider.SandboxInfo) (bool, error) {
	if sb.SessionID == "" {
		return false, nil
	}
	sess, err := r.store.GetSession(sb.SessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	switch sess.Status {
	case store.StatusCreating:
		return true, nil
	case store.StatusActive:
		return sess.SandboxID == "" || sess.SandboxID == sb.SandboxID, nil
	default:
		return false, nil
	}
}
