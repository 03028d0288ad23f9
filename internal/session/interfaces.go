package session

import (
	"context"
	"time"

	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/store"
)

// Provisioner is the part of a sandbox provider the registry drives.
type Provisioner interface {
	CreateWorkspace(ctx context.Context, opts provider.CreateOpts) (*provider.Workspace, error)
	DestroyWorkspace(ctx context.Context, sandboxID string) error
}

type SessionStore interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	GetSessionBySandboxID(sandboxID string) (*store.Session, error)
	GetLiveSessionByOwner(ownerUserID string) (*store.Session, error)
	ActivateSession(id, sandboxID string, expiresAt time.Time) error
	MarkSessionError(id, reason string) error
	UpdateSessionActivity(id string, expiresAt time.Time) error
	UpdateSessionStatus(id string, status string) error
}

// DestroyListener is notified after a session is destroyed, while the
// owner's lock is still held.
type DestroyListener interface {
	SessionDestroyed(sessionID string)
}
