package reaper

import (
	"context"

	"github.com/p-arndt/sandflow/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	GetSession(id string) (*store.Session, error)
	ListExpiredSessions() ([]*store.Session, error)
	ListActiveSessions() ([]*store.Session, error)
}

// ReaperRuntime abstracts the sandbox provider. Orphan sweeps only run when
// it also implements provider.Lister.
type ReaperRuntime interface {
	IsRunning(ctx context.Context, sandboxID string) (bool, error)
	DestroyWorkspace(ctx context.Context, sandboxID string) error
}

// SessionManager destroys sessions through the registry so the owner lock
// and terminal cleanup apply.
type SessionManager interface {
	Expire(ctx context.Context, sessionID string) (bool, error)
	Destroy(ctx context.Context, sessionID string) error
}
