// Package provider defines the contract between sandflow and the system that
// actually runs sandboxes. Backends live in subpackages; the rest of the
// daemon depends only on the interfaces here.
package provider

import (
	"context"
	"errors"
	"io"
)

// ErrSandboxNotFound is returned by backends when a sandbox id is unknown.
var ErrSandboxNotFound = errors.New("sandbox not found")

type CreateOpts struct {
	UserID string
	// SessionID identifies the registry record. Backends must be idempotent
	// per SessionID: a second call after a timed out first one returns the
	// same workspace instead of creating another.
	SessionID string
}

type Workspace struct {
	SandboxID string
}

// ExecOutput is what a backend reports for one command. A non-zero
// ExitCode is a normal result, not an error.
type ExecOutput struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	ExecutionTimeMs int64
	Truncated       bool
}

// PTY is an interactive terminal attached to a sandbox shell. Read returns
// io.EOF once the shell exits.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

type Provider interface {
	Name() string
	CreateWorkspace(ctx context.Context, opts CreateOpts) (*Workspace, error)
	ExecuteCommand(ctx context.Context, sandboxID, command string) (*ExecOutput, error)
	OpenPTY(ctx context.Context, sandboxID string, cols, rows int) (PTY, error)
	DestroyWorkspace(ctx context.Context, sandboxID string) error
	IsRunning(ctx context.Context, sandboxID string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// SandboxInfo describes a sandbox a backend manages, used to find orphans.
type SandboxInfo struct {
	SandboxID string
	SessionID string
}

// Lister is implemented by backends that can enumerate their sandboxes.
type Lister interface {
	ListSandboxes(ctx context.Context) ([]SandboxInfo, error)
}

// Capabilities is resolved once at startup and reported by /healthz.
type Capabilities struct {
	Provider string `json:"provider"`
	Agent    bool   `json:"agent"`
}

func (c Capabilities) HasProvider() bool {
	return c.Provider != ""
}
