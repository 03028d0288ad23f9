package api

import (
	"context"

	"github.com/p-arndt/sandflow/internal/agent"
	"github.com/p-arndt/sandflow/internal/gateway"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/terminal"
	"github.com/p-arndt/sandflow/internal/validator"
	"github.com/p-arndt/sandflow/protocol"
)

// SessionService abstracts the sandbox session registry.
type SessionService interface {
	GetOrCreate(ctx context.Context, userID string) (*session.Session, error)
	GetByUser(userID string) (*session.Session, error)
	Authorize(userID, ref string) (*session.Session, error)
	Destroy(ctx context.Context, sessionID string) error
}

// CommandService runs validated one-shot commands.
type CommandService interface {
	Run(ctx context.Context, userID, ref, command string, timeoutMs int) (*gateway.Result, error)
}

type CommandValidator interface {
	Validate(command string) validator.Result
}

// TerminalService multiplexes interactive terminals, keyed by session id.
type TerminalService interface {
	Attach(ctx context.Context, sess *session.Session, cols, rows int) (*terminal.Info, error)
	Get(sessionID string) (*terminal.Info, error)
	SendInput(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows int) error
	Kill(sessionID string) error
	Subscribe(sessionID string) (<-chan []byte, func(), error)
}

// AgentService streams one agent invocation.
type AgentService interface {
	Run(ctx context.Context, req agent.Request) <-chan protocol.Event
}
