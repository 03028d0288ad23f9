// Package agent drives a model through a tool-using loop against a user's
// sandbox and streams what happens as protocol events.
package agent

import (
	"context"

	"github.com/p-arndt/sandflow/internal/gateway"
	"github.com/p-arndt/sandflow/protocol"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// Message is one entry of the conversation handed to the model. A model
// message may carry a ToolCall; a tool message carries the ToolOutcome.
type Message struct {
	Role     Role         `json:"role"`
	Text     string       `json:"text,omitempty"`
	ToolCall *ToolCall    `json:"tool_call,omitempty"`
	Outcome  *ToolOutcome `json:"outcome,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolOutcome struct {
	CallID string              `json:"call_id"`
	Name   string              `json:"name"`
	Result protocol.ToolResult `json:"result"`
}

// ToolSpec describes a tool to the model. All parameters are strings.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

type Param struct {
	Name        string
	Description string
	Required    bool
}

type DecideRequest struct {
	History []Message
	Tools   []ToolSpec
}

// Decision is the model's answer for one step. A nil ToolCall means the
// model is done.
type Decision struct {
	Text     string
	ToolCall *ToolCall
}

// Decider is the conversation layer. Implementations call emit with text
// fragments as they arrive, in order, before returning the Decision.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest, emit func(fragment string)) (*Decision, error)
}

// CommandRunner is the validated execution path; *gateway.Gateway
// satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, userID, ref, command string, timeoutMs int) (*gateway.Result, error)
}

// Request starts one agent invocation. SandboxID may also be a session id.
type Request struct {
	UserID    string    `json:"-"`
	SandboxID string    `json:"sandbox_id"`
	Message   string    `json:"message"`
	History   []Message `json:"history,omitempty"`
}
