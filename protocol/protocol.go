// Package protocol defines the JSON messages sandflow streams to clients:
// agent events over SSE and terminal frames over WebSocket.
package protocol

import "encoding/json"

type EventType string

const (
	EventStream        EventType = "stream"
	EventToolExecution EventType = "tool_execution"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

// Terminal reports whether t ends an agent invocation.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one item of an agent stream. Only the fields for Type are set.
type Event struct {
	Type EventType `json:"type"`

	// stream
	Content string `json:"content,omitempty"`

	// tool_execution
	Tool   string          `json:"tool,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result *ToolResult     `json:"result,omitempty"`

	// complete
	Response  string `json:"response,omitempty"`
	StepCount int    `json:"step_count,omitempty"`
	Steps     []Step `json:"steps,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ToolResult is what a tool invocation produced. Error is set when the tool
// did not run (rejected command, unknown tool); the model sees it either way.
type ToolResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

// Step records one model decision of a completed run.
type Step struct {
	Index  int             `json:"index"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result *ToolResult     `json:"result,omitempty"`
}

func StreamEvent(content string) Event {
	return Event{Type: EventStream, Content: content}
}

func ToolEvent(tool string, args json.RawMessage, res *ToolResult) Event {
	return Event{Type: EventToolExecution, Tool: tool, Args: args, Result: res}
}

func CompleteEvent(response string, steps []Step) Event {
	return Event{Type: EventComplete, Response: response, StepCount: len(steps), Steps: steps}
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

type FrameType string

const (
	FrameInput  FrameType = "input"
	FrameResize FrameType = "resize"
	FrameExit   FrameType = "exit"
	FrameError  FrameType = "error"
)

// TerminalFrame is a JSON text message on the terminal WebSocket. Output
// travels as binary messages and has no frame.
type TerminalFrame struct {
	Type    FrameType `json:"type"`
	Data    string    `json:"data,omitempty"`
	Cols    int       `json:"cols,omitempty"`
	Rows    int       `json:"rows,omitempty"`
	Message string    `json:"message,omitempty"`
}
