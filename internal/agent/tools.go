package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/protocol"
)

const (
	ToolRunCommand = "run_command"
	ToolReadFile   = "read_file"
	ToolListFiles  = "list_files"
)

// Tools is the tool set every invocation offers the model.
func Tools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        ToolRunCommand,
			Description: "Run one shell command in the sandbox workspace and return its stdout, stderr and exit code. Chaining operators are rejected; send one command per call.",
			Params: []Param{
				{Name: "command", Description: "The command to run.", Required: true},
			},
		},
		{
			Name:        ToolReadFile,
			Description: "Read a text file from the sandbox.",
			Params: []Param{
				{Name: "path", Description: "Path to the file, relative to the workspace or absolute.", Required: true},
			},
		},
		{
			Name:        ToolListFiles,
			Description: "List the entries of a directory in the sandbox.",
			Params: []Param{
				{Name: "path", Description: "Directory to list. Defaults to the workspace root."},
			},
		},
	}
}

// shellQuote wraps s in single quotes so the shell passes it through as one
// word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// commandFor turns a tool call into the shell command it stands for. A
// non-empty message means the call cannot run and is reported back to the
// model as is.
func commandFor(call *ToolCall) (string, string) {
	switch call.Name {
	case ToolRunCommand:
		cmd := stringArg(call.Args, "command")
		if cmd == "" {
			return "", "'command' parameter is required"
		}
		return cmd, ""
	case ToolReadFile:
		path := stringArg(call.Args, "path")
		if path == "" {
			return "", "'path' parameter is required"
		}
		return "cat -- " + shellQuote(path), ""
	case ToolListFiles:
		path := stringArg(call.Args, "path")
		if path == "" {
			path = "."
		}
		return "ls -la -- " + shellQuote(path), ""
	default:
		return "", fmt.Sprintf("unknown tool %q", call.Name)
	}
}

// invokeTool runs call. The returned error is only set for failures that
// end the invocation; everything the model can act on comes back as a
// ToolResult.
func (l *Loop) invokeTool(ctx context.Context, req Request, call *ToolCall) (*protocol.ToolResult, error) {
	cmd, msg := commandFor(call)
	if msg != "" {
		return &protocol.ToolResult{Error: msg}, nil
	}

	res, err := l.runner.Run(ctx, req.UserID, req.SandboxID, cmd, l.toolTimeoutMs)
	if err != nil {
		var ve *errdefs.ValidationError
		switch {
		case errors.As(err, &ve):
			return &protocol.ToolResult{Error: "command rejected: " + ve.Reason}, nil
		case errors.Is(err, errdefs.ErrValidation):
			return &protocol.ToolResult{Error: "command rejected"}, nil
		case errors.Is(err, errdefs.ErrTimeout):
			return &protocol.ToolResult{Error: "command timed out"}, nil
		default:
			return nil, err
		}
	}

	return &protocol.ToolResult{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}
