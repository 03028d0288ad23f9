// Package gemini implements agent.Decider with the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/p-arndt/sandflow/internal/agent"
	"github.com/p-arndt/sandflow/protocol"
)

const DefaultModel = "gemini-2.5-flash"

const instructions = `You are a coding assistant working inside an isolated Linux sandbox.
Use the tools to inspect and change files in the workspace. Run one command per tool call;
chaining operators, privilege escalation and commands that leave the sandbox are rejected.
When a tool result reports an error, adjust the command instead of repeating it.
Answer in plain text once the task is done.`

type Decider struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ agent.Decider = (*Decider)(nil)

func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Decider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{client: client, model: model, logger: logger}, nil
}

// Decide streams one model turn. Text parts are emitted as they arrive;
// the first function call becomes the Decision's tool call.
func (d *Decider) Decide(ctx context.Context, req agent.DecideRequest, emit func(string)) (*agent.Decision, error) {
	config := &genai.GenerateContentConfig{
		Tools: toolDeclarations(req.Tools),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		},
	}

	var text strings.Builder
	var call *agent.ToolCall
	for resp, err := range d.client.Models.GenerateContentStream(ctx, d.model, toContents(req.History), config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					text.WriteString(part.Text)
					emit(part.Text)
				}
				if part.FunctionCall == nil {
					continue
				}
				if call != nil {
					d.logger.Debug("ignoring extra function call", "name", part.FunctionCall.Name)
					continue
				}
				call = fromFunctionCall(part.FunctionCall)
			}
		}
	}

	return &agent.Decision{Text: text.String(), ToolCall: call}, nil
}

func fromFunctionCall(fc *genai.FunctionCall) *agent.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call-" + uuid.New().String()[:8]
	}
	return &agent.ToolCall{ID: id, Name: fc.Name, Args: fc.Args}
}

func toolDeclarations(specs []agent.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(s.Params)),
		}
		for _, p := range s.Params {
			schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toContents maps the conversation onto Gemini turns. Tool outcomes are
// sent back in the user role, next to the call id they answer.
func toContents(history []agent.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		var parts []*genai.Part
		if msg.Text != "" {
			parts = append(parts, &genai.Part{Text: msg.Text})
		}
		if msg.ToolCall != nil {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   msg.ToolCall.ID,
				Name: msg.ToolCall.Name,
				Args: msg.ToolCall.Args,
			}})
		}
		if msg.Outcome != nil {
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.Outcome.CallID,
				Name:     msg.Outcome.Name,
				Response: resultPayload(msg.Outcome.Result),
			}})
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == agent.RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func resultPayload(r protocol.ToolResult) map[string]any {
	if r.Error != "" {
		return map[string]any{"error": r.Error}
	}
	return map[string]any{
		"output": map[string]any{
			"stdout":            r.Stdout,
			"stderr":            r.Stderr,
			"exit_code":         r.ExitCode,
			"execution_time_ms": r.ExecutionTimeMs,
		},
	}
}
