package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/tracing"
	"github.com/p-arndt/sandflow/protocol"
)

const (
	DefaultMaxSteps = 10
	eventBuffer     = 16
)

type Options struct {
	MaxSteps int
	// ToolTimeoutMs is passed to the gateway for every tool command; 0
	// uses the gateway default.
	ToolTimeoutMs int
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Tracer        trace.Tracer
}

type Loop struct {
	runner        CommandRunner
	decider       Decider
	maxSteps      int
	toolTimeoutMs int
	logger        *slog.Logger
	metrics       *metrics.Collector
	tracer        trace.Tracer
}

// New returns errdefs.ErrProviderUnavailable without a command runner: an
// agent with no sandbox to act on is not offered.
func New(runner CommandRunner, decider Decider, opts Options) (*Loop, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: agent requires a sandbox provider", errdefs.ErrProviderUnavailable)
	}
	if decider == nil {
		return nil, errors.New("agent: decider is required")
	}
	l := &Loop{
		runner:        runner,
		decider:       decider,
		maxSteps:      opts.MaxSteps,
		toolTimeoutMs: opts.ToolTimeoutMs,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
	if l.maxSteps <= 0 {
		l.maxSteps = DefaultMaxSteps
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.tracer == nil {
		l.tracer = tracing.Noop()
	}
	return l, nil
}

// Run starts an invocation and returns its event stream. The channel is
// closed after exactly one complete or error event, or early when ctx ends.
func (l *Loop) Run(ctx context.Context, req Request) <-chan protocol.Event {
	ch := make(chan protocol.Event, eventBuffer)
	go func() {
		defer close(ch)
		inv := &invocation{loop: l, req: req, ch: ch}
		inv.run(ctx)
	}()
	return ch
}

type invocation struct {
	loop     *Loop
	req      Request
	ch       chan<- protocol.Event
	response strings.Builder
	steps    []protocol.Step
}

// send delivers ev unless the consumer has gone away.
func (inv *invocation) send(ctx context.Context, ev protocol.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case inv.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (inv *invocation) run(ctx context.Context) {
	l := inv.loop
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("sandbox.id", inv.req.SandboxID),
	))
	defer span.End()

	outcome := inv.drive(ctx)
	span.SetAttributes(attribute.String("agent.outcome", outcome), attribute.Int("agent.steps", len(inv.steps)))
	if outcome != "complete" {
		span.SetStatus(codes.Error, outcome)
	}
	l.metrics.AgentRun(outcome, len(inv.steps))
	l.logger.Info("agent run finished", "user_id", inv.req.UserID, "sandbox_id", inv.req.SandboxID,
		"outcome", outcome, "steps", len(inv.steps))
}

func (inv *invocation) fail(ctx context.Context, msg string) {
	inv.send(ctx, protocol.ErrorEvent(msg))
}

// drive runs the decide/act cycle and returns the outcome label.
func (inv *invocation) drive(ctx context.Context) string {
	l := inv.loop
	if strings.TrimSpace(inv.req.Message) == "" {
		inv.fail(ctx, "message is required")
		return "invalid"
	}

	history := make([]Message, 0, len(inv.req.History)+1+2*l.maxSteps)
	history = append(history, inv.req.History...)
	history = append(history, Message{Role: RoleUser, Text: inv.req.Message})
	tools := Tools()

	for i := 0; i < l.maxSteps; i++ {
		dec, err := inv.decide(ctx, i, history, tools)
		if ctx.Err() != nil {
			return "canceled"
		}
		if err != nil {
			l.logger.Error("agent decide", "sandbox_id", inv.req.SandboxID, "step", i, "error", err)
			inv.fail(ctx, "model request failed")
			return "error"
		}

		step := protocol.Step{Index: i, Text: dec.Text}
		if dec.ToolCall == nil {
			inv.steps = append(inv.steps, step)
			inv.send(ctx, protocol.CompleteEvent(inv.response.String(), inv.steps))
			return "complete"
		}

		call := dec.ToolCall
		if call.ID == "" {
			call.ID = "call-" + uuid.New().String()[:8]
		}
		history = append(history, Message{Role: RoleModel, Text: dec.Text, ToolCall: call})

		res, err := inv.tool(ctx, call)
		if ctx.Err() != nil {
			return "canceled"
		}
		if err != nil {
			l.logger.Error("agent tool", "sandbox_id", inv.req.SandboxID, "tool", call.Name, "error", err)
			inv.fail(ctx, toolFailureMessage(err))
			return "error"
		}

		args, _ := json.Marshal(call.Args)
		step.Tool = call.Name
		step.Args = args
		step.Result = res
		inv.steps = append(inv.steps, step)
		if !inv.send(ctx, protocol.ToolEvent(call.Name, args, res)) {
			return "canceled"
		}

		history = append(history, Message{
			Role:    RoleTool,
			Outcome: &ToolOutcome{CallID: call.ID, Name: call.Name, Result: *res},
		})
	}

	inv.fail(ctx, fmt.Sprintf("agent stopped after %d steps without a final answer", l.maxSteps))
	return "max_steps"
}

func (inv *invocation) decide(ctx context.Context, i int, history []Message, tools []ToolSpec) (*Decision, error) {
	ctx, span := inv.loop.tracer.Start(ctx, "agent.step", trace.WithAttributes(attribute.Int("agent.step", i)))
	defer span.End()

	emitted := false
	emit := func(fragment string) {
		if fragment == "" {
			return
		}
		emitted = true
		inv.response.WriteString(fragment)
		inv.send(ctx, protocol.StreamEvent(fragment))
	}

	dec, err := inv.loop.decider.Decide(ctx, DecideRequest{History: history, Tools: tools}, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decide failed")
		return nil, err
	}
	if dec == nil {
		dec = &Decision{}
	}
	// Deciders that do not stream still produce one fragment.
	if !emitted && dec.Text != "" {
		emit(dec.Text)
	}
	return dec, nil
}

func (inv *invocation) tool(ctx context.Context, call *ToolCall) (*protocol.ToolResult, error) {
	ctx, span := inv.loop.tracer.Start(ctx, "agent.tool", trace.WithAttributes(attribute.String("agent.tool", call.Name)))
	defer span.End()

	res, err := inv.loop.invokeTool(ctx, inv.req, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
	}
	return res, err
}

func toolFailureMessage(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrOwnershipMismatch):
		return "sandbox does not belong to this user"
	case errors.Is(err, errdefs.ErrNotFound):
		return "sandbox session is not active"
	default:
		return "sandbox backend unavailable"
	}
}
