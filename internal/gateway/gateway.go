// Package gateway forwards single shell commands to a user's sandbox. Run
// is the only path that accepts untrusted input: it checks ownership and
// validates the command before anything reaches the provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/tracing"
	"github.com/p-arndt/sandflow/internal/validator"
)

type Executor interface {
	ExecuteCommand(ctx context.Context, sandboxID, command string) (*provider.ExecOutput, error)
}

type Sessions interface {
	Authorize(userID, ref string) (*session.Session, error)
	Touch(sessionID string) error
}

type CommandValidator interface {
	Validate(command string) validator.Result
}

type Result struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Truncated       bool   `json:"truncated,omitempty"`
}

type Gateway struct {
	exec      Executor
	sessions  Sessions
	validator CommandValidator
	logger    *slog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// New returns errdefs.ErrProviderUnavailable when no executor is configured.
func New(exec Executor, sessions Sessions, v CommandValidator, cfg *config.Config, logger *slog.Logger, mc *metrics.Collector, tracer trace.Tracer) (*Gateway, error) {
	if exec == nil {
		return nil, errdefs.ErrProviderUnavailable
	}
	if sessions == nil || v == nil {
		return nil, errors.New("gateway: sessions and validator are required")
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}

	g := &Gateway{
		exec:           exec,
		sessions:       sessions,
		validator:      v,
		logger:         logger,
		metrics:        mc,
		tracer:         tracer,
		defaultTimeout: time.Duration(cfg.DefaultExecTimeoutMs) * time.Millisecond,
		maxTimeout:     time.Duration(cfg.MaxExecTimeoutMs) * time.Millisecond,
	}
	if g.defaultTimeout <= 0 {
		g.defaultTimeout = 30 * time.Second
	}
	if g.maxTimeout <= 0 {
		g.maxTimeout = 2 * time.Minute
	}
	if g.defaultTimeout > g.maxTimeout {
		g.defaultTimeout = g.maxTimeout
	}
	return g, nil
}

// resolveTimeout maps a caller value in milliseconds to the effective
// timeout: zero means the default, anything above the maximum is capped.
func (g *Gateway) resolveTimeout(timeoutMs int) (time.Duration, error) {
	if timeoutMs < 0 {
		return 0, errdefs.Invalid("timeout_ms", "must not be negative")
	}
	if timeoutMs == 0 {
		return g.defaultTimeout, nil
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d > g.maxTimeout {
		d = g.maxTimeout
	}
	return d, nil
}

// Run executes command in the sandbox ref names, on behalf of userID. ref
// may be a session id or a sandbox id.
func (g *Gateway) Run(ctx context.Context, userID, ref, command string, timeoutMs int) (*Result, error) {
	sess, err := g.sessions.Authorize(userID, ref)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, fmt.Errorf("%w: session %s is not active", errdefs.ErrNotFound, sess.ID)
	}

	verdict := g.validator.Validate(command)
	if !verdict.IsValid {
		g.metrics.CommandRejected(verdict.Rule)
		g.logger.Info("command rejected", "session_id", sess.ID, "rule", verdict.Rule, "reason", verdict.Reason)
		return nil, &errdefs.ValidationError{Field: "command", Reason: verdict.Reason, Rule: verdict.Rule}
	}

	timeout, err := g.resolveTimeout(timeoutMs)
	if err != nil {
		return nil, err
	}

	res, err := g.Execute(ctx, sess.SandboxID, verdict.Command, timeout)
	if err != nil {
		return nil, err
	}

	if err := g.sessions.Touch(sess.ID); err != nil {
		g.logger.Warn("touch session", "session_id", sess.ID, "error", err)
	}
	return res, nil
}

// Execute forwards command unchanged. A non-zero exit code is a successful
// call; only transport failures and timeouts are errors.
func (g *Gateway) Execute(ctx context.Context, sandboxID, command string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := g.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		attribute.String("sandbox.id", sandboxID),
	))
	defer span.End()

	start := time.Now()
	out, err := g.exec.ExecuteCommand(ctx, sandboxID, command)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.metrics.CommandExecuted("timeout", elapsed)
			g.logger.Warn("command timed out", "sandbox_id", sandboxID, "timeout", timeout)
			return nil, fmt.Errorf("%w: command exceeded %s", errdefs.ErrTimeout, timeout)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			g.metrics.CommandExecuted("canceled", elapsed)
			return nil, fmt.Errorf("execute: %w", ctxErr)
		}

		g.metrics.CommandExecuted("error", elapsed)
		g.logger.Error("execute command", "sandbox_id", sandboxID, "error", err)
		return nil, fmt.Errorf("%w: sandbox backend unreachable: %w", errdefs.ErrProvisioning, err)
	}

	res := normalize(out)
	span.SetAttributes(attribute.Int("exec.exit_code", res.ExitCode))
	result := "ok"
	if res.ExitCode != 0 {
		result = "nonzero"
	}
	g.metrics.CommandExecuted(result, elapsed)
	return res, nil
}

func normalize(out *provider.ExecOutput) *Result {
	if out == nil {
		return &Result{}
	}
	res := &Result{
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		ExitCode:        out.ExitCode,
		ExecutionTimeMs: out.ExecutionTimeMs,
		Truncated:       out.Truncated,
	}
	if res.ExecutionTimeMs < 0 {
		res.ExecutionTimeMs = 0
	}
	return res
}
