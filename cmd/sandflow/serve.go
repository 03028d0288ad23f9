package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/agent"
	"github.com/p-arndt/sandflow/internal/agent/gemini"
	"github.com/p-arndt/sandflow/internal/api"
	"github.com/p-arndt/sandflow/internal/auth"
	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/gateway"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/provider"
	"github.com/p-arndt/sandflow/internal/reaper"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/internal/store"
	"github.com/p-arndt/sandflow/internal/terminal"
	"github.com/p-arndt/sandflow/internal/tracing"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandflow daemon (foreground)",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen address (e.g. 127.0.0.1:8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, err := openProvider(cfg.Provider)
	if err != nil {
		return err
	}
	if prov == nil {
		return fmt.Errorf("%w: provider kind %q cannot host sandboxes", errdefs.ErrProviderUnavailable, cfg.Provider.Kind)
	}
	defer prov.Close()

	if err := prov.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s backend not reachable: %v", errdefs.ErrProviderUnavailable, prov.Name(), err)
	}
	logger.Info("provider connection OK", "provider", prov.Name())

	authn, err := auth.NewTokenAuthenticator(cfg.Auth.Tokens)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("no auth tokens configured; every /v1 request will be rejected")
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var mc *metrics.Collector
	if cfg.Metrics.Enabled {
		mc = metrics.New()
	}

	ts, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()
	tracer := ts.Tracer()

	v, err := loadValidator(cfg.Validator)
	if err != nil {
		return err
	}
	if cfg.Validator.PolicyPath != "" && cfg.Validator.Watch {
		if err := v.Watch(ctx, cfg.Validator.PolicyPath, logger); err != nil {
			logger.Warn("validator: policy watch disabled", "error", err)
		}
	}

	mgr := session.NewManager(cfg, st, prov, logger, mc, tracer)

	terms := terminal.NewManager(cfg.Terminal, prov, logger, mc)
	mgr.AddDestroyListener(terms)
	defer terms.CloseAll()

	gw, err := gateway.New(prov, mgr, v, cfg, logger, mc, tracer)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	deps := api.Deps{
		Sessions:     mgr,
		Commands:     gw,
		Validator:    v,
		Terminals:    terms,
		Auth:         authn,
		Capabilities: provider.Capabilities{Provider: prov.Name()},
		Metrics:      mc,
	}
	if ts != nil {
		deps.TracerProvider = ts.TracerProvider()
	}

	loop, err := newAgent(ctx, cfg, gw, logger, mc, tracer)
	if err != nil {
		return err
	}
	if loop != nil {
		deps.Agent = loop
		deps.Capabilities.Agent = true
	}

	rpr := reaper.New(st, prov, time.Duration(cfg.ReaperIntervalSeconds)*time.Second, logger)
	rpr.SetSessionManager(mgr)
	go rpr.Run(ctx)

	srv := api.NewServer(deps, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: agent streams and terminal sockets are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "provider", prov.Name(), "agent", deps.Capabilities.Agent)
		fmt.Fprintf(os.Stderr, "\n  sandflow ready at http://%s\n\n", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// newAgent returns nil, nil when no model key is configured; the agent
// route is then not mounted.
func newAgent(ctx context.Context, cfg *config.Config, runner agent.CommandRunner, logger *slog.Logger, mc *metrics.Collector, tracer trace.Tracer) (*agent.Loop, error) {
	if cfg.Agent.GeminiAPIKey == "" {
		logger.Info("agent disabled: no model API key configured")
		return nil, nil
	}
	decider, err := gemini.New(ctx, cfg.Agent.GeminiAPIKey, cfg.Agent.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("agent model: %w", err)
	}
	return agent.New(runner, decider, agent.Options{
		MaxSteps: cfg.Agent.MaxSteps,
		Logger:   logger,
		Metrics:  mc,
		Tracer:   tracer,
	})
}
