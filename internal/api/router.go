package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/p-arndt/sandflow/internal/auth"
	"github.com/p-arndt/sandflow/internal/metrics"
	"github.com/p-arndt/sandflow/internal/provider"
)

// Deps wires the server to the core components. Commands and Agent may be
// nil; their routes then report the missing capability.
type Deps struct {
	Sessions     SessionService
	Commands     CommandService
	Validator    CommandValidator
	Terminals    TerminalService
	Agent        AgentService
	Auth         auth.Authenticator
	Capabilities provider.Capabilities
	Metrics      *metrics.Collector
	// TracerProvider enables otelhttp server spans when set.
	TracerProvider trace.TracerProvider
}

type Server struct {
	sessions  SessionService
	commands  CommandService
	validator CommandValidator
	terminals TerminalService
	agent     AgentService
	auth      auth.Authenticator
	caps      provider.Capabilities
	metrics   *metrics.Collector
	tp        trace.TracerProvider
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		sessions:  deps.Sessions,
		commands:  deps.Commands,
		validator: deps.Validator,
		terminals: deps.Terminals,
		agent:     deps.Agent,
		auth:      deps.Auth,
		caps:      deps.Capabilities,
		metrics:   deps.Metrics,
		tp:        deps.TracerProvider,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.requestIDMiddleware(s.metricsMiddleware(s.authMiddleware(s.mux)))
	if s.tp != nil {
		h = otelhttp.NewHandler(h, "sandflow",
			otelhttp.WithTracerProvider(s.tp),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if _, pattern := s.mux.Handler(r); pattern != "" {
					return pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return h
}

func (s *Server) routes() {
	// Sessions
	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/current", s.handleCurrentSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDestroy)

	// Commands
	s.mux.HandleFunc("POST /v1/sessions/{id}/exec", s.handleExec)
	s.mux.HandleFunc("POST /v1/commands/validate", s.handleValidateCommand)

	// Terminals
	s.mux.HandleFunc("POST /v1/sessions/{id}/terminal", s.handleAttachTerminal)
	s.mux.HandleFunc("GET /v1/sessions/{id}/terminal", s.handleGetTerminal)
	s.mux.HandleFunc("POST /v1/sessions/{id}/terminal/input", s.handleTerminalInput)
	s.mux.HandleFunc("POST /v1/sessions/{id}/terminal/resize", s.handleTerminalResize)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/terminal", s.handleKillTerminal)
	s.mux.HandleFunc("GET /v1/sessions/{id}/terminal/ws", s.handleTerminalWS)

	// Agent
	if s.agent != nil {
		s.mux.HandleFunc("POST /v1/sessions/{id}/agent", s.handleAgent)
	}

	// Health check and metrics (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"capabilities": s.caps,
		})
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
