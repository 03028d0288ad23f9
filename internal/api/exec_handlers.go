package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/p-arndt/sandflow/internal/agent"
	"github.com/p-arndt/sandflow/internal/errdefs"
	"github.com/p-arndt/sandflow/internal/session"
	"github.com/p-arndt/sandflow/protocol"
)

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms"`
}

// authorize resolves the {id} path value to a session the caller owns and
// writes the error response when it does not.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	if err := ValidateSessionRef(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return nil, false
	}
	sess, err := s.sessions.Authorize(userFromContext(r.Context()), id)
	if err != nil {
		writeAPIError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := ValidateSessionRef(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	var req execRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateExecRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if s.commands == nil {
		writeAPIError(w, errdefs.ErrProviderUnavailable)
		return
	}

	s.logger.Debug("exec", "ref", id, "timeout_ms", req.TimeoutMs)
	result, err := s.commands.Run(r.Context(), userFromContext(r.Context()), id, req.Command, req.TimeoutMs)
	if err != nil {
		s.logger.Info("exec", "ref", id, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type validateCommandRequest struct {
	Command string `json:"command"`
}

// handleValidateCommand is a dry run of the command validator.
func (s *Server) handleValidateCommand(w http.ResponseWriter, r *http.Request) {
	var req validateCommandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(req.Command))
}

type agentRequest struct {
	Message string          `json:"message"`
	History []agent.Message `json:"history,omitempty"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateAgentRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	// Ownership is settled before the stream starts so failures keep their
	// status codes.
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := setupSSE(w); err != nil {
		writeAPIError(w, err)
		return
	}
	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.agent.Run(r.Context(), agent.Request{
		UserID:    userFromContext(r.Context()),
		SandboxID: sess.SandboxID,
		Message:   req.Message,
		History:   req.History,
	})
	streamSSEEvents(w, flusher, events)
}

// setupSSE configures headers for Server-Sent Events streaming.
func setupSSE(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, ok := w.(http.Flusher); !ok {
		return fmt.Errorf("streaming not supported")
	}

	return nil
}

// streamSSEEvents writes agent events until the channel closes. The agent
// closes it when the request context ends.
func streamSSEEvents(w http.ResponseWriter, flusher http.Flusher, events <-chan protocol.Event) {
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}
