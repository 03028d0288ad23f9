package api

import (
	"net/http"
)

type terminalGeometry struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type terminalInputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleAttachTerminal(w http.ResponseWriter, r *http.Request) {
	var req terminalGeometry
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &req); err != nil {
			writeValidationError(w, "invalid json: "+err.Error(), nil)
			return
		}
	}
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}

	info, err := s.terminals.Attach(r.Context(), sess, req.Cols, req.Rows)
	if err != nil {
		s.logger.Info("attach terminal", "session_id", sess.ID, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	info, err := s.terminals.Get(sess.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	var req terminalInputRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateInputRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.terminals.SendInput(sess.ID, []byte(req.Data)); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var req terminalGeometry
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.terminals.Resize(sess.ID, req.Cols, req.Rows); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleKillTerminal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.terminals.Kill(sess.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
