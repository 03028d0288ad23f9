package api

import (
	"net/http"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	s.logger.Debug("get or create session", "user_id", userID)

	sess, err := s.sessions.GetOrCreate(r.Context(), userID)
	if err != nil {
		s.logger.Error("get or create session", "user_id", userID, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetByUser(userFromContext(r.Context()))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.logger.Debug("destroy session", "session_id", sess.ID)
	if err := s.sessions.Destroy(r.Context(), sess.ID); err != nil {
		s.logger.Error("destroy", "session_id", sess.ID, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
