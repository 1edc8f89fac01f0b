package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"envconsole/internal/hub"
	"envconsole/internal/protocol"
	"envconsole/internal/session"
)

type createSessionRequest struct {
	Kind        string `json:"kind"`
	OperationID string `json:"operationId"`
	Label       string `json:"label"`
}

// createSession starts a session and fans it out to every client.
func (s *Server) createSession(p protocol.SessionCreatePayload) (session.Session, error) {
	sess, err := s.sessions.Create(hub.Kind(p.Kind), p.OperationID, p.Label)
	if err != nil {
		return session.Session{}, err
	}
	s.announce(sess)
	return sess, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxSessions
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	default:
		return protocol.ErrAttachFailed
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := protocol.SessionCreatePayload{Kind: req.Kind, OperationID: req.OperationID, Label: req.Label}
	if err := protocol.ValidateCreate(p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.createSession(p)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, session.ErrMaxSessions):
			status = http.StatusServiceUnavailable
		case errors.Is(err, hub.ErrMissingOperation):
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Close(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
