package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/session"
)

// PromptRequest is the body of the iterate, run and chat endpoints.
type PromptRequest struct {
	Prompt  string `json:"prompt"`
	Project string `json:"project,omitempty"`
}

// IterateResponse is the reply to a completed iteration.
type IterateResponse struct {
	Response string           `json:"response"`
	Engine   string           `json:"engine"`
	Session  *session.Session `json:"session,omitempty"`
}

func (s *Server) listProjectSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessionsByProject(r.Context(), p.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.StartSession(r.Context(), chi.URLParam(r, "slug"), currentUser(r.Context()).ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.replySession(w, r, func() (*session.Session, error) { return s.sessions.GetSession(r.Context(), id) })
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.replySession(w, r, func() (*session.Session, error) { return s.sessions.PauseSession(r.Context(), id) })
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.replySession(w, r, func() (*session.Session, error) { return s.sessions.ResumeSession(r.Context(), id) })
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	s.cancelLoop(id)
	s.replySession(w, r, func() (*session.Session, error) { return s.sessions.StopSession(r.Context(), id) })
}

func (s *Server) iterateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req PromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	outcome, err := s.sessions.Iterate(r.Context(), id, req.Prompt)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := IterateResponse{Response: outcome.Text, Engine: outcome.Engine}
	if sess, err := s.sessions.GetSession(r.Context(), id); err == nil {
		resp.Session = sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Loop runner is not configured")
		return
	}
	var req PromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !s.startLoop(id, req.Prompt) {
		s.writeErr(w, r, nwerrors.NewAlreadyExistsError("loop", strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": sess})
}

// sessionID parses the {id} URL parameter and checks that the caller owns
// the session. Sessions of other users are reported as not found.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid session id")
		return 0, false
	}
	owner, err := s.store.SessionOwner(r.Context(), id)
	if err == nil && owner != currentUser(r.Context()).ID {
		err = nwerrors.NewNotFoundError("session", strconv.FormatInt(id, 10)).WithCause(nwerrors.ErrSessionNotFound)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return 0, false
	}
	return id, true
}

func (s *Server) replySession(w http.ResponseWriter, r *http.Request, op func() (*session.Session, error)) {
	sess, err := op()
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}
