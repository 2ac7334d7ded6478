package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nctiggy/nwha/internal/project"
)

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) devLogin(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.EnsureDevUser(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set(UserHeader, strconv.FormatInt(user.ID, 10))
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": currentUser(r.Context())})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	p, err := s.store.CreateProject(r.Context(), currentUser(r.Context()).ID, req.Name)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": p})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.store.ListMessages(r.Context(), p.ID, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// project loads the caller's project named by the {slug} URL parameter,
// writing the error reply when it cannot.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, err := s.store.FindProject(r.Context(), chi.URLParam(r, "slug"), currentUser(r.Context()).ID)
	if err != nil {
		s.writeErr(w, r, err)
		return nil, false
	}
	return p, true
}
