package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// CreateTaskRequest is the body of POST /api/projects/{slug}/tasks.
type CreateTaskRequest struct {
	Title string `json:"title"`
	Phase string `json:"phase"`
}

// UpdateTaskRequest is the body of PATCH /api/tasks/{id}.
type UpdateTaskRequest struct {
	Status    string `json:"status"`
	SessionID *int64 `json:"session_id,omitempty"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), p.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	task, err := s.store.CreateTask(r.Context(), p.ID, req.Title, req.Phase)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid task id")
		return
	}
	var req UpdateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	caller := currentUser(r.Context()).ID
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	p, err := s.store.GetProjectByID(r.Context(), task.ProjectID)
	if err != nil || p.OwnerID != caller {
		s.writeErr(w, r, nwerrors.NewNotFoundError("task", strconv.FormatInt(id, 10)))
		return
	}
	if req.SessionID != nil {
		owner, err := s.store.SessionOwner(r.Context(), *req.SessionID)
		if err == nil && owner != caller {
			err = nwerrors.NewNotFoundError("session", strconv.FormatInt(*req.SessionID, 10)).WithCause(nwerrors.ErrSessionNotFound)
		}
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
	}

	task, err = s.store.UpdateTaskStatus(r.Context(), id, req.Status, req.SessionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}
