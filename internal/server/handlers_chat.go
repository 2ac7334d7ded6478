package server

import (
	"net/http"
	"strings"

	"github.com/nctiggy/nwha/internal/ai"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/store"
)

// chat answers a one-off prompt through the fallback coordinator. When a
// project is named the exchange is recorded in its conversation and the
// command runs in the project workspace.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeErr(w, r, nwerrors.NewValidationError("prompt is required").WithField("prompt").WithCause(nwerrors.ErrEmptyPrompt))
		return
	}

	var p *project.Project
	if req.Project != "" {
		var err error
		p, err = s.store.FindProject(r.Context(), req.Project, currentUser(r.Context()).ID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if _, err := s.store.AddMessage(r.Context(), p.ID, store.RoleUser, req.Prompt, ""); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}

	aiReq := ai.Request{Prompt: req.Prompt}
	if p != nil && s.workspaces != nil {
		aiReq.Dir = s.workspaces.Path(p)
	}
	outcome, err := s.responder.Respond(r.Context(), aiReq)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if p != nil {
		if _, err := s.store.AddMessage(r.Context(), p.ID, store.RoleAssistant, outcome.Text, outcome.Engine); err != nil {
			s.logger.Warn("failed to record assistant message", "project", p.Slug, "error", err.Error())
		}
	}
	writeJSON(w, http.StatusOK, outcome)
}
