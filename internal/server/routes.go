package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	if s.config.AuthBypass {
		r.Post("/auth/dev-login", s.devLogin)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/me", s.me)
		r.Post("/chat", s.chat)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.listProjects)
			r.Post("/", s.createProject)

			r.Route("/{slug}", func(r chi.Router) {
				r.Get("/", s.getProject)
				r.Get("/sessions", s.listProjectSessions)
				r.Post("/sessions", s.startSession)
				r.Get("/messages", s.listMessages)
				r.Get("/tasks", s.listTasks)
				r.Post("/tasks", s.createTask)
			})
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/pause", s.pauseSession)
			r.Post("/resume", s.resumeSession)
			r.Post("/stop", s.stopSession)
			r.Post("/iterate", s.iterateSession)
			r.Post("/run", s.runSession)
		})

		r.Patch("/tasks/{id}", s.updateTask)
	})

	r.With(s.authenticate).Get("/ws/sessions/{id}/terminal", s.terminalSocket)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
