// Package server exposes projects, sessions and chat over HTTP and streams
// session terminals over WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sourcegraph/conc"

	"github.com/nctiggy/nwha/internal/ai"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/logging"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/session"
	"github.com/nctiggy/nwha/internal/store"
	"github.com/nctiggy/nwha/internal/terminal"
)

// Config holds server settings.
type Config struct {
	Addr              string
	AuthBypass        bool
	CORSOrigin        string
	ReadHeaderTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":3000",
		CORSOrigin:        "http://localhost:5173",
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Store is the persistence the handlers read and write directly.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	EnsureDevUser(ctx context.Context) (*store.User, error)

	CreateProject(ctx context.Context, ownerID int64, name string) (*project.Project, error)
	ListProjects(ctx context.Context, ownerID int64) ([]*project.Project, error)
	FindProject(ctx context.Context, slug string, ownerID int64) (*project.Project, error)
	GetProjectByID(ctx context.Context, id int64) (*project.Project, error)

	ListSessionsByProject(ctx context.Context, projectID int64) ([]*session.Session, error)
	SessionOwner(ctx context.Context, id int64) (int64, error)

	AddMessage(ctx context.Context, projectID int64, role, content, engine string) (*store.Message, error)
	ListMessages(ctx context.Context, projectID int64, limit int) ([]*store.Message, error)

	CreateTask(ctx context.Context, projectID int64, title, phase string) (*store.Task, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	ListTasks(ctx context.Context, projectID int64) ([]*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status string, sessionID *int64) (*store.Task, error)
}

// Sessions is the session lifecycle API. *session.Controller implements it.
type Sessions interface {
	StartSession(ctx context.Context, projectSlug string, callerID int64) (*session.Session, error)
	GetSession(ctx context.Context, id int64) (*session.Session, error)
	PauseSession(ctx context.Context, id int64) (*session.Session, error)
	ResumeSession(ctx context.Context, id int64) (*session.Session, error)
	StopSession(ctx context.Context, id int64) (*session.Session, error)
	Iterate(ctx context.Context, id int64, prompt string) (ai.Outcome, error)
	WriteToSession(ctx context.Context, id int64, data []byte) error
	ResizeSession(ctx context.Context, id int64, cols, rows uint16) error
	OnTerminalOutput(ctx context.Context, id int64, fn terminal.OutputFunc) (func(), error)
}

// Runner drives a session's iterations in the background. *session.Loop
// implements it.
type Runner interface {
	Run(ctx context.Context, id int64, prompt string) (session.LoopResult, error)
}

// Workspaces resolves a project's working directory.
type Workspaces interface {
	Path(p *project.Project) string
}

var _ Sessions = (*session.Controller)(nil)
var _ Runner = (*session.Loop)(nil)

// Server is the HTTP server.
type Server struct {
	config     Config
	router     *chi.Mux
	httpSrv    *http.Server
	store      Store
	sessions   Sessions
	responder  ai.Responder
	runner     Runner
	workspaces Workspaces
	bus        *event.Bus
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loops  conc.WaitGroup

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the server configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.config = cfg }
}

// WithRunner enables background loops on POST /api/sessions/{id}/run.
func WithRunner(r Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithWorkspaces sets the working directory used for project chat.
func WithWorkspaces(w Workspaces) Option {
	return func(s *Server) { s.workspaces = w }
}

// WithBus lets terminal sockets close when their session stops.
func WithBus(bus *event.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server.
func New(st Store, sessions Sessions, responder ai.Responder, opts ...Option) *Server {
	s := &Server{
		config:    DefaultConfig(),
		router:    chi.NewRouter(),
		store:     st,
		sessions:  sessions,
		responder: responder,
		running:   make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithComponent("server")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(requestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	origins := []string{"*"}
	if s.config.CORSOrigin != "" {
		origins = []string{s.config.CORSOrigin}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserHeader, RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.logger.Info("http server listening", "addr", s.config.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels background loops and waits for
// them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancel()
	s.loops.Wait()
	return err
}

// startLoop runs the loop for id in the background. It reports false when a
// loop for id is already running.
func (s *Server) startLoop(id int64, prompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.running[id] = cancel

	s.loops.Go(func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
		}()
		res, err := s.runner.Run(ctx, id, prompt)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session loop failed", "session_id", id, "iterations", res.Iterations, "error", err.Error())
			return
		}
		s.logger.Info("session loop finished", "session_id", id, "iterations", res.Iterations)
	})
	return true
}

func (s *Server) cancelLoop(id int64) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
