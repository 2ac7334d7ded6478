package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sourcegraph/conc"

	"github.com/nctiggy/nwha/internal/ai"
	"github.com/nctiggy/nwha/internal/config"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/keylock"
	"github.com/nctiggy/nwha/internal/logging"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/terminal"
)

const (
	defaultReapInterval = 30 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// ConfigSource returns the configuration new sessions are created with.
// config.Live satisfies it and follows config file reloads.
type ConfigSource interface {
	Current() *config.Config
}

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Current() *config.Config { return s.cfg }

// Terminals is the part of the process registry the controller uses.
// *terminal.Registry satisfies it.
type Terminals interface {
	Create(key string, opts terminal.Options) (*terminal.Handle, error)
	Get(key string) (*terminal.Handle, bool)
	Write(key string, data []byte) error
	Resize(key string, cols, rows uint16) error
	Subscribe(key string, fn terminal.OutputFunc) (unsubscribe func(), ok bool)
	Destroy(key string)
}

// Workspaces resolves and creates project working directories.
// *project.Workspace satisfies it.
type Workspaces interface {
	Ensure(p *project.Project) (string, error)
}

// Controller owns the session state machine. Every mutation of one session
// runs under that session's lock; different sessions never block each other.
// The AI call made by Iterate runs with no lock held.
type Controller struct {
	repo       Repository
	terms      Terminals
	responder  ai.Responder
	cfg        ConfigSource
	limiter    Limiter
	workspaces Workspaces
	bus        *event.Bus
	logger     *logging.Logger
	exits      message.Subscriber
	reapEvery  time.Duration
	stopWithin time.Duration
	now        func() time.Time

	locks keylock.Map

	mu       sync.Mutex
	dirs     map[int64]string
	pausedAt map[int64]time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig sets where max_iterations, engine and terminal settings are read
// from when a session starts. The default is config.Default().
func WithConfig(src ConfigSource) Option {
	return func(c *Controller) {
		if src != nil {
			c.cfg = src
		}
	}
}

// WithLimiter replaces the IterationLimiter.
func WithLimiter(l Limiter) Option {
	return func(c *Controller) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithWorkspaces sets the resolver for project working directories.
// Without one, processes start in the server's working directory.
func WithWorkspaces(w Workspaces) Option {
	return func(c *Controller) { c.workspaces = w }
}

// WithBus publishes lifecycle events on bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithLogger sets the controller logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logging.OrNop(l).WithComponent("session")
	}
}

// WithExitSubscriber reconciles sessions whose process exits, using the
// notices the registry publishes on sub.
func WithExitSubscriber(sub message.Subscriber) Option {
	return func(c *Controller) { c.exits = sub }
}

// WithReapInterval sets how often paused sessions are checked for expiry.
func WithReapInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reapEvery = d
		}
	}
}

// NewController creates a Controller and starts its background work: exit
// reconciliation (when an exit subscriber is set) and paused-session expiry.
// Call Close to stop it.
func NewController(repo Repository, terms Terminals, responder ai.Responder, opts ...Option) (*Controller, error) {
	c := &Controller{
		repo:       repo,
		terms:      terms,
		responder:  responder,
		cfg:        staticConfig{cfg: config.Default()},
		limiter:    IterationLimiter{},
		logger:     logging.NopLogger(),
		reapEvery:  defaultReapInterval,
		stopWithin: shutdownTimeout,
		now:        time.Now,
		dirs:       make(map[int64]string),
		pausedAt:   make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.exits != nil {
		notices, err := terminal.SubscribeExits(c.ctx, c.exits, c.logger)
		if err != nil {
			c.cancel()
			return nil, fmt.Errorf("failed to subscribe to exit notices: %w", err)
		}
		c.wg.Go(func() {
			for n := range notices {
				c.handleExit(n)
			}
		})
	}
	c.wg.Go(c.reapPaused)

	return c, nil
}

// -----------------------------------------------------------------------------
// Lifecycle operations
// -----------------------------------------------------------------------------

// StartSession creates a session for the caller's project, starts its
// interactive process in the project workspace and marks it running.
func (c *Controller) StartSession(ctx context.Context, projectSlug string, callerID int64) (*Session, error) {
	p, err := c.repo.FindProject(ctx, projectSlug, callerID)
	if err != nil {
		return nil, err
	}

	cfg := c.cfg.Current()
	dir := ""
	if c.workspaces != nil {
		if dir, err = c.workspaces.Ensure(p); err != nil {
			return nil, nwerrors.Wrap(err, "failed to prepare project workspace")
		}
	}

	maxIterations := cfg.Session.MaxIterationsDefault
	if maxIterations <= 0 {
		maxIterations = config.Default().Session.MaxIterationsDefault
	}
	s := &Session{
		ProjectID:     p.ID,
		Engine:        cfg.AI.Primary,
		Status:        StatusPending,
		MaxIterations: maxIterations,
	}
	if err := c.repo.CreateSession(ctx, s); err != nil {
		return nil, nwerrors.Wrap(err, "failed to create session")
	}

	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(s.Key())
	defer unlock()

	log := c.logger.WithSession(s.StringID())

	// A stop may have landed between the insert and taking the lock.
	current, err := c.get(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		log.Info("session left pending before its process started", "status", string(current.Status))
		return nil, transitionError(current, StatusRunning)
	}

	h, err := c.terms.Create(s.Key(), terminal.Options{
		Dir:   dir,
		Cols:  uint16(cfg.Terminal.Cols),
		Rows:  uint16(cfg.Terminal.Rows),
		Shell: cfg.Terminal.ResolveShell(),
	})
	if err != nil {
		log.Error("failed to start session process", "error", err.Error())
		if ev, stopErr := c.stopLocked(ctx, s, CauseSpawnFailed); stopErr != nil {
			log.Error("failed to record spawn failure", "error", stopErr.Error())
		} else {
			out = append(out, ev)
		}
		return nil, err
	}

	now := c.now()
	pid := h.PID
	if err := c.repo.UpdateSessionStatus(ctx, s.ID, StatusUpdate{Status: StatusRunning, PID: &pid, StartedAt: &now}); err != nil {
		log.Error("failed to mark session running", "error", err.Error())
		if ev, stopErr := c.stopLocked(ctx, s, CauseSpawnFailed); stopErr != nil {
			c.terms.Destroy(s.Key())
			log.Error("failed to record start failure", "error", stopErr.Error())
		} else if ev != nil {
			out = append(out, ev)
		}
		return nil, nwerrors.Wrap(err, "failed to mark session running")
	}
	s.Status = StatusRunning
	s.PID = &pid
	s.StartedAt = &now

	c.mu.Lock()
	c.dirs[s.ID] = dir
	c.mu.Unlock()

	out = append(out, event.NewSessionStartedEvent(s.StringID(), p.Slug, s.Engine, pid, s.MaxIterations))
	log.Info("session started",
		"project", p.Slug,
		"pid", pid,
		"engine", s.Engine,
		"max_iterations", s.MaxIterations)

	return s, nil
}

// GetSession returns the current record for id.
func (c *Controller) GetSession(ctx context.Context, id int64) (*Session, error) {
	return c.get(ctx, id)
}

// PauseSession moves a running session to paused. The process is kept.
// Pausing a paused session succeeds without change.
func (c *Controller) PauseSession(ctx context.Context, id int64) (*Session, error) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	s, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusPaused {
		return s, nil
	}
	if !CanTransition(s.Status, StatusPaused) {
		return nil, transitionError(s, StatusPaused)
	}

	if err := c.repo.UpdateSessionStatus(ctx, id, StatusUpdate{Status: StatusPaused, PID: s.PID}); err != nil {
		return nil, nwerrors.Wrap(err, "failed to pause session")
	}
	s.Status = StatusPaused

	c.mu.Lock()
	c.pausedAt[id] = c.now()
	c.mu.Unlock()

	out = append(out, event.NewSessionPausedEvent(s.StringID()))
	c.logger.WithSession(s.StringID()).Info("session paused", "iterations", s.Iterations)
	return s, nil
}

// ResumeSession moves a paused session back to running. Resuming a running
// session succeeds without change.
func (c *Controller) ResumeSession(ctx context.Context, id int64) (*Session, error) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	s, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusRunning {
		return s, nil
	}
	if s.Status != StatusPaused {
		return nil, transitionError(s, StatusRunning)
	}

	if err := c.repo.UpdateSessionStatus(ctx, id, StatusUpdate{Status: StatusRunning, PID: s.PID}); err != nil {
		return nil, nwerrors.Wrap(err, "failed to resume session")
	}
	s.Status = StatusRunning

	c.mu.Lock()
	delete(c.pausedAt, id)
	c.mu.Unlock()

	out = append(out, event.NewSessionResumedEvent(s.StringID()))
	c.logger.WithSession(s.StringID()).Info("session resumed", "iterations", s.Iterations)
	return s, nil
}

// StopSession releases the session's process and marks it stopped.
// Stopping a stopped session succeeds without change.
func (c *Controller) StopSession(ctx context.Context, id int64) (*Session, error) {
	return c.stopWithCause(ctx, id, CauseUser)
}

func (c *Controller) stopWithCause(ctx context.Context, id int64, cause StopCause) (*Session, error) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	s, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	ev, err := c.stopLocked(ctx, s, cause)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		out = append(out, ev)
	}
	return s, nil
}

// stopLocked destroys the process and persists stopped. It returns a nil
// event when s was already stopped. The caller holds the session lock.
func (c *Controller) stopLocked(ctx context.Context, s *Session, cause StopCause) (event.Event, error) {
	if s.Status == StatusStopped {
		return nil, nil
	}
	if !CanTransition(s.Status, StatusStopped) {
		return nil, transitionError(s, StatusStopped)
	}

	c.terms.Destroy(s.Key())

	now := c.now()
	if err := c.repo.UpdateSessionStatus(ctx, s.ID, StatusUpdate{Status: StatusStopped, PID: nil, EndedAt: &now}); err != nil {
		return nil, nwerrors.Wrap(err, "failed to mark session stopped")
	}
	s.Status = StatusStopped
	s.PID = nil
	s.EndedAt = &now

	c.mu.Lock()
	delete(c.dirs, s.ID)
	delete(c.pausedAt, s.ID)
	c.mu.Unlock()

	c.logger.WithSession(s.StringID()).Info("session stopped",
		"cause", string(cause),
		"iterations", s.Iterations,
		"max_iterations", s.MaxIterations)
	return event.NewSessionStoppedEvent(s.StringID(), string(cause), s.Iterations), nil
}

// -----------------------------------------------------------------------------
// Iterations
// -----------------------------------------------------------------------------

// Iterate runs one iteration: the limiter is consulted, the responder is
// asked for a response with no lock held, and on success the iteration is
// counted and the response written to the session's process. A session
// that has used its whole budget is stopped. Responder failures leave the
// session untouched.
func (c *Controller) Iterate(ctx context.Context, id int64, prompt string) (ai.Outcome, error) {
	if strings.TrimSpace(prompt) == "" {
		return ai.Outcome{}, nwerrors.NewValidationError("prompt is required").
			WithField("prompt").
			WithCause(nwerrors.ErrEmptyPrompt)
	}

	s, err := c.gate(ctx, id)
	if err != nil {
		return ai.Outcome{}, err
	}

	log := c.logger.WithSession(s.StringID())
	outcome, err := c.responder.Respond(ctx, ai.Request{Prompt: prompt, Dir: c.workdir(id)})
	if err != nil {
		log.Warn("iteration failed", "iteration", s.Iterations+1, "error", err.Error())
		c.publish(event.NewIterationFailedEvent(s.StringID(), err))
		return ai.Outcome{}, err
	}

	return c.apply(ctx, id, outcome)
}

func (c *Controller) gate(ctx context.Context, id int64) (*Session, error) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	s, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.limiter.Allow(s) {
		return s, nil
	}
	return nil, c.refuseLocked(ctx, s, &out)
}

func (c *Controller) apply(ctx context.Context, id int64, outcome ai.Outcome) (ai.Outcome, error) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	s, err := c.get(ctx, id)
	if err != nil {
		return ai.Outcome{}, err
	}
	// The session may have been paused or stopped while the responder ran.
	if !c.limiter.Allow(s) {
		return ai.Outcome{}, c.refuseLocked(ctx, s, &out)
	}

	n, err := c.repo.IncrementIteration(ctx, id)
	if err != nil {
		return ai.Outcome{}, nwerrors.Wrap(err, "failed to record iteration")
	}
	s.Iterations = n

	log := c.logger.WithSession(s.StringID())
	if err := c.terms.Write(s.Key(), []byte(outcome.Text+"\n")); err != nil {
		log.Warn("failed to write response to session process", "error", err.Error())
	}

	out = append(out, event.NewIterationCompletedEvent(s.StringID(), n, outcome.Engine, outcome.Text))
	log.Info("iteration completed",
		"iteration", n,
		"max_iterations", s.MaxIterations,
		"engine", outcome.Engine)

	if Exhausted(s) {
		ev, err := c.stopLocked(ctx, s, CauseMaxIterations)
		if err != nil {
			log.Error("failed to stop session at iteration limit", "error", err.Error())
		} else if ev != nil {
			out = append(out, ev)
		}
	}
	return outcome, nil
}

// refuseLocked explains why the limiter refused s, stopping the session
// first when its budget is exhausted.
func (c *Controller) refuseLocked(ctx context.Context, s *Session, out *[]event.Event) error {
	switch {
	case s.Status == StatusStopped:
		return nwerrors.NewSessionError("iteration refused", nwerrors.ErrSessionStopped).
			WithSessionID(s.StringID()).WithStatus(string(s.Status))
	case s.Status == StatusPaused:
		return nwerrors.NewSessionError("iteration refused", nwerrors.ErrSessionPaused).
			WithSessionID(s.StringID()).WithStatus(string(s.Status)).WithSeverity(nwerrors.SeverityWarning)
	case s.Status == StatusPending:
		return nwerrors.NewSessionError("session has not started", nwerrors.ErrInvalidTransition).
			WithSessionID(s.StringID()).WithStatus(string(s.Status))
	case Exhausted(s):
		ev, err := c.stopLocked(ctx, s, CauseMaxIterations)
		if err != nil {
			return err
		}
		if ev != nil {
			*out = append(*out, ev)
		}
		return nwerrors.NewSessionError("iteration budget exhausted",
			errors.Join(nwerrors.ErrIterationLimit, nwerrors.ErrSessionStopped)).
			WithSessionID(s.StringID())
	default:
		return nwerrors.NewSessionError("iteration refused", nwerrors.ErrIterationLimit).
			WithSessionID(s.StringID()).WithStatus(string(s.Status))
	}
}

// -----------------------------------------------------------------------------
// Terminal access
// -----------------------------------------------------------------------------

// WriteToSession sends input to the session's process. Input for a session
// without a live process is dropped.
func (c *Controller) WriteToSession(ctx context.Context, id int64, data []byte) error {
	s, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.HasProcess() {
		return nil
	}
	return c.terms.Write(s.Key(), data)
}

// ResizeSession changes the geometry of the session's terminal. It is a
// no-op for a session without a live process.
func (c *Controller) ResizeSession(ctx context.Context, id int64, cols, rows uint16) error {
	s, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.HasProcess() {
		return nil
	}
	return c.terms.Resize(s.Key(), cols, rows)
}

// OnTerminalOutput registers fn for the raw output of the session's process.
// The returned function removes the registration.
func (c *Controller) OnTerminalOutput(ctx context.Context, id int64, fn terminal.OutputFunc) (func(), error) {
	s, err := c.live(ctx, id)
	if err != nil {
		return nil, err
	}
	unsubscribe, ok := c.terms.Subscribe(s.Key(), fn)
	if !ok {
		return nil, nwerrors.NewSessionError("session process has exited", nwerrors.ErrSessionStopped).
			WithSessionID(s.StringID())
	}
	return unsubscribe, nil
}

func (c *Controller) live(ctx context.Context, id int64) (*Session, error) {
	s, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Status.HasProcess() {
		return nil, nwerrors.NewSessionError("session has no process", nwerrors.ErrSessionStopped).
			WithSessionID(s.StringID()).WithStatus(string(s.Status))
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Reconciliation
// -----------------------------------------------------------------------------

// handleExit stops a running or paused session whose process has exited.
func (c *Controller) handleExit(n terminal.ExitNotice) {
	id, ok := ParseKey(n.SessionKey)
	if !ok {
		c.logger.Debug("ignoring exit notice for unknown key", "session_key", n.SessionKey)
		return
	}

	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(n.SessionKey)
	defer unlock()

	ctx := context.Background()
	s, err := c.get(ctx, id)
	if err != nil {
		c.logger.Warn("exit notice for missing session", "session_key", n.SessionKey, "error", err.Error())
		return
	}
	if !s.Status.HasProcess() {
		return
	}
	if s.PID != nil && *s.PID != n.PID {
		return
	}

	c.logger.WithSession(s.StringID()).Info("session process exited",
		"pid", n.PID,
		"exit_code", n.ExitCode,
		"reason", n.Reason)
	ev, err := c.stopLocked(ctx, s, CauseProcessExited)
	if err != nil {
		c.logger.WithSession(s.StringID()).Error("failed to reconcile exited session", "error", err.Error())
		return
	}
	if ev != nil {
		out = append(out, ev)
	}
}

func (c *Controller) reapPaused() {
	ticker := time.NewTicker(c.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.expirePaused()
		}
	}
}

// expirePaused stops sessions paused for longer than the configured timeout.
func (c *Controller) expirePaused() {
	timeout := c.cfg.Current().Session.PausedTimeout()
	if timeout <= 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	var due []int64
	for id, at := range c.pausedAt {
		if now.Sub(at) >= timeout {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		c.expire(id)
	}
}

func (c *Controller) expire(id int64) {
	var out []event.Event
	defer func() { c.publish(out...) }()
	unlock := c.locks.Lock(Key(id))
	defer unlock()

	ctx := context.Background()
	s, err := c.get(ctx, id)
	if err != nil || s.Status != StatusPaused {
		return
	}
	ev, err := c.stopLocked(ctx, s, CausePausedTimeout)
	if err != nil {
		c.logger.WithSession(s.StringID()).Error("failed to expire paused session", "error", err.Error())
		return
	}
	if ev != nil {
		out = append(out, ev)
	}
}

// RecoverOrphans stops sessions that the store lists as live but that have
// no process in the registry, such as sessions left behind by a previous
// server run. It returns how many sessions were stopped.
func (c *Controller) RecoverOrphans(ctx context.Context) (int, error) {
	sessions, err := c.repo.ListSessionsByStatus(ctx, StatusPending, StatusRunning, StatusPaused)
	if err != nil {
		return 0, nwerrors.Wrap(err, "failed to list live sessions")
	}

	recovered := 0
	for _, s := range sessions {
		if _, ok := c.terms.Get(s.Key()); ok {
			continue
		}
		if _, err := c.stopWithCause(ctx, s.ID, CauseShutdown); err != nil {
			c.logger.WithSession(s.StringID()).Warn("failed to stop orphaned session", "error", err.Error())
			continue
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("stopped orphaned sessions", "count", recovered)
	}
	return recovered, nil
}

// Close stops background work and then every live session. It is safe to
// call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if rec := c.wg.WaitAndRecover(); rec != nil {
			c.logger.Error("session background task panicked", "panic", rec.String())
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.stopWithin)
		defer cancel()

		sessions, err := c.repo.ListSessionsByStatus(ctx, StatusPending, StatusRunning, StatusPaused)
		if err != nil {
			c.closeErr = nwerrors.Wrap(err, "failed to list live sessions")
			return
		}

		var (
			wg   conc.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, s := range sessions {
			id := s.ID
			wg.Go(func() {
				if _, err := c.stopWithCause(ctx, id, CauseShutdown); err != nil {
					mu.Lock()
					errs = append(errs, nwerrors.Wrapf(err, "failed to stop session %d", id))
					mu.Unlock()
				}
			})
		}
		if rec := wg.WaitAndRecover(); rec != nil {
			errs = append(errs, rec.AsError())
		}
		if err := ctx.Err(); err != nil {
			c.logger.Warn("stopping live sessions overran the shutdown window", "timeout", c.stopWithin.String())
			errs = append(errs, nwerrors.NewTimeoutError("stop live sessions", c.stopWithin).WithCause(err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (c *Controller) get(ctx context.Context, id int64) (*Session, error) {
	s, err := c.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, nwerrors.ErrSessionNotFound) {
			return nil, notFound(id, err)
		}
		return nil, err
	}
	return s, nil
}

func (c *Controller) workdir(id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirs[id]
}

func (c *Controller) publish(events ...event.Event) {
	if c.bus == nil {
		return
	}
	for _, ev := range events {
		if ev != nil {
			c.bus.Publish(ev)
		}
	}
}
