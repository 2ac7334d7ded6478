package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nctiggy/nwha/internal/ai"
	"github.com/nctiggy/nwha/internal/config"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/terminal"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu       sync.Mutex
	projects []*project.Project
	sessions map[int64]*Session
	nextID   int64
	updates  int

	// afterCreate runs once a record is inserted, outside the repo lock.
	afterCreate func(s *Session)
	// updateErr, when set, can fail a status update before it is applied.
	updateErr func(u StatusUpdate) error
}

func newMemRepo() *memRepo {
	return &memRepo{
		projects: []*project.Project{{ID: 1, OwnerID: 10, Name: "Demo", Slug: "demo"}},
		sessions: make(map[int64]*Session),
	}
}

func (r *memRepo) FindProject(_ context.Context, slug string, ownerID int64) (*project.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.Slug == slug && p.OwnerID == ownerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nwerrors.NewNotFoundError("project", slug).WithCause(nwerrors.ErrProjectNotFound)
}

func (r *memRepo) CreateSession(_ context.Context, s *Session) error {
	r.mu.Lock()
	r.nextID++
	s.ID = r.nextID
	s.CreatedAt = time.Now()
	r.sessions[s.ID] = s.clone()
	hook := r.afterCreate
	r.mu.Unlock()

	if hook != nil {
		hook(s.clone())
	}
	return nil
}

func (r *memRepo) GetSession(_ context.Context, id int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nwerrors.NewNotFoundError("session", strconv.FormatInt(id, 10)).WithCause(nwerrors.ErrSessionNotFound)
	}
	return s.clone(), nil
}

func (r *memRepo) UpdateSessionStatus(_ context.Context, id int64, u StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		if err := r.updateErr(u); err != nil {
			return err
		}
	}
	s, ok := r.sessions[id]
	if !ok {
		return nwerrors.NewNotFoundError("session", strconv.FormatInt(id, 10)).WithCause(nwerrors.ErrSessionNotFound)
	}
	s.Status = u.Status
	s.PID = nil
	if u.PID != nil {
		pid := *u.PID
		s.PID = &pid
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		s.StartedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		s.EndedAt = &t
	}
	r.updates++
	return nil
}

func (r *memRepo) IncrementIteration(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, nwerrors.ErrSessionNotFound
	}
	s.Iterations++
	return s.Iterations, nil
}

func (r *memRepo) ListSessionsByStatus(_ context.Context, statuses ...Status) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if slices.Contains(statuses, s.Status) {
			out = append(out, s.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return int(a.ID - b.ID) })
	return out, nil
}

// put stores s directly, bypassing the controller.
func (r *memRepo) put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID > r.nextID {
		r.nextID = s.ID
	}
	r.sessions[s.ID] = s.clone()
}

func (r *memRepo) session(t *testing.T, id int64) *Session {
	t.Helper()
	s, err := r.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%d) error = %v", id, err)
	}
	return s
}

// fakeTerminals is an in-memory Terminals.
type fakeTerminals struct {
	mu        sync.Mutex
	handles   map[string]*terminal.Handle
	lastOpts  terminal.Options
	writes    map[string][]string
	sizes     map[string][2]uint16
	subs      map[string][]terminal.OutputFunc
	destroyed []string
	created   int
	nextPID   int
	createErr error
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{
		handles: make(map[string]*terminal.Handle),
		writes:  make(map[string][]string),
		sizes:   make(map[string][2]uint16),
		subs:    make(map[string][]terminal.OutputFunc),
		nextPID: 5000,
	}
}

func (f *fakeTerminals) Create(key string, opts terminal.Options) (*terminal.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if h, ok := f.handles[key]; ok {
		return h, nil
	}
	f.nextPID++
	f.created++
	f.lastOpts = opts
	h := &terminal.Handle{SessionKey: key, PID: f.nextPID, CreatedAt: time.Now()}
	f.handles[key] = h
	return h, nil
}

func (f *fakeTerminals) Get(key string) (*terminal.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[key]
	return h, ok
}

func (f *fakeTerminals) Write(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[key]; ok {
		f.writes[key] = append(f.writes[key], string(data))
	}
	return nil
}

func (f *fakeTerminals) Resize(key string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[key]; ok {
		f.sizes[key] = [2]uint16{cols, rows}
	}
	return nil
}

func (f *fakeTerminals) Subscribe(key string, fn terminal.OutputFunc) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[key]; !ok {
		return func() {}, false
	}
	f.subs[key] = append(f.subs[key], fn)
	return func() {}, true
}

func (f *fakeTerminals) Destroy(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[key]; !ok {
		return
	}
	delete(f.handles, key)
	f.destroyed = append(f.destroyed, key)
}

// vanish removes a handle as if its process had exited on its own.
func (f *fakeTerminals) vanish(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, key)
}

func (f *fakeTerminals) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeTerminals) writesFor(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes[key]...)
}

func (f *fakeTerminals) destroyCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.destroyed {
		if k == key {
			n++
		}
	}
	return n
}

// fakeResponder answers with fn, or echoes the prompt when fn is nil.
type fakeResponder struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req ai.Request) (ai.Outcome, error)
}

func (r *fakeResponder) Respond(ctx context.Context, req ai.Request) (ai.Outcome, error) {
	r.mu.Lock()
	r.calls++
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return ai.Outcome{Text: "ok: " + req.Prompt, Engine: "claude"}, nil
}

func (r *fakeResponder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func failingResponder(err error) *fakeResponder {
	return &fakeResponder{fn: func(context.Context, ai.Request) (ai.Outcome, error) {
		return ai.Outcome{}, err
	}}
}

// fakeWorkspaces maps projects to /work/{slug}.
type fakeWorkspaces struct {
	err error
}

func (w fakeWorkspaces) Ensure(p *project.Project) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return "/work/" + p.Slug, nil
}

// eventLog records every event published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func newEventLog(bus *event.Bus) *eventLog {
	l := &eventLog{}
	bus.SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventType())
	}
	return out
}

func (l *eventLog) stopCauses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if st, ok := e.(event.SessionStoppedEvent); ok {
			out = append(out, st.Cause)
		}
	}
	return out
}

type fixture struct {
	repo      *memRepo
	terms     *fakeTerminals
	responder *fakeResponder
	cfg       *config.Config
	bus       *event.Bus
	events    *eventLog
	ctrl      *Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMemRepo(),
		terms:     newFakeTerminals(),
		responder: &fakeResponder{},
		cfg:       config.Default(),
		bus:       event.NewBus(nil),
	}
	f.cfg.Session.MaxIterationsDefault = 5
	f.cfg.Terminal.Shell = "/bin/sh"
	f.events = newEventLog(f.bus)

	base := []Option{
		WithConfig(staticConfig{cfg: f.cfg}),
		WithBus(f.bus),
		WithWorkspaces(fakeWorkspaces{}),
	}
	ctrl, err := NewController(f.repo, f.terms, f.responder, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	f.ctrl = ctrl
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s, err := f.ctrl.StartSession(context.Background(), "demo", 10)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")

func primaryFailed() error {
	return nwerrors.NewPrimaryFailedError("claude", fmt.Errorf("exit status 1: %w", errBoom))
}
