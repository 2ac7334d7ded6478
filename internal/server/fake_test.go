package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nctiggy/nwha/internal/ai"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/project"
	"github.com/nctiggy/nwha/internal/session"
	"github.com/nctiggy/nwha/internal/store"
	"github.com/nctiggy/nwha/internal/terminal"
)

// fakeSessions implements Sessions on top of a real store without
// spawning processes.
type fakeSessions struct {
	st *store.Store

	mu         sync.Mutex
	iterate    func(id int64, prompt string) (ai.Outcome, error)
	outputs    map[int64]terminal.OutputFunc
	writes     map[int64][]string
	resizes    [][2]uint16
	subscribed chan int64
}

func newFakeSessions(st *store.Store) *fakeSessions {
	return &fakeSessions{
		st:         st,
		outputs:    make(map[int64]terminal.OutputFunc),
		writes:     make(map[int64][]string),
		subscribed: make(chan int64, 8),
	}
}

func (f *fakeSessions) StartSession(ctx context.Context, slug string, callerID int64) (*session.Session, error) {
	p, err := f.st.FindProject(ctx, slug, callerID)
	if err != nil {
		return nil, err
	}
	sess := &session.Session{ProjectID: p.ID, Engine: "claude", MaxIterations: 5}
	if err := f.st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	pid := 7000 + int(sess.ID)
	now := time.Now()
	if err := f.st.UpdateSessionStatus(ctx, sess.ID, session.StatusUpdate{Status: session.StatusRunning, PID: &pid, StartedAt: &now}); err != nil {
		return nil, err
	}
	return f.st.GetSession(ctx, sess.ID)
}

func (f *fakeSessions) GetSession(ctx context.Context, id int64) (*session.Session, error) {
	return f.st.GetSession(ctx, id)
}

func (f *fakeSessions) transition(ctx context.Context, id int64, to session.Status) (*session.Session, error) {
	s, err := f.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == to {
		return s, nil
	}
	if !session.CanTransition(s.Status, to) {
		return nil, nwerrors.NewSessionError("bad transition", nwerrors.ErrInvalidTransition)
	}
	u := session.StatusUpdate{Status: to, PID: s.PID}
	if to == session.StatusStopped {
		now := time.Now()
		u.PID, u.EndedAt = nil, &now
	}
	if err := f.st.UpdateSessionStatus(ctx, id, u); err != nil {
		return nil, err
	}
	return f.st.GetSession(ctx, id)
}

func (f *fakeSessions) PauseSession(ctx context.Context, id int64) (*session.Session, error) {
	return f.transition(ctx, id, session.StatusPaused)
}

func (f *fakeSessions) ResumeSession(ctx context.Context, id int64) (*session.Session, error) {
	return f.transition(ctx, id, session.StatusRunning)
}

func (f *fakeSessions) StopSession(ctx context.Context, id int64) (*session.Session, error) {
	return f.transition(ctx, id, session.StatusStopped)
}

func (f *fakeSessions) Iterate(ctx context.Context, id int64, prompt string) (ai.Outcome, error) {
	f.mu.Lock()
	fn := f.iterate
	f.mu.Unlock()
	if fn != nil {
		return fn(id, prompt)
	}
	if strings.TrimSpace(prompt) == "" {
		return ai.Outcome{}, nwerrors.NewValidationError("empty prompt").WithCause(nwerrors.ErrEmptyPrompt)
	}
	if _, err := f.st.IncrementIteration(ctx, id); err != nil {
		return ai.Outcome{}, err
	}
	return ai.Outcome{Text: "ok: " + prompt, Engine: "claude"}, nil
}

func (f *fakeSessions) WriteToSession(ctx context.Context, id int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], string(data))
	return nil
}

func (f *fakeSessions) ResizeSession(ctx context.Context, id int64, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeSessions) OnTerminalOutput(ctx context.Context, id int64, fn terminal.OutputFunc) (func(), error) {
	s, err := f.st.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Status.HasProcess() {
		return nil, nwerrors.NewSessionError("no process", nwerrors.ErrSessionStopped)
	}
	f.mu.Lock()
	f.outputs[id] = fn
	f.mu.Unlock()
	f.subscribed <- id
	return func() {
		f.mu.Lock()
		delete(f.outputs, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeSessions) emit(id int64, data string) {
	f.mu.Lock()
	fn := f.outputs[id]
	f.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

func (f *fakeSessions) writesFor(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes[id]...)
}

type fakeResponder struct {
	mu    sync.Mutex
	err   error
	calls []ai.Request
}

func (f *fakeResponder) Respond(ctx context.Context, req ai.Request) (ai.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return ai.Outcome{}, f.err
	}
	return ai.Outcome{Text: "answer: " + req.Prompt, Engine: "codex"}, nil
}

// fakeRunner blocks until its context is canceled.
type fakeRunner struct {
	started chan int64
}

func (f *fakeRunner) Run(ctx context.Context, id int64, prompt string) (session.LoopResult, error) {
	f.started <- id
	<-ctx.Done()
	return session.LoopResult{}, ctx.Err()
}

type fakeWorkspaces struct{}

func (fakeWorkspaces) Path(p *project.Project) string { return "/work/" + p.Slug }

type fixture struct {
	srv       *Server
	st        *store.Store
	sessions  *fakeSessions
	responder *fakeResponder
	runner    *fakeRunner
	user      *store.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "nwha.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.EnsureDevUser(context.Background())
	if err != nil {
		t.Fatalf("EnsureDevUser() error = %v", err)
	}

	f := &fixture{
		st:        st,
		sessions:  newFakeSessions(st),
		responder: &fakeResponder{},
		runner:    &fakeRunner{started: make(chan int64, 4)},
		user:      user,
	}
	cfg := DefaultConfig()
	cfg.AuthBypass = true
	opts = append([]Option{WithConfig(cfg), WithRunner(f.runner), WithWorkspaces(fakeWorkspaces{})}, opts...)
	f.srv = New(st, f.sessions, f.responder, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.srv.Shutdown(ctx)
	})
	return f
}

// do sends a request as user (0 means anonymous).
func (f *fixture) do(t *testing.T, method, path string, body any, user int64) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set(UserHeader, strconv.FormatInt(user, 10))
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) createProject(t *testing.T, name string) *project.Project {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/projects", CreateProjectRequest{Name: name}, f.user.ID)
	if w.Code != http.StatusCreated {
		t.Fatalf("create project status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct{ Project project.Project }
	decode(t, w, &resp)
	return &resp.Project
}

func (f *fixture) startSession(t *testing.T, slug string) *session.Session {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/projects/"+slug+"/sessions", nil, f.user.ID)
	if w.Code != http.StatusCreated {
		t.Fatalf("start session status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct{ Session session.Session }
	decode(t, w, &resp)
	return &resp.Session
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error.Code
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
