package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nctiggy/nwha/internal/ai"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/terminal"
)

func TestController_StartSession(t *testing.T) {
	f := newFixture(t)

	s := f.start(t)

	if s.Status != StatusRunning {
		t.Errorf("Status = %s, want running", s.Status)
	}
	if s.PID == nil || s.StartedAt == nil || s.EndedAt != nil {
		t.Errorf("running session fields wrong: pid=%v started=%v ended=%v", s.PID, s.StartedAt, s.EndedAt)
	}
	if s.MaxIterations != 5 || s.Iterations != 0 {
		t.Errorf("budget = %d/%d, want 0/5", s.Iterations, s.MaxIterations)
	}
	if s.Engine != "claude" {
		t.Errorf("Engine = %q, want claude", s.Engine)
	}

	stored := f.repo.session(t, s.ID)
	if stored.Status != StatusRunning || stored.PID == nil || *stored.PID != *s.PID {
		t.Errorf("stored session = %+v", stored)
	}

	h, ok := f.terms.Get(s.Key())
	if !ok || h.PID != *s.PID {
		t.Fatal("process handle should be registered under the session key")
	}
	if f.terms.lastOpts.Dir != "/work/demo" || f.terms.lastOpts.Shell != "/bin/sh" {
		t.Errorf("terminal options = %+v", f.terms.lastOpts)
	}
	if f.terms.lastOpts.Cols != 80 || f.terms.lastOpts.Rows != 24 {
		t.Errorf("geometry = %dx%d, want 80x24", f.terms.lastOpts.Cols, f.terms.lastOpts.Rows)
	}

	if got := f.events.types(); !slices.Equal(got, []string{event.TypeSessionStarted}) {
		t.Errorf("events = %v", got)
	}
}

func TestController_StartSessionUsesCurrentConfig(t *testing.T) {
	f := newFixture(t)

	first := f.start(t)
	f.cfg.Session.MaxIterationsDefault = 9
	second := f.start(t)

	if first.MaxIterations != 5 || second.MaxIterations != 9 {
		t.Errorf("max iterations = %d, %d; want 5, 9", first.MaxIterations, second.MaxIterations)
	}
	if f.repo.session(t, first.ID).MaxIterations != 5 {
		t.Error("existing session budget must not change with config")
	}
}

func TestController_StartSessionProjectNotFound(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		slug  string
		owner int64
	}{
		{"missing", 10},
		{"demo", 99},
	} {
		_, err := f.ctrl.StartSession(context.Background(), tc.slug, tc.owner)
		if !errors.Is(err, nwerrors.ErrProjectNotFound) {
			t.Errorf("StartSession(%s, %d) error = %v, want ErrProjectNotFound", tc.slug, tc.owner, err)
		}
	}
	if f.terms.created != 0 {
		t.Error("no process should be created")
	}
}

func TestController_StartSessionSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.terms.createErr = nwerrors.ErrProcessSpawn

	_, err := f.ctrl.StartSession(context.Background(), "demo", 10)
	if !errors.Is(err, nwerrors.ErrProcessSpawn) {
		t.Fatalf("error = %v, want ErrProcessSpawn", err)
	}

	s := f.repo.session(t, 1)
	if s.Status != StatusStopped || s.EndedAt == nil || s.PID != nil {
		t.Errorf("session after spawn failure = %+v", s)
	}
	if got := f.events.stopCauses(); !slices.Equal(got, []string{string(CauseSpawnFailed)}) {
		t.Errorf("stop causes = %v", got)
	}
}

func TestController_StartSessionWorkspaceFailure(t *testing.T) {
	f := newFixture(t, WithWorkspaces(fakeWorkspaces{err: errBoom}))

	if _, err := f.ctrl.StartSession(context.Background(), "demo", 10); !errors.Is(err, errBoom) {
		t.Fatalf("error = %v, want workspace error", err)
	}
	if len(f.repo.sessions) != 0 {
		t.Error("no session record should be created")
	}
}

func TestController_StartSessionStoppedBeforeSpawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.afterCreate = func(s *Session) {
		if _, err := f.ctrl.StopSession(ctx, s.ID); err != nil {
			t.Errorf("StopSession() error = %v", err)
		}
	}

	_, err := f.ctrl.StartSession(ctx, "demo", 10)
	if !errors.Is(err, nwerrors.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}

	s := f.repo.session(t, 1)
	if s.Status != StatusStopped || s.EndedAt == nil || s.PID != nil {
		t.Errorf("session = %+v, want it to stay stopped", s)
	}
	if f.terms.created != 0 || f.terms.live() != 0 {
		t.Errorf("processes created = %d, live = %d, want none", f.terms.created, f.terms.live())
	}
	if got := f.events.stopCauses(); !slices.Equal(got, []string{string(CauseUser)}) {
		t.Errorf("stop causes = %v", got)
	}
	if slices.Contains(f.events.types(), event.TypeSessionStarted) {
		t.Error("session.started published for a stopped session")
	}
}

func TestController_StartSessionRunningUpdateFails(t *testing.T) {
	f := newFixture(t)
	f.repo.updateErr = func(u StatusUpdate) error {
		if u.Status == StatusRunning {
			return errBoom
		}
		return nil
	}

	_, err := f.ctrl.StartSession(context.Background(), "demo", 10)
	if !errors.Is(err, errBoom) {
		t.Fatalf("error = %v, want the update error", err)
	}

	s := f.repo.session(t, 1)
	if s.Status != StatusStopped || s.EndedAt == nil || s.PID != nil {
		t.Errorf("session after failed start = %+v", s)
	}
	if f.terms.live() != 0 || f.terms.destroyCount(Key(1)) != 1 {
		t.Errorf("live = %d, destroyed = %d, want the process released", f.terms.live(), f.terms.destroyCount(Key(1)))
	}
	if got := f.events.stopCauses(); !slices.Equal(got, []string{string(CauseSpawnFailed)}) {
		t.Errorf("stop causes = %v", got)
	}
}

func TestController_PauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	paused, err := f.ctrl.PauseSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("PauseSession() error = %v", err)
	}
	if paused.Status != StatusPaused || paused.PID == nil {
		t.Errorf("paused session = %+v", paused)
	}
	if _, ok := f.terms.Get(s.Key()); !ok {
		t.Error("pause must keep the process")
	}

	// Pausing again is a no-op.
	if again, err := f.ctrl.PauseSession(ctx, s.ID); err != nil || again.Status != StatusPaused {
		t.Errorf("second PauseSession() = %v, %v", again, err)
	}

	resumed, err := f.ctrl.ResumeSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("ResumeSession() error = %v", err)
	}
	if resumed.Status != StatusRunning {
		t.Errorf("Status = %s, want running", resumed.Status)
	}

	// Resuming a running session is tolerated.
	if again, err := f.ctrl.ResumeSession(ctx, s.ID); err != nil || again.Status != StatusRunning {
		t.Errorf("second ResumeSession() = %v, %v", again, err)
	}

	want := []string{event.TypeSessionStarted, event.TypeSessionPaused, event.TypeSessionResumed}
	if got := f.events.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestController_UnknownSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ops := map[string]func() error{
		"pause":  func() error { _, err := f.ctrl.PauseSession(ctx, 404); return err },
		"resume": func() error { _, err := f.ctrl.ResumeSession(ctx, 404); return err },
		"stop":   func() error { _, err := f.ctrl.StopSession(ctx, 404); return err },
		"iterate": func() error {
			_, err := f.ctrl.Iterate(ctx, 404, "go")
			return err
		},
		"write":  func() error { return f.ctrl.WriteToSession(ctx, 404, []byte("x")) },
		"resize": func() error { return f.ctrl.ResizeSession(ctx, 404, 10, 10) },
		"output": func() error { _, err := f.ctrl.OnTerminalOutput(ctx, 404, func([]byte) {}); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, nwerrors.ErrSessionNotFound) {
				t.Errorf("error = %v, want ErrSessionNotFound", err)
			}
		})
	}
	if len(f.repo.sessions) != 0 {
		t.Error("unknown ids must not create state")
	}
}

func TestController_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.ctrl.StopSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.PauseSession(ctx, s.ID); !errors.Is(err, nwerrors.ErrInvalidTransition) {
		t.Errorf("pause stopped session error = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.ctrl.ResumeSession(ctx, s.ID); !errors.Is(err, nwerrors.ErrInvalidTransition) {
		t.Errorf("resume stopped session error = %v, want ErrInvalidTransition", err)
	}

	f.repo.put(&Session{ID: 50, ProjectID: 1, Status: StatusPending, MaxIterations: 3})
	if _, err := f.ctrl.PauseSession(ctx, 50); !errors.Is(err, nwerrors.ErrInvalidTransition) {
		t.Errorf("pause pending session error = %v, want ErrInvalidTransition", err)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	first, err := f.ctrl.StopSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if first.Status != StatusStopped || first.EndedAt == nil || first.PID != nil {
		t.Errorf("stopped session = %+v", first)
	}
	if _, ok := f.terms.Get(s.Key()); ok {
		t.Error("stop must destroy the process")
	}

	second, err := f.ctrl.StopSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("second StopSession() error = %v", err)
	}
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Errorf("ended_at changed from %v to %v", first.EndedAt, second.EndedAt)
	}
	if n := f.terms.destroyCount(s.Key()); n != 1 {
		t.Errorf("destroyed %d times, want 1", n)
	}
	if got := f.events.stopCauses(); !slices.Equal(got, []string{string(CauseUser)}) {
		t.Errorf("stop causes = %v", got)
	}
}

func TestController_StopPausedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.ctrl.PauseSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	stopped, err := f.ctrl.StopSession(ctx, s.ID)
	if err != nil || stopped.Status != StatusStopped {
		t.Fatalf("StopSession() = %v, %v", stopped, err)
	}
	if f.terms.live() != 0 {
		t.Error("process should be released")
	}
}

func TestController_Iterate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	var gotDir string
	f.responder.fn = func(_ context.Context, req ai.Request) (ai.Outcome, error) {
		gotDir = req.Dir
		return ai.Outcome{Text: "ls -la", Engine: "codex"}, nil
	}

	out, err := f.ctrl.Iterate(ctx, s.ID, "list files")
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if out.Text != "ls -la" || out.Engine != "codex" {
		t.Errorf("outcome = %+v", out)
	}
	if gotDir != "/work/demo" {
		t.Errorf("responder ran in %q, want /work/demo", gotDir)
	}
	if it := f.repo.session(t, s.ID).Iterations; it != 1 {
		t.Errorf("iterations = %d, want 1", it)
	}
	if w := f.terms.writesFor(s.Key()); !slices.Equal(w, []string{"ls -la\n"}) {
		t.Errorf("terminal writes = %q", w)
	}

	want := []string{event.TypeSessionStarted, event.TypeIterationCompleted}
	if got := f.events.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestController_IterateEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)

	_, err := f.ctrl.Iterate(context.Background(), s.ID, "   ")
	if !errors.Is(err, nwerrors.ErrEmptyPrompt) {
		t.Errorf("error = %v, want ErrEmptyPrompt", err)
	}
	if f.responder.callCount() != 0 {
		t.Error("responder must not be called")
	}
}

func TestController_SingleIterationBudget(t *testing.T) {
	f := newFixture(t)
	f.cfg.Session.MaxIterationsDefault = 1
	ctx := context.Background()
	s := f.start(t)

	if _, err := f.ctrl.Iterate(ctx, s.ID, "do it"); err != nil {
		t.Fatalf("first Iterate() error = %v", err)
	}

	got := f.repo.session(t, s.ID)
	if got.Status != StatusStopped || got.Iterations != 1 || got.EndedAt == nil {
		t.Errorf("session after budget = %+v", got)
	}
	if f.terms.live() != 0 {
		t.Error("process should be released after the last iteration")
	}
	if causes := f.events.stopCauses(); !slices.Equal(causes, []string{string(CauseMaxIterations)}) {
		t.Errorf("stop causes = %v", causes)
	}

	_, err := f.ctrl.Iterate(ctx, s.ID, "again")
	if !errors.Is(err, nwerrors.ErrSessionStopped) {
		t.Errorf("second Iterate() error = %v, want ErrSessionStopped", err)
	}
	if f.responder.callCount() != 1 {
		t.Errorf("responder called %d times, want 1", f.responder.callCount())
	}
}

func TestController_ExhaustedBudgetStopsAtGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid := 7
	started := time.Now()
	f.repo.put(&Session{ID: 3, ProjectID: 1, Status: StatusRunning, PID: &pid, StartedAt: &started, Iterations: 2, MaxIterations: 2})

	_, err := f.ctrl.Iterate(ctx, 3, "more")
	if !errors.Is(err, nwerrors.ErrIterationLimit) || !errors.Is(err, nwerrors.ErrSessionStopped) {
		t.Fatalf("error = %v, want iteration limit and stopped", err)
	}
	if s := f.repo.session(t, 3); s.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status)
	}
	if f.responder.callCount() != 0 {
		t.Error("responder must not be called")
	}
}

func TestController_IteratePaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)
	if _, err := f.ctrl.PauseSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.ctrl.Iterate(ctx, s.ID, "go")
	if !errors.Is(err, nwerrors.ErrSessionPaused) {
		t.Errorf("error = %v, want ErrSessionPaused", err)
	}
	if got := f.repo.session(t, s.ID); got.Status != StatusPaused {
		t.Errorf("paused session must stay paused, got %s", got.Status)
	}
	if f.responder.callCount() != 0 {
		t.Error("responder must not be called")
	}
}

func TestController_IterateFailureLeavesSessionRunning(t *testing.T) {
	f := newFixture(t)
	f.responder.fn = failingResponder(primaryFailed()).fn
	ctx := context.Background()
	s := f.start(t)

	_, err := f.ctrl.Iterate(ctx, s.ID, "go")
	if !errors.Is(err, nwerrors.ErrPrimaryFailed) {
		t.Fatalf("error = %v, want ErrPrimaryFailed", err)
	}

	got := f.repo.session(t, s.ID)
	if got.Status != StatusRunning || got.Iterations != 0 {
		t.Errorf("session after failure = %+v", got)
	}
	if len(f.terms.writesFor(s.Key())) != 0 {
		t.Error("nothing should be written on failure")
	}
	if types := f.events.types(); types[len(types)-1] != event.TypeIterationFailed {
		t.Errorf("last event = %s, want %s", types[len(types)-1], event.TypeIterationFailed)
	}
}

func TestController_PauseDuringResponseDiscardsIteration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	// Pausing from inside the responder proves no session lock is held
	// while the AI call runs.
	f.responder.fn = func(ctx context.Context, req ai.Request) (ai.Outcome, error) {
		if _, err := f.ctrl.PauseSession(ctx, s.ID); err != nil {
			t.Errorf("PauseSession() during respond error = %v", err)
		}
		return ai.Outcome{Text: "late", Engine: "claude"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Iterate(ctx, s.ID, "go")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, nwerrors.ErrSessionPaused) {
			t.Errorf("error = %v, want ErrSessionPaused", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Iterate deadlocked")
	}

	if got := f.repo.session(t, s.ID); got.Iterations != 0 || got.Status != StatusPaused {
		t.Errorf("session = %+v, want paused with 0 iterations", got)
	}
}

func TestController_ConcurrentIterationsStayWithinBudget(t *testing.T) {
	f := newFixture(t)
	f.cfg.Session.MaxIterationsDefault = 3
	ctx := context.Background()
	s := f.start(t)

	f.responder.fn = func(context.Context, ai.Request) (ai.Outcome, error) {
		time.Sleep(time.Millisecond)
		return ai.Outcome{Text: "x", Engine: "claude"}, nil
	}

	var wg sync.WaitGroup
	for range 12 {
		wg.Go(func() { _, _ = f.ctrl.Iterate(ctx, s.ID, "go") })
	}
	wg.Wait()

	got := f.repo.session(t, s.ID)
	if got.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", got.Iterations)
	}
	if got.Status != StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if causes := f.events.stopCauses(); len(causes) != 1 {
		t.Errorf("stopped events = %v, want exactly one", causes)
	}
}

func TestController_ConcurrentPauseAndStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 10 {
		s := f.start(t)

		var wg sync.WaitGroup
		for range 5 {
			wg.Go(func() { _, _ = f.ctrl.PauseSession(ctx, s.ID) })
			wg.Go(func() { _, _ = f.ctrl.ResumeSession(ctx, s.ID) })
		}
		wg.Go(func() { _, _ = f.ctrl.StopSession(ctx, s.ID) })
		wg.Wait()

		got := f.repo.session(t, s.ID)
		if got.Status != StatusStopped {
			t.Fatalf("status = %s, want stopped", got.Status)
		}
		if _, ok := f.terms.Get(s.Key()); ok {
			t.Fatal("stopped session must not keep a process")
		}
	}
}

func TestController_TerminalAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)

	if err := f.ctrl.WriteToSession(ctx, s.ID, []byte("pwd\n")); err != nil {
		t.Fatalf("WriteToSession() error = %v", err)
	}
	if w := f.terms.writesFor(s.Key()); !slices.Equal(w, []string{"pwd\n"}) {
		t.Errorf("writes = %q", w)
	}

	if err := f.ctrl.ResizeSession(ctx, s.ID, 132, 43); err != nil {
		t.Fatalf("ResizeSession() error = %v", err)
	}
	if f.terms.sizes[s.Key()] != [2]uint16{132, 43} {
		t.Errorf("size = %v", f.terms.sizes[s.Key()])
	}

	unsub, err := f.ctrl.OnTerminalOutput(ctx, s.ID, func([]byte) {})
	if err != nil || unsub == nil {
		t.Fatalf("OnTerminalOutput() = %v", err)
	}
	unsub()

	if _, err := f.ctrl.StopSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.WriteToSession(ctx, s.ID, []byte("x")); err != nil {
		t.Errorf("write after stop error = %v, want nil", err)
	}
	if err := f.ctrl.ResizeSession(ctx, s.ID, 100, 30); err != nil {
		t.Errorf("resize after stop error = %v, want nil", err)
	}
	if w := f.terms.writesFor(s.Key()); !slices.Equal(w, []string{"pwd\n"}) {
		t.Errorf("writes after stop = %q, want only the first write", w)
	}
	if f.terms.sizes[s.Key()] != [2]uint16{132, 43} {
		t.Errorf("size after stop = %v, want unchanged", f.terms.sizes[s.Key()])
	}
	if err := f.ctrl.WriteToSession(ctx, 999, []byte("x")); !errors.Is(err, nwerrors.ErrSessionNotFound) {
		t.Errorf("write to unknown session error = %v, want ErrSessionNotFound", err)
	}
	if err := f.ctrl.ResizeSession(ctx, 999, 80, 24); !errors.Is(err, nwerrors.ErrSessionNotFound) {
		t.Errorf("resize of unknown session error = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.ctrl.OnTerminalOutput(ctx, s.ID, func([]byte) {}); !errors.Is(err, nwerrors.ErrSessionStopped) {
		t.Errorf("subscribe after stop error = %v, want ErrSessionStopped", err)
	}
}

func TestController_OnTerminalOutputAfterProcessVanished(t *testing.T) {
	f := newFixture(t)
	s := f.start(t)
	f.terms.vanish(s.Key())

	_, err := f.ctrl.OnTerminalOutput(context.Background(), s.ID, func([]byte) {})
	if !errors.Is(err, nwerrors.ErrSessionStopped) {
		t.Errorf("error = %v, want ErrSessionStopped", err)
	}
}

func TestController_ExitReconciliation(t *testing.T) {
	exits := terminal.NewExitChannel(nil)
	defer exits.Close()

	f := newFixture(t, WithExitSubscriber(exits))
	s := f.start(t)

	f.terms.vanish(s.Key())
	err := terminal.PublishExit(exits, terminal.ExitNotice{
		SessionKey: s.Key(),
		PID:        *s.PID,
		Reason:     terminal.ReasonExited,
		ExitCode:   1,
		ExitedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("PublishExit() error = %v", err)
	}

	waitFor(t, "session to stop", func() bool {
		return f.repo.session(t, s.ID).Status == StatusStopped
	})

	got := f.repo.session(t, s.ID)
	if got.EndedAt == nil || got.PID != nil {
		t.Errorf("reconciled session = %+v", got)
	}
	waitFor(t, "stopped event", func() bool {
		return slices.Equal(f.events.stopCauses(), []string{string(CauseProcessExited)})
	})
}

func TestController_HandleExitIgnoresStaleAndStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := f.start(t)
	stopped := f.start(t)
	if _, err := f.ctrl.StopSession(ctx, stopped.ID); err != nil {
		t.Fatal(err)
	}

	f.ctrl.handleExit(terminal.ExitNotice{SessionKey: live.Key(), PID: *live.PID + 1000, Reason: terminal.ReasonExited})
	f.ctrl.handleExit(terminal.ExitNotice{SessionKey: stopped.Key(), PID: 1, Reason: terminal.ReasonDestroyed})
	f.ctrl.handleExit(terminal.ExitNotice{SessionKey: "not-a-session", PID: 2, Reason: terminal.ReasonExited})
	f.ctrl.handleExit(terminal.ExitNotice{SessionKey: Key(999), PID: 3, Reason: terminal.ReasonExited})

	if got := f.repo.session(t, live.ID); got.Status != StatusRunning {
		t.Errorf("stale notice stopped a live session: %+v", got)
	}
	if causes := f.events.stopCauses(); !slices.Equal(causes, []string{string(CauseUser)}) {
		t.Errorf("stop causes = %v, want only the user stop", causes)
	}

	f.ctrl.handleExit(terminal.ExitNotice{SessionKey: live.Key(), PID: *live.PID, Reason: terminal.ReasonExited})
	if got := f.repo.session(t, live.ID); got.Status != StatusStopped {
		t.Errorf("matching notice should stop the session, got %s", got.Status)
	}
}

func TestController_PausedExpiry(t *testing.T) {
	f := newFixture(t)
	f.cfg.Session.PausedTimeoutMinutes = 10
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	f.ctrl.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	expiring := f.start(t)
	fresh := f.start(t)
	if _, err := f.ctrl.PauseSession(ctx, expiring.ID); err != nil {
		t.Fatal(err)
	}
	advance(8 * time.Minute)
	if _, err := f.ctrl.PauseSession(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}
	advance(3 * time.Minute)

	f.ctrl.expirePaused()

	if got := f.repo.session(t, expiring.ID); got.Status != StatusStopped {
		t.Errorf("expired session status = %s, want stopped", got.Status)
	}
	if got := f.repo.session(t, fresh.ID); got.Status != StatusPaused {
		t.Errorf("fresh session status = %s, want paused", got.Status)
	}
	if causes := f.events.stopCauses(); !slices.Equal(causes, []string{string(CausePausedTimeout)}) {
		t.Errorf("stop causes = %v", causes)
	}
}

func TestController_PausedExpiryDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.start(t)
	if _, err := f.ctrl.PauseSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	f.ctrl.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	f.ctrl.expirePaused()

	if got := f.repo.session(t, s.ID); got.Status != StatusPaused {
		t.Errorf("status = %s, want paused when expiry is disabled", got.Status)
	}
}

func TestController_RecoverOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := f.start(t)
	pid := 1
	f.repo.put(&Session{ID: 20, ProjectID: 1, Status: StatusRunning, PID: &pid, MaxIterations: 3})
	f.repo.put(&Session{ID: 21, ProjectID: 1, Status: StatusPaused, PID: &pid, MaxIterations: 3})
	f.repo.put(&Session{ID: 22, ProjectID: 1, Status: StatusPending, MaxIterations: 3})

	n, err := f.ctrl.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}
	if n != 3 {
		t.Errorf("recovered %d sessions, want 3", n)
	}
	for _, id := range []int64{20, 21, 22} {
		if got := f.repo.session(t, id); got.Status != StatusStopped {
			t.Errorf("session %d status = %s, want stopped", id, got.Status)
		}
	}
	if got := f.repo.session(t, live.ID); got.Status != StatusRunning {
		t.Errorf("live session status = %s, want running", got.Status)
	}
}

func TestController_CloseStopsLiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.start(t)
	b := f.start(t)
	if _, err := f.ctrl.PauseSession(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	for _, id := range []int64{a.ID, b.ID} {
		if got := f.repo.session(t, id); got.Status != StatusStopped {
			t.Errorf("session %d status = %s, want stopped", id, got.Status)
		}
	}
	if f.terms.live() != 0 {
		t.Error("Close should release every process")
	}
	for _, c := range f.events.stopCauses() {
		if c != string(CauseShutdown) {
			t.Errorf("stop cause = %s, want shutdown", c)
		}
	}
}

func TestController_CloseReportsStopFailures(t *testing.T) {
	f := newFixture(t)
	a := f.start(t)
	f.repo.updateErr = func(u StatusUpdate) error {
		if u.Status == StatusStopped {
			return errBoom
		}
		return nil
	}

	err := f.ctrl.Close()
	if !errors.Is(err, errBoom) {
		t.Fatalf("Close() error = %v, want the stop error", err)
	}
	if want := fmt.Sprintf("failed to stop session %d", a.ID); !strings.Contains(err.Error(), want) {
		t.Errorf("Close() error = %q, want it to name the session", err)
	}
	if errors.Is(err, nwerrors.ErrTimeout) {
		t.Error("a failed stop is not a timeout")
	}
}

func TestController_CloseTimesOut(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.ctrl.stopWithin = 10 * time.Millisecond
	f.repo.updateErr = func(u StatusUpdate) error {
		if u.Status == StatusStopped {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	}

	err := f.ctrl.Close()
	if !errors.Is(err, nwerrors.ErrTimeout) {
		t.Fatalf("Close() error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want the deadline as cause", err)
	}
}

func TestController_CustomLimiter(t *testing.T) {
	f := newFixture(t, WithLimiter(LimiterFunc(func(*Session) bool { return false })))
	s := f.start(t)

	_, err := f.ctrl.Iterate(context.Background(), s.ID, "go")
	if !errors.Is(err, nwerrors.ErrIterationLimit) {
		t.Errorf("error = %v, want ErrIterationLimit", err)
	}
	if got := f.repo.session(t, s.ID); got.Status != StatusRunning {
		t.Errorf("refusal with budget left must not stop the session, got %s", got.Status)
	}
	if !strings.Contains(err.Error(), "session=") {
		t.Errorf("error should name the session: %v", err)
	}
}
