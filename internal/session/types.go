// Package session implements the agent session lifecycle: the status state
// machine, the iteration limiter, the controller that binds sessions to
// interactive processes, and the loop runner that drives iterations.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/project"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusPending is a freshly created record whose process is not yet running.
	StatusPending Status = "pending"
	// StatusRunning means the process is live and iterations may run.
	StatusRunning Status = "running"
	// StatusPaused means the process is kept but iterations are refused.
	StatusPaused Status = "paused"
	// StatusStopped is terminal. The process has been released.
	StatusStopped Status = "stopped"
)

// transitions lists the states reachable from each state.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusStopped},
	StatusPaused:  {StatusRunning, StatusStopped},
	StatusStopped: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusStopped
}

// HasProcess reports whether a session in this state owns a live process.
func (s Status) HasProcess() bool {
	return s == StatusRunning || s == StatusPaused
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// StopCause records why a session reached stopped.
type StopCause string

const (
	CauseUser          StopCause = "user"
	CauseMaxIterations StopCause = "max_iterations"
	CauseProcessExited StopCause = "process_exited"
	CausePausedTimeout StopCause = "paused_timeout"
	CauseShutdown      StopCause = "shutdown"
	CauseSpawnFailed   StopCause = "spawn_failed"
)

// Session is one agent run against a project.
type Session struct {
	ID            int64      `json:"id"`
	ProjectID     int64      `json:"project_id"`
	Engine        string     `json:"engine"`
	Status        Status     `json:"status"`
	PID           *int       `json:"pid"`
	Iterations    int        `json:"iterations"`
	MaxIterations int        `json:"max_iterations"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
}

// Key returns the registry key of the session's interactive process.
func (s *Session) Key() string {
	return Key(s.ID)
}

// Key returns the registry key for session id.
func Key(id int64) string {
	return "session-" + strconv.FormatInt(id, 10)
}

// ParseKey extracts the session id from a registry key.
func ParseKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, "session-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// StringID returns the id as used in events and log fields.
func (s *Session) StringID() string {
	return strconv.FormatInt(s.ID, 10)
}

// Remaining returns how many iterations are left in the budget.
func (s *Session) Remaining() int {
	if n := s.MaxIterations - s.Iterations; n > 0 {
		return n
	}
	return 0
}

func (s *Session) clone() *Session {
	c := *s
	if s.PID != nil {
		pid := *s.PID
		c.PID = &pid
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// StatusUpdate is the full set of lifecycle fields written on a transition.
// PID is written as given, so nil clears it. StartedAt and EndedAt are only
// written when non-nil.
type StatusUpdate struct {
	Status    Status
	PID       *int
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Repository is the persistence the controller depends on. Implementations
// return errors matching ErrSessionNotFound and ErrProjectNotFound for
// missing records.
type Repository interface {
	FindProject(ctx context.Context, slug string, ownerID int64) (*project.Project, error)
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, update StatusUpdate) error
	// IncrementIteration adds one to the iteration count and returns the new value.
	IncrementIteration(ctx context.Context, id int64) (int, error)
	ListSessionsByStatus(ctx context.Context, statuses ...Status) ([]*Session, error)
}

func transitionError(s *Session, to Status) error {
	return nwerrors.NewSessionError(
		fmt.Sprintf("cannot move from %s to %s", s.Status, to),
		nwerrors.ErrInvalidTransition,
	).WithSessionID(s.StringID()).WithStatus(string(s.Status))
}

func notFound(id int64, err error) error {
	return nwerrors.NewSessionError("session lookup failed", err).
		WithSessionID(strconv.FormatInt(id, 10))
}
