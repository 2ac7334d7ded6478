// Package event defines event types for decoupling components in nwha.
// These events let the HTTP layer, the agent loop and the audit log observe
// session lifecycle changes without depending on the controller.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.started")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// SessionEvent is implemented by every event that belongs to one session.
type SessionEvent interface {
	Event
	Session() string
}

// Event type identifiers.
const (
	TypeSessionStarted     = "session.started"
	TypeSessionPaused      = "session.paused"
	TypeSessionResumed     = "session.resumed"
	TypeSessionStopped     = "session.stopped"
	TypeIterationCompleted = "iteration.completed"
	TypeIterationFailed    = "iteration.failed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionStartedEvent is emitted once a session is running with a live process.
type SessionStartedEvent struct {
	baseEvent
	SessionID     string
	ProjectSlug   string
	Engine        string
	PID           int
	MaxIterations int
}

// NewSessionStartedEvent creates a SessionStartedEvent.
func NewSessionStartedEvent(sessionID, projectSlug, engine string, pid, maxIterations int) SessionStartedEvent {
	return SessionStartedEvent{
		baseEvent:     newBaseEvent(TypeSessionStarted),
		SessionID:     sessionID,
		ProjectSlug:   projectSlug,
		Engine:        engine,
		PID:           pid,
		MaxIterations: maxIterations,
	}
}

func (e SessionStartedEvent) Session() string { return e.SessionID }

// SessionPausedEvent is emitted when a running session is paused.
type SessionPausedEvent struct {
	baseEvent
	SessionID string
}

// NewSessionPausedEvent creates a SessionPausedEvent.
func NewSessionPausedEvent(sessionID string) SessionPausedEvent {
	return SessionPausedEvent{baseEvent: newBaseEvent(TypeSessionPaused), SessionID: sessionID}
}

func (e SessionPausedEvent) Session() string { return e.SessionID }

// SessionResumedEvent is emitted when a paused session runs again.
type SessionResumedEvent struct {
	baseEvent
	SessionID string
}

// NewSessionResumedEvent creates a SessionResumedEvent.
func NewSessionResumedEvent(sessionID string) SessionResumedEvent {
	return SessionResumedEvent{baseEvent: newBaseEvent(TypeSessionResumed), SessionID: sessionID}
}

func (e SessionResumedEvent) Session() string { return e.SessionID }

// SessionStoppedEvent is emitted exactly once, when a session reaches stopped.
type SessionStoppedEvent struct {
	baseEvent
	SessionID  string
	Cause      string // "user", "max_iterations", "process_exited", "paused_timeout", "shutdown"
	Iterations int
}

// NewSessionStoppedEvent creates a SessionStoppedEvent.
func NewSessionStoppedEvent(sessionID, cause string, iterations int) SessionStoppedEvent {
	return SessionStoppedEvent{
		baseEvent:  newBaseEvent(TypeSessionStopped),
		SessionID:  sessionID,
		Cause:      cause,
		Iterations: iterations,
	}
}

func (e SessionStoppedEvent) Session() string { return e.SessionID }

// -----------------------------------------------------------------------------
// Iteration Events
// -----------------------------------------------------------------------------

// IterationCompletedEvent is emitted after an iteration is applied.
type IterationCompletedEvent struct {
	baseEvent
	SessionID string
	Iteration int
	Engine    string
	Response  string
}

// NewIterationCompletedEvent creates an IterationCompletedEvent.
func NewIterationCompletedEvent(sessionID string, iteration int, engine, response string) IterationCompletedEvent {
	return IterationCompletedEvent{
		baseEvent: newBaseEvent(TypeIterationCompleted),
		SessionID: sessionID,
		Iteration: iteration,
		Engine:    engine,
		Response:  response,
	}
}

func (e IterationCompletedEvent) Session() string { return e.SessionID }

// IterationFailedEvent is emitted when the fallback coordinator fails an
// iteration. The session keeps its status and iteration count.
type IterationFailedEvent struct {
	baseEvent
	SessionID string
	Error     string
}

// NewIterationFailedEvent creates an IterationFailedEvent.
func NewIterationFailedEvent(sessionID string, err error) IterationFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return IterationFailedEvent{
		baseEvent: newBaseEvent(TypeIterationFailed),
		SessionID: sessionID,
		Error:     msg,
	}
}

func (e IterationFailedEvent) Session() string { return e.SessionID }
