// Package event provides a pub-sub event bus for decoupled inter-component
// communication in nwha.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [SessionEvent]: Events that belong to a single session
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Session Lifecycle:
//   - [SessionStartedEvent]: a session is running with a live process
//   - [SessionPausedEvent], [SessionResumedEvent]: pause and resume
//   - [SessionStoppedEvent]: terminal transition, with its cause
//
// Iterations:
//   - [IterationCompletedEvent]: a response was applied to the session
//   - [IterationFailedEvent]: both engines (or the only engine) failed
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publisher's goroutine, so they must not call back
// into the publisher while it holds a lock. A panicking handler is logged
// and does not prevent other handlers from being called.
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//
//	bus.Subscribe(event.TypeSessionStopped, func(e event.Event) {
//	    stopped := e.(event.SessionStoppedEvent)
//	    logger.Info("session stopped", "session_id", stopped.SessionID, "cause", stopped.Cause)
//	})
//
//	id := bus.SubscribeSession("42", handler)
//	defer bus.Unsubscribe(id)
package event
