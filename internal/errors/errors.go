// Package errors provides centralized error definitions and error handling utilities
// for nwha. It defines domain-specific errors, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - SessionError: errors raised by the session lifecycle controller
//   - ProcessError: errors raised by the interactive process registry
//   - InvocationError: a single AI command invocation failed
//   - FallbackError: the primary (and possibly secondary) engine failed
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewSessionError("pause failed", errors.ErrSessionNotFound).WithSessionID("42")
//	if errors.Is(err, errors.ErrSessionNotFound) { ... }
//
//	var inv *errors.InvocationError
//	if errors.As(err, &inv) && inv.Kind == errors.KindTimeout { ... }
//
// # Error Classification
//
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session id is unknown.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidTransition indicates a status change the state machine does not allow.
	ErrInvalidTransition = New("invalid session transition")
	// ErrSessionPaused indicates that a paused session may not advance iterations.
	ErrSessionPaused = New("session is paused")
	// ErrSessionStopped indicates that the session has reached its terminal state.
	ErrSessionStopped = New("session is stopped")
	// ErrIterationLimit indicates that the limiter refused another iteration.
	ErrIterationLimit = New("iteration limit reached")
)

// Project-related sentinel errors
var (
	// ErrProjectNotFound indicates that a project does not exist for the caller.
	ErrProjectNotFound = New("project not found")
	// ErrProjectExists indicates a project slug collision for the same owner.
	ErrProjectExists = New("project already exists")
)

// Invocation-related sentinel errors
var (
	// ErrEmptyPrompt indicates that an invocation was attempted with no prompt text.
	ErrEmptyPrompt = New("prompt must not be empty")
	// ErrCommandFailed indicates the external command exited non-zero or could not start.
	ErrCommandFailed = New("command failed")
	// ErrOutputTooLarge indicates the external command produced more output than allowed.
	ErrOutputTooLarge = New("command output too large")
	// ErrPrimaryFailed indicates the primary engine failed and fallback was disabled.
	ErrPrimaryFailed = New("primary engine failed")
	// ErrBothFailed indicates both the primary and the secondary engine failed.
	ErrBothFailed = New("both engines failed")
)

// Process-related sentinel errors
var (
	// ErrProcessSpawn indicates that an interactive process could not be started.
	ErrProcessSpawn = New("failed to spawn process")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// DomainError is the base interface for all nwha errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type DomainError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SessionError represents errors raised by the session lifecycle controller.
//
// Example:
//
//	err := errors.NewSessionError("pause failed", errors.ErrSessionNotFound).WithSessionID("42")
//	fmt.Println(err) // "session error [session=42]: pause failed: session not found"
type SessionError struct {
	baseError
	SessionID string
	Status    string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithStatus records the session status at the time of the failure.
func (e *SessionError) WithStatus(status string) *SessionError {
	e.Status = status
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProcessError represents errors related to interactive process handles.
//
// Example:
//
//	err := errors.NewProcessError("spawn failed", cause).WithSessionKey("session-7")
type ProcessError struct {
	baseError
	SessionKey string
	PID        int
}

// NewProcessError creates a new ProcessError.
func NewProcessError(message string, cause error) *ProcessError {
	return &ProcessError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
	}
}

// WithSessionKey adds the registry key to the error context.
func (e *ProcessError) WithSessionKey(key string) *ProcessError {
	e.SessionKey = key
	return e
}

// WithPID adds the native process id to the error context.
func (e *ProcessError) WithPID(pid int) *ProcessError {
	e.PID = pid
	return e
}

// Error returns the formatted error message.
func (e *ProcessError) Error() string {
	var parts []string
	if e.SessionKey != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.SessionKey))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}

	prefix := "process error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("process error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProcessError) Is(target error) bool {
	if _, ok := target.(*ProcessError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InvocationKind classifies why a single command invocation failed.
type InvocationKind int

const (
	// KindCommandFailed means the command could not start or exited non-zero.
	KindCommandFailed InvocationKind = iota
	// KindTimeout means the command exceeded its wall-clock limit.
	KindTimeout
	// KindOutputTooLarge means the command exceeded its captured-output limit.
	KindOutputTooLarge
)

// String returns the string representation of the invocation kind.
func (k InvocationKind) String() string {
	switch k {
	case KindCommandFailed:
		return "command_failed"
	case KindTimeout:
		return "timeout"
	case KindOutputTooLarge:
		return "output_too_large"
	default:
		return "unknown"
	}
}

// InvocationError represents one failed run of an external AI command.
// All kinds are retryable: they make the call eligible for fallback.
type InvocationError struct {
	baseError
	Kind       InvocationKind
	Engine     string
	Diagnostic string
	Limit      string
}

// NewCommandFailedError creates an InvocationError for a failed command.
// The diagnostic is the command's stderr or the spawn error text.
func NewCommandFailedError(engine, diagnostic string, cause error) *InvocationError {
	return &InvocationError{
		baseError: baseError{
			message:    "command failed",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Kind:       KindCommandFailed,
		Engine:     engine,
		Diagnostic: strings.TrimSpace(diagnostic),
	}
}

// NewInvocationTimeoutError creates an InvocationError for a command that ran too long.
func NewInvocationTimeoutError(engine string, timeout time.Duration) *InvocationError {
	return &InvocationError{
		baseError: baseError{
			message:    "command timed out",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Kind:   KindTimeout,
		Engine: engine,
		Limit:  timeout.String(),
	}
}

// NewOutputTooLargeError creates an InvocationError for output beyond maxBytes.
func NewOutputTooLargeError(engine string, maxBytes int64) *InvocationError {
	return &InvocationError{
		baseError: baseError{
			message:    "command output too large",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Kind:   KindOutputTooLarge,
		Engine: engine,
		Limit:  fmt.Sprintf("%d bytes", maxBytes),
	}
}

// Error returns the formatted error message.
func (e *InvocationError) Error() string {
	engine := e.Engine
	if engine == "" {
		engine = "command"
	}
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s timed out after %s", engine, e.Limit)
	case KindOutputTooLarge:
		return fmt.Sprintf("%s output exceeded %s", engine, e.Limit)
	default:
		if e.Diagnostic != "" {
			return fmt.Sprintf("%s command failed: %s", engine, e.Diagnostic)
		}
		if e.cause != nil {
			return fmt.Sprintf("%s command failed: %v", engine, e.cause)
		}
		return fmt.Sprintf("%s command failed", engine)
	}
}

// Is checks if this error matches the target.
func (e *InvocationError) Is(target error) bool {
	if _, ok := target.(*InvocationError); ok {
		return true
	}
	switch {
	case target == ErrCommandFailed:
		return e.Kind == KindCommandFailed
	case target == ErrTimeout:
		return e.Kind == KindTimeout
	case target == ErrOutputTooLarge:
		return e.Kind == KindOutputTooLarge
	}
	return e.baseError.Is(target)
}

// FallbackKind classifies a terminal fallback coordinator failure.
type FallbackKind int

const (
	// KindPrimaryFailed means the primary failed and fallback was disabled.
	KindPrimaryFailed FallbackKind = iota
	// KindBothFailed means the primary and the secondary both failed.
	KindBothFailed
)

// FallbackError is returned by the fallback coordinator. It is surfaced to
// the caller of an iteration and never changes session state.
//
// Example:
//
//	err := errors.NewBothFailedError("claude", primaryErr, "codex", secondaryErr)
//	fmt.Println(err) // "both claude and codex failed. claude: A, codex: B"
type FallbackError struct {
	baseError
	Kind            FallbackKind
	PrimaryEngine   string
	SecondaryEngine string
	PrimaryErr      error
	SecondaryErr    error
}

// NewPrimaryFailedError creates a FallbackError for a primary-only failure.
func NewPrimaryFailedError(engine string, cause error) *FallbackError {
	return &FallbackError{
		baseError: baseError{
			message:    "primary engine failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Kind:          KindPrimaryFailed,
		PrimaryEngine: engine,
		PrimaryErr:    cause,
	}
}

// NewBothFailedError creates a FallbackError carrying both engine failures.
func NewBothFailedError(primary string, primaryErr error, secondary string, secondaryErr error) *FallbackError {
	return &FallbackError{
		baseError: baseError{
			message:    "both engines failed",
			cause:      Join(primaryErr, secondaryErr),
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Kind:            KindBothFailed,
		PrimaryEngine:   primary,
		SecondaryEngine: secondary,
		PrimaryErr:      primaryErr,
		SecondaryErr:    secondaryErr,
	}
}

// Error returns the formatted error message. For BothFailed the primary
// message always precedes the secondary message.
func (e *FallbackError) Error() string {
	if e.Kind == KindBothFailed {
		return fmt.Sprintf("both %s and %s failed. %s: %v, %s: %v",
			e.PrimaryEngine, e.SecondaryEngine,
			e.PrimaryEngine, e.PrimaryErr,
			e.SecondaryEngine, e.SecondaryErr)
	}
	return fmt.Sprintf("%s failed: %v", e.PrimaryEngine, e.PrimaryErr)
}

// Is checks if this error matches the target.
func (e *FallbackError) Is(target error) bool {
	if _, ok := target.(*FallbackError); ok {
		return true
	}
	switch {
	case target == ErrPrimaryFailed:
		return e.Kind == KindPrimaryFailed
	case target == ErrBothFailed:
		return e.Kind == KindBothFailed
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "42").WithCause(errors.ErrSessionNotFound)
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var domainErr DomainError
	if As(err, &domainErr) {
		return domainErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var domainErr DomainError
	if As(err, &domainErr) {
		return domainErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement DomainError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var domainErr DomainError
	if As(err, &domainErr) {
		return domainErr.Severity()
	}
	return SeverityError
}

// IsNotFound reports whether err means a session or project lookup missed.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return As(err, &notFound) || Is(err, ErrSessionNotFound) || Is(err, ErrProjectNotFound)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
