package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "terminal.cols")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Upper bounds that keep a typo from exhausting the host.
const (
	maxIterationsLimit  = 10000
	maxOutputBytesLimit = 1 << 30
	maxTerminalCols     = 1000
	maxTerminalRows     = 500
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateAI()...)
	errors = append(errors, c.validateTerminal()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if c.Session.MaxIterationsDefault < 1 {
		errors = append(errors, ValidationError{
			Field:   "session.max_iterations_default",
			Value:   c.Session.MaxIterationsDefault,
			Message: "must be at least 1",
		})
	} else if c.Session.MaxIterationsDefault > maxIterationsLimit {
		errors = append(errors, ValidationError{
			Field:   "session.max_iterations_default",
			Value:   c.Session.MaxIterationsDefault,
			Message: fmt.Sprintf("exceeds maximum of %d", maxIterationsLimit),
		})
	}

	if c.Session.PausedTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.paused_timeout_minutes",
			Value:   c.Session.PausedTimeoutMinutes,
			Message: "must be non-negative (0 disables the timeout)",
		})
	}

	return errors
}

func (c *Config) validateAI() []ValidationError {
	var errors []ValidationError

	engines := strings.Join(ValidEngines(), ", ")
	if !IsValidEngine(c.AI.Primary) {
		errors = append(errors, ValidationError{
			Field:   "ai.primary",
			Value:   c.AI.Primary,
			Message: fmt.Sprintf("must be one of: %s", engines),
		})
	}
	if !IsValidEngine(c.AI.Secondary) {
		errors = append(errors, ValidationError{
			Field:   "ai.secondary",
			Value:   c.AI.Secondary,
			Message: fmt.Sprintf("must be one of: %s", engines),
		})
	}
	if c.AI.FallbackEnabled && c.AI.Primary == c.AI.Secondary && IsValidEngine(c.AI.Primary) {
		errors = append(errors, ValidationError{
			Field:   "ai.secondary",
			Value:   c.AI.Secondary,
			Message: "must differ from ai.primary when fallback is enabled",
		})
	}

	if c.AI.CommandTimeoutMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "ai.command_timeout_ms",
			Value:   c.AI.CommandTimeoutMs,
			Message: "must be positive",
		})
	}

	if c.AI.MaxOutputBytes < 1 {
		errors = append(errors, ValidationError{
			Field:   "ai.max_output_bytes",
			Value:   c.AI.MaxOutputBytes,
			Message: "must be positive",
		})
	} else if c.AI.MaxOutputBytes > maxOutputBytesLimit {
		errors = append(errors, ValidationError{
			Field:   "ai.max_output_bytes",
			Value:   c.AI.MaxOutputBytes,
			Message: fmt.Sprintf("exceeds maximum of %d", maxOutputBytesLimit),
		})
	}

	if strings.TrimSpace(c.AI.Claude.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "ai.claude.command",
			Value:   c.AI.Claude.Command,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.AI.Codex.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "ai.codex.command",
			Value:   c.AI.Codex.Command,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateTerminal() []ValidationError {
	var errors []ValidationError

	if c.Terminal.Cols < 1 || c.Terminal.Cols > maxTerminalCols {
		errors = append(errors, ValidationError{
			Field:   "terminal.cols",
			Value:   c.Terminal.Cols,
			Message: fmt.Sprintf("must be between 1 and %d", maxTerminalCols),
		})
	}
	if c.Terminal.Rows < 1 || c.Terminal.Rows > maxTerminalRows {
		errors = append(errors, ValidationError{
			Field:   "terminal.rows",
			Value:   c.Terminal.Rows,
			Message: fmt.Sprintf("must be between 1 and %d", maxTerminalRows),
		})
	}
	if c.Terminal.StopGraceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "terminal.stop_grace_ms",
			Value:   c.Terminal.StopGraceMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.data_dir",
			Value:   c.Storage.DataDir,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Server.Addr) == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
