package ai

import (
	"context"
	"fmt"

	"github.com/nctiggy/nwha/internal/config"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/logging"
)

// Outcome is a successful response and the engine that produced it.
type Outcome struct {
	Text   string `json:"response"`
	Engine string `json:"engine"`
}

// Responder produces a response for a prompt. Coordinator is the
// production implementation; tests substitute fakes.
type Responder interface {
	Respond(ctx context.Context, req Request) (Outcome, error)
}

// Coordinator tries the primary invoker and, when enabled, the secondary
// invoker after a primary failure. It holds no per-call state and is safe
// to share between sessions.
type Coordinator struct {
	primary         Invoker
	secondary       Invoker
	fallbackEnabled bool
	logger          *logging.Logger
}

// NewCoordinator creates a Coordinator. secondary may be nil when
// fallbackEnabled is false.
func NewCoordinator(primary, secondary Invoker, fallbackEnabled bool, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		primary:         primary,
		secondary:       secondary,
		fallbackEnabled: fallbackEnabled && secondary != nil,
		logger:          logging.OrNop(logger).WithComponent("fallback"),
	}
}

// NewCoordinatorFromConfig builds both invokers from cfg.
func NewCoordinatorFromConfig(cfg config.AIConfig, logger *logging.Logger) (*Coordinator, error) {
	primary, err := NewInvokerFromConfig(cfg.Primary, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("primary engine: %w", err)
	}
	var secondary Invoker
	if cfg.FallbackEnabled {
		sec, err := NewInvokerFromConfig(cfg.Secondary, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("secondary engine: %w", err)
		}
		secondary = sec
	}
	return NewCoordinator(primary, secondary, cfg.FallbackEnabled, logger), nil
}

// FallbackEnabled reports whether a secondary engine will be tried.
func (c *Coordinator) FallbackEnabled() bool {
	return c.fallbackEnabled
}

// Respond runs the primary engine, then the secondary engine if the primary
// fails and fallback is enabled.
//
// Errors:
//   - *errors.FallbackError of kind PrimaryFailed when fallback is disabled
//   - *errors.FallbackError of kind BothFailed, primary message first
//   - validation errors are returned as-is and ctx cancellation as
//     errors.ErrCanceled wrapping ctx.Err(), without trying the secondary
//     engine
func (c *Coordinator) Respond(ctx context.Context, req Request) (Outcome, error) {
	text, primaryErr := c.primary.Invoke(ctx, req)
	if primaryErr == nil {
		return Outcome{Text: text, Engine: c.primary.Engine()}, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, canceled(ctx)
	}
	if !eligibleForFallback(ctx, primaryErr) {
		return Outcome{}, primaryErr
	}

	if !c.fallbackEnabled {
		c.logger.Warn("primary engine failed, fallback disabled",
			"engine", c.primary.Engine(), "error", primaryErr.Error())
		return Outcome{}, nwerrors.NewPrimaryFailedError(c.primary.Engine(), primaryErr)
	}

	c.logger.Warn("primary engine failed, trying fallback",
		"primary", c.primary.Engine(),
		"secondary", c.secondary.Engine(),
		"error", primaryErr.Error())

	text, secondaryErr := c.secondary.Invoke(ctx, req)
	if secondaryErr == nil {
		c.logger.Info("fallback engine succeeded", "engine", c.secondary.Engine())
		return Outcome{Text: text, Engine: c.secondary.Engine()}, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, canceled(ctx)
	}

	c.logger.Error("both engines failed",
		"primary_error", primaryErr.Error(),
		"secondary_error", secondaryErr.Error())
	return Outcome{}, nwerrors.NewBothFailedError(
		c.primary.Engine(), primaryErr,
		c.secondary.Engine(), secondaryErr)
}

// canceled marks the caller's cancellation so it is never mistaken for an
// engine failure. errors.Is still matches ctx.Err().
func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", nwerrors.ErrCanceled, ctx.Err())
}

// eligibleForFallback reports whether err is an engine failure rather than
// a caller error or cancellation.
func eligibleForFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if nwerrors.Is(err, nwerrors.ErrEmptyPrompt) {
		return false
	}
	return true
}
