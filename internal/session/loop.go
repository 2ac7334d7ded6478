package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nctiggy/nwha/internal/ai"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/event"
	"github.com/nctiggy/nwha/internal/logging"
)

const (
	// MaxRetries is how many times a failed iteration is retried.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime bounds the total time spent retrying one iteration.
	RetryMaxElapsedTime = 5 * time.Minute

	pausePollInterval = 5 * time.Second
)

// Iterator is the part of the Controller the loop drives.
type Iterator interface {
	GetSession(ctx context.Context, id int64) (*Session, error)
	Iterate(ctx context.Context, id int64, prompt string) (ai.Outcome, error)
}

// LoopResult summarizes a finished Run.
type LoopResult struct {
	Iterations int
	Last       ai.Outcome
	Session    *Session
}

// Loop repeats a prompt against a session until the limiter refuses or the
// session stops. Failed iterations are retried with exponential backoff.
// A paused session is waited on until it is resumed or stopped.
type Loop struct {
	sessions   Iterator
	bus        *event.Bus
	logger     *logging.Logger
	newBackOff func() backoff.BackOff
	pollEvery  time.Duration
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopBus wakes paused waits on resume and stop events instead of
// relying on polling alone.
func WithLoopBus(bus *event.Bus) LoopOption {
	return func(l *Loop) { l.bus = bus }
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(logger *logging.Logger) LoopOption {
	return func(l *Loop) { l.logger = logging.OrNop(logger).WithComponent("loop") }
}

// WithBackOff replaces the retry policy. The returned BackOff is wrapped
// with the run context and the retry cap.
func WithBackOff(fn func() backoff.BackOff) LoopOption {
	return func(l *Loop) {
		if fn != nil {
			l.newBackOff = fn
		}
	}
}

// WithPollInterval sets how often a paused session is re-read.
func WithPollInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.pollEvery = d
		}
	}
}

// NewLoop creates a Loop over sessions.
func NewLoop(sessions Iterator, opts ...LoopOption) *Loop {
	l := &Loop{
		sessions:   sessions,
		logger:     logging.NopLogger(),
		newBackOff: defaultBackOff,
		pollEvery:  pausePollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return b
}

// Run drives session id with prompt until it stops. It returns the error
// of the last attempt when an iteration still fails after its retries; the
// session itself keeps running in that case.
func (l *Loop) Run(ctx context.Context, id int64, prompt string) (LoopResult, error) {
	var result LoopResult

	for {
		s, err := l.sessions.GetSession(ctx, id)
		if err != nil {
			return result, err
		}
		result.Session = s

		switch s.Status {
		case StatusStopped:
			return result, nil
		case StatusPaused:
			if err := l.waitWhilePaused(ctx, id); err != nil {
				return result, err
			}
			continue
		}

		outcome, err := l.iterate(ctx, id, prompt)
		switch {
		case err == nil:
			result.Iterations++
			result.Last = outcome
		case errors.Is(err, nwerrors.ErrSessionPaused):
			continue
		case errors.Is(err, nwerrors.ErrSessionStopped), errors.Is(err, nwerrors.ErrIterationLimit):
			if s, getErr := l.sessions.GetSession(ctx, id); getErr == nil {
				result.Session = s
			}
			return result, nil
		default:
			return result, err
		}
	}
}

// iterate runs one iteration, retrying responder failures.
func (l *Loop) iterate(ctx context.Context, id int64, prompt string) (ai.Outcome, error) {
	log := l.logger.WithSession(strconv.FormatInt(id, 10))
	policy := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), MaxRetries), ctx)

	var outcome ai.Outcome
	attempt := 0
	op := func() error {
		attempt++
		out, err := l.sessions.Iterate(ctx, id, prompt)
		if err != nil {
			if retryableIteration(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		outcome = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("iteration failed, retrying",
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error())
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return ai.Outcome{}, err
	}
	return outcome, nil
}

func retryableIteration(err error) bool {
	return errors.Is(err, nwerrors.ErrPrimaryFailed) ||
		errors.Is(err, nwerrors.ErrBothFailed) ||
		nwerrors.IsRetryable(err)
}

// waitWhilePaused blocks until the session is no longer paused.
func (l *Loop) waitWhilePaused(ctx context.Context, id int64) error {
	wake := make(chan struct{}, 1)
	if l.bus != nil {
		subID := l.bus.SubscribeSession(strconv.FormatInt(id, 10), func(ev event.Event) {
			switch ev.EventType() {
			case event.TypeSessionResumed, event.TypeSessionStopped:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		})
		defer l.bus.Unsubscribe(subID)
	}

	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		s, err := l.sessions.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if s.Status != StatusPaused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
