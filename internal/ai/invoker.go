package ai

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/nctiggy/nwha/internal/config"
	nwerrors "github.com/nctiggy/nwha/internal/errors"
	"github.com/nctiggy/nwha/internal/logging"
)

const (
	// DefaultTimeout is the wall-clock limit for one invocation.
	DefaultTimeout = 120 * time.Second
	// DefaultMaxOutputBytes caps the captured stdout of one invocation.
	DefaultMaxOutputBytes int64 = 10 * 1024 * 1024

	maxDiagnosticBytes = 64 * 1024
	waitDelay          = 2 * time.Second
)

// Request is a single prompt to run through an AI command.
type Request struct {
	Prompt string
	// Dir is the working directory of the command. Empty means the
	// server's working directory.
	Dir string
}

// Invoker runs one external AI command per call.
type Invoker interface {
	Engine() string
	Invoke(ctx context.Context, req Request) (string, error)
}

// CommandInvoker runs a Backend's command line with a timeout and an
// output cap. Each call spawns exactly one process group, which is killed
// when the call ends early.
type CommandInvoker struct {
	backend   Backend
	timeout   time.Duration
	maxOutput int64
	logger    *logging.Logger
}

// NewCommandInvoker creates an invoker. Non-positive limits fall back to
// DefaultTimeout and DefaultMaxOutputBytes.
func NewCommandInvoker(backend Backend, timeout time.Duration, maxOutput int64, logger *logging.Logger) *CommandInvoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &CommandInvoker{
		backend:   backend,
		timeout:   timeout,
		maxOutput: maxOutput,
		logger:    logging.OrNop(logger).WithComponent("invoker").WithEngine(string(backend.Name())),
	}
}

// NewInvokerFromConfig builds the invoker for the named engine.
func NewInvokerFromConfig(name string, cfg config.AIConfig, logger *logging.Logger) (*CommandInvoker, error) {
	backend, err := NewBackend(name, cfg)
	if err != nil {
		return nil, err
	}
	return NewCommandInvoker(backend, cfg.CommandTimeout(), cfg.MaxOutputBytes, logger), nil
}

// Engine returns the backend name.
func (i *CommandInvoker) Engine() string {
	return string(i.backend.Name())
}

// Invoke runs the command once and returns its trimmed stdout.
//
// Failures are *errors.InvocationError values of kind CommandFailed,
// Timeout or OutputTooLarge. Cancellation of ctx is returned as ctx.Err().
// A panic inside the call is reported as CommandFailed.
func (i *CommandInvoker) Invoke(ctx context.Context, req Request) (text string, err error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", nwerrors.NewValidationError("prompt must not be empty").
			WithField("prompt").
			WithCause(nwerrors.ErrEmptyPrompt)
	}

	var pc panics.Catcher
	pc.Try(func() {
		text, err = i.run(ctx, req)
	})
	if r := pc.Recovered(); r != nil {
		i.logger.Error("invocation panicked", "panic", r.String())
		return "", nwerrors.NewCommandFailedError(i.Engine(), "", r.AsError())
	}
	return text, err
}

func (i *CommandInvoker) run(parent context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(parent, i.timeout)
	defer cancel()

	name, args := i.backend.Command(req.Prompt)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = req.Dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdout := &cappedBuffer{limit: i.maxOutput, onOverflow: cancel}
	stderr := &cappedBuffer{limit: maxDiagnosticBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	i.logger.Debug("invoking command", "command", name, "dir", req.Dir, "prompt_len", len(req.Prompt))

	runErr := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case stdout.Overflowed():
		i.logger.Warn("command output exceeded limit", "limit_bytes", i.maxOutput, "duration_ms", elapsed.Milliseconds())
		return "", nwerrors.NewOutputTooLargeError(i.Engine(), i.maxOutput)
	case parent.Err() != nil:
		return "", parent.Err()
	case ctx.Err() == context.DeadlineExceeded:
		i.logger.Warn("command timed out", "timeout", i.timeout.String())
		return "", nwerrors.NewInvocationTimeoutError(i.Engine(), i.timeout)
	case runErr != nil:
		diag := stderr.String()
		i.logger.Warn("command failed", "error", runErr.Error(), "stderr", diag, "duration_ms", elapsed.Milliseconds())
		return "", nwerrors.NewCommandFailedError(i.Engine(), diag, runErr)
	}

	i.logger.Debug("command completed", "output_bytes", stdout.Len(), "duration_ms", elapsed.Milliseconds())
	return strings.TrimSpace(stdout.String()), nil
}

// cappedBuffer keeps at most limit bytes. Writes past the limit are dropped,
// the buffer is marked overflowed and onOverflow is called once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflowed {
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) <= room {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.overflowed = true
	if b.onOverflow != nil {
		b.onOverflow()
	}
	return len(p), nil
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
