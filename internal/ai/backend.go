package ai

import (
	"fmt"
	"strings"

	"github.com/nctiggy/nwha/internal/config"
)

// BackendName identifies a supported AI engine.
type BackendName string

const (
	BackendClaude BackendName = "claude"
	BackendCodex  BackendName = "codex"
)

// Backend knows how to turn a prompt into an argv for one AI command line tool.
// The prompt is always a single argv element and never passes through a shell.
type Backend interface {
	Name() BackendName
	DisplayName() string
	// Command returns the executable and its arguments for a one-shot,
	// print-only run of prompt.
	Command(prompt string) (string, []string)
}

// ErrUnknownBackend is returned when the configured engine is unsupported.
var ErrUnknownBackend = fmt.Errorf("unknown AI backend")

// NewBackend builds the Backend registered under name.
func NewBackend(name string, cfg config.AIConfig) (Backend, error) {
	switch BackendName(strings.ToLower(name)) {
	case BackendClaude:
		return NewClaudeBackend(cfg.Claude), nil
	case BackendCodex:
		return NewCodexBackend(cfg.Codex), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
}

// ClaudeBackend implements Backend for Claude Code.
type ClaudeBackend struct {
	command         string
	skipPermissions bool
	extraArgs       []string
}

// NewClaudeBackend creates a Claude backend from config.
func NewClaudeBackend(cfg config.EngineConfig) *ClaudeBackend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	return &ClaudeBackend{
		command:         command,
		skipPermissions: cfg.SkipPermissions,
		extraArgs:       cfg.ExtraArgs,
	}
}

func (c *ClaudeBackend) Name() BackendName { return BackendClaude }

func (c *ClaudeBackend) DisplayName() string { return "Claude" }

func (c *ClaudeBackend) Command(prompt string) (string, []string) {
	args := make([]string, 0, len(c.extraArgs)+4)
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, c.extraArgs...)
	// "--" keeps a prompt starting with a dash from being parsed as a flag.
	args = append(args, "-p", "--", prompt)
	return c.command, args
}

// CodexBackend implements Backend for Codex CLI.
type CodexBackend struct {
	command   string
	fullAuto  bool
	extraArgs []string
}

// NewCodexBackend creates a Codex backend from config.
func NewCodexBackend(cfg config.EngineConfig) *CodexBackend {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &CodexBackend{
		command:   command,
		fullAuto:  cfg.SkipPermissions,
		extraArgs: cfg.ExtraArgs,
	}
}

func (c *CodexBackend) Name() BackendName { return BackendCodex }

func (c *CodexBackend) DisplayName() string { return "Codex" }

func (c *CodexBackend) Command(prompt string) (string, []string) {
	args := make([]string, 0, len(c.extraArgs)+4)
	args = append(args, "exec")
	if c.fullAuto {
		args = append(args, "--full-auto")
	}
	args = append(args, c.extraArgs...)
	args = append(args, "--", prompt)
	return c.command, args
}
