package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all nwha configuration
type Config struct {
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Terminal TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Projects ProjectsConfig `mapstructure:"projects" yaml:"projects"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// SessionConfig controls agent session behavior
type SessionConfig struct {
	// MaxIterationsDefault is copied onto every new session (default: 20).
	// Changing it never affects sessions that already exist.
	MaxIterationsDefault int `mapstructure:"max_iterations_default" yaml:"max_iterations_default"`
	// PausedTimeoutMinutes stops sessions left paused this long.
	// 0 disables the policy (default: 0)
	PausedTimeoutMinutes int `mapstructure:"paused_timeout_minutes" yaml:"paused_timeout_minutes"`
}

// AIConfig controls how external AI commands are invoked
type AIConfig struct {
	// Primary is the engine tried first: "claude" or "codex" (default: "claude")
	Primary string `mapstructure:"primary" yaml:"primary"`
	// Secondary is the fallback engine (default: "codex")
	Secondary string `mapstructure:"secondary" yaml:"secondary"`
	// FallbackEnabled controls whether the secondary engine is tried (default: true)
	FallbackEnabled bool `mapstructure:"fallback_enabled" yaml:"fallback_enabled"`
	// CommandTimeoutMs is the wall-clock limit per invocation (default: 120000)
	CommandTimeoutMs int `mapstructure:"command_timeout_ms" yaml:"command_timeout_ms"`
	// MaxOutputBytes caps captured stdout per invocation (default: 10 MiB)
	MaxOutputBytes int64 `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`

	Claude EngineConfig `mapstructure:"claude" yaml:"claude"`
	Codex  EngineConfig `mapstructure:"codex" yaml:"codex"`
}

// EngineConfig configures one AI command line tool
type EngineConfig struct {
	// Command is the executable name or path
	Command string `mapstructure:"command" yaml:"command"`
	// SkipPermissions passes the engine's non-interactive approval flag
	SkipPermissions bool `mapstructure:"skip_permissions" yaml:"skip_permissions"`
	// ExtraArgs are appended before the prompt argument
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// TerminalConfig controls interactive processes attached to sessions
type TerminalConfig struct {
	// Shell is the program spawned in the PTY (default: $SHELL, then /bin/bash)
	Shell string `mapstructure:"shell" yaml:"shell"`
	// Cols and Rows are the initial geometry (default: 80x24)
	Cols int `mapstructure:"cols" yaml:"cols"`
	Rows int `mapstructure:"rows" yaml:"rows"`
	// StopGraceMs is how long a process gets after SIGTERM before SIGKILL (default: 2000)
	StopGraceMs int `mapstructure:"stop_grace_ms" yaml:"stop_grace_ms"`
}

// ProjectsConfig controls where project workspaces live
type ProjectsConfig struct {
	// RootDir holds one directory per owner and project.
	// If empty, defaults to {storage.data_dir}/projects.
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"`
}

// StorageConfig controls persistence
type StorageConfig struct {
	// DataDir holds the sqlite database (default: "./data")
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// ServerConfig controls the HTTP server
type ServerConfig struct {
	// Addr is the listen address (default: ":3000")
	Addr string `mapstructure:"addr" yaml:"addr"`
	// AuthBypass enables the development login endpoint (default: false)
	AuthBypass bool `mapstructure:"auth_bypass" yaml:"auth_bypass"`
	// CORSOrigin is the allowed browser origin (default: "http://localhost:5173")
	CORSOrigin string `mapstructure:"cors_origin" yaml:"cors_origin"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is where nwha.log is written. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxIterationsDefault: 20,
			PausedTimeoutMinutes: 0,
		},
		AI: AIConfig{
			Primary:          "claude",
			Secondary:        "codex",
			FallbackEnabled:  true,
			CommandTimeoutMs: 120000,
			MaxOutputBytes:   10 * 1024 * 1024,
			Claude: EngineConfig{
				Command:         "claude",
				SkipPermissions: true,
			},
			Codex: EngineConfig{
				Command: "codex",
			},
		},
		Terminal: TerminalConfig{
			Shell:       "",
			Cols:        80,
			Rows:        24,
			StopGraceMs: 2000,
		},
		Projects: ProjectsConfig{
			RootDir: "",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			Addr:       ":3000",
			AuthBypass: false,
			CORSOrigin: "http://localhost:5173",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
	}
}

// CommandTimeout returns the per-invocation limit as a time.Duration
func (c *AIConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// StopGrace returns the SIGTERM to SIGKILL window as a time.Duration
func (c *TerminalConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

// ResolveShell returns the configured shell, falling back to $SHELL and then /bin/bash
func (c *TerminalConfig) ResolveShell() string {
	if c.Shell != "" {
		return c.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// PausedTimeout returns the paused expiry window. Zero means disabled.
func (c *SessionConfig) PausedTimeout() time.Duration {
	return time.Duration(c.PausedTimeoutMinutes) * time.Minute
}

// ResolveRootDir returns the projects root directory
func (c *Config) ResolveRootDir() string {
	if c.Projects.RootDir != "" {
		return expandHome(c.Projects.RootDir)
	}
	return filepath.Join(expandHome(c.Storage.DataDir), "projects")
}

// DatabasePath returns the sqlite file inside the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(expandHome(c.Storage.DataDir), "nwha.db")
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// legacyEnv maps config keys to the environment variables used by earlier
// deployments. NWHA_-prefixed variables are handled by viper.AutomaticEnv.
var legacyEnv = map[string][]string{
	"session.max_iterations_default": {"RALPH_MAX_ITERATIONS"},
	"ai.fallback_enabled":            {"CLI_FALLBACK_ENABLED"},
	"ai.primary":                     {"CLI_PRIMARY"},
	"storage.data_dir":               {"DATA_DIR"},
	"server.auth_bypass":             {"AUTH_BYPASS"},
	"server.cors_origin":             {"CORS_ORIGIN"},
	"projects.root_dir":              {"PROJECTS_ROOT"},
	"logging.level":                  {"LOG_LEVEL"},
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Session defaults
	viper.SetDefault("session.max_iterations_default", defaults.Session.MaxIterationsDefault)
	viper.SetDefault("session.paused_timeout_minutes", defaults.Session.PausedTimeoutMinutes)

	// AI defaults
	viper.SetDefault("ai.primary", defaults.AI.Primary)
	viper.SetDefault("ai.secondary", defaults.AI.Secondary)
	viper.SetDefault("ai.fallback_enabled", defaults.AI.FallbackEnabled)
	viper.SetDefault("ai.command_timeout_ms", defaults.AI.CommandTimeoutMs)
	viper.SetDefault("ai.max_output_bytes", defaults.AI.MaxOutputBytes)
	viper.SetDefault("ai.claude.command", defaults.AI.Claude.Command)
	viper.SetDefault("ai.claude.skip_permissions", defaults.AI.Claude.SkipPermissions)
	viper.SetDefault("ai.claude.extra_args", defaults.AI.Claude.ExtraArgs)
	viper.SetDefault("ai.codex.command", defaults.AI.Codex.Command)
	viper.SetDefault("ai.codex.skip_permissions", defaults.AI.Codex.SkipPermissions)
	viper.SetDefault("ai.codex.extra_args", defaults.AI.Codex.ExtraArgs)

	// Terminal defaults
	viper.SetDefault("terminal.shell", defaults.Terminal.Shell)
	viper.SetDefault("terminal.cols", defaults.Terminal.Cols)
	viper.SetDefault("terminal.rows", defaults.Terminal.Rows)
	viper.SetDefault("terminal.stop_grace_ms", defaults.Terminal.StopGraceMs)

	// Projects and storage defaults
	viper.SetDefault("projects.root_dir", defaults.Projects.RootDir)
	viper.SetDefault("storage.data_dir", defaults.Storage.DataDir)

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.auth_bypass", defaults.Server.AuthBypass)
	viper.SetDefault("server.cors_origin", defaults.Server.CORSOrigin)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// BindLegacyEnv binds the pre-NWHA_ environment variables. PORT is mapped
// onto server.addr as ":<port>" when server.addr is not set explicitly.
func BindLegacyEnv() {
	for key, names := range legacyEnv {
		_ = viper.BindEnv(append([]string{key}, names...)...)
	}
	if port := os.Getenv("PORT"); port != "" && os.Getenv("NWHA_SERVER_ADDR") == "" {
		viper.Set("server.addr", ":"+port)
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Live holds the configuration currently in effect. It is swapped
// atomically when the config file changes on disk.
type Live struct {
	cfg atomic.Pointer[Config]
}

// NewLive creates a Live holder seeded with cfg
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Set(cfg)
	return l
}

// Current returns the configuration in effect right now
func (l *Live) Current() *Config {
	if cfg := l.cfg.Load(); cfg != nil {
		return cfg
	}
	return Default()
}

// Set replaces the configuration in effect
func (l *Live) Set(cfg *Config) {
	l.cfg.Store(cfg)
}

// Watch reloads the config file on write and stores the result in l.
// Invalid files are reported through onError and the previous config is kept.
func (l *Live) Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.Set(cfg)
		if onChange != nil {
			onChange(cfg)
		}
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nwha")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nwha"
	}
	return filepath.Join(home, ".config", "nwha")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidEngines returns the list of supported AI engine names
func ValidEngines() []string {
	return []string{"claude", "codex"}
}

// IsValidEngine checks if the given engine name is supported
func IsValidEngine(engine string) bool {
	for _, valid := range ValidEngines() {
		if engine == valid {
			return true
		}
	}
	return false
}
