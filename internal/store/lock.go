package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nctiggy/nwha/internal/logging"
)

// LockFileName is the lock file created in the data directory by a running
// server.
const LockFileName = "nwha.lock"

// ErrDataDirLocked is returned when another live server owns the data
// directory.
var ErrDataDirLocked = errors.New("data directory is locked by another process")

// Lock is an acquired data directory lock.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireLock takes exclusive ownership of dataDir for this process. A lock
// left by a dead process is removed first.
func AcquireLock(dataDir string, logger *logging.Logger) (*Lock, error) {
	logger = logging.OrNop(logger).WithComponent("lock")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)

	if existing, err := ReadLock(path); err == nil {
		if processAlive(existing.PID) && existing.PID != os.Getpid() {
			logger.Error("failed to acquire lock", "pid", existing.PID, "hostname", existing.Hostname)
			return nil, fmt.Errorf("%w: PID %d on %s", ErrDataDirLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		logger.Warn("stale lock cleaned", "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrDataDirLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrDataDirLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	logger.Info("data directory lock acquired", "pid", lock.PID, "path", path)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := ReadLock(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	l.logger.Info("data directory lock released")
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// ReadLock parses the lock file at path.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.path = path
	lock.logger = logging.NopLogger()
	return &lock, nil
}

// processAlive sends signal 0 to pid.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
