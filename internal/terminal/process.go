package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// TermEnv is the TERM value exported to every interactive process.
const TermEnv = "xterm-256color"

// SpawnOptions describes the process to start in a new pseudo-terminal.
type SpawnOptions struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Process is a running program attached to a pseudo-terminal.
type Process interface {
	io.Reader
	io.Writer
	PID() int
	Resize(cols, rows uint16) error
	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits. It is called exactly once.
	Wait() (exitCode int, err error)
	// Close releases the terminal. Reads return an error afterwards.
	Close() error
}

// Spawner starts processes. The registry depends on this interface so tests
// can substitute an in-memory process.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts real processes with github.com/creack/pty.
type PTYSpawner struct{}

// Spawn starts opts.Shell in a new PTY of the requested size.
func (PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	if opts.Shell == "" {
		return nil, fmt.Errorf("shell is required")
	}

	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append(os.Environ(), opts.Env...), "TERM="+TermEnv)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, tty: f}, nil
}

type ptyProcess struct {
	cmd       *exec.Cmd
	tty       *os.File
	closeOnce sync.Once
	closeErr  error
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.tty.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.tty.Write(b) }
func (p *ptyProcess) PID() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Signal(sig syscall.Signal) error {
	return signalGroup(p.cmd.Process, sig)
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.tty.Close()
	})
	return p.closeErr
}
