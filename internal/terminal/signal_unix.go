//go:build unix

package terminal

import (
	"os"
	"syscall"
)

// signalGroup signals the whole process group led by proc. The PTY makes
// the shell a session leader, so its pid is also its group id.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-proc.Pid, sig); err != nil {
		return proc.Signal(sig)
	}
	return nil
}
