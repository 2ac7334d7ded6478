//go:build !unix

package terminal

import (
	"os"
	"syscall"
)

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return proc.Kill()
	}
	return proc.Signal(sig)
}
