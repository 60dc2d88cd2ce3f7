//go:build unix

package services

import (
	"errors"
	"os"
	"syscall"
)

// killProcessGroup signals the whole group so jobs started from the shell
// die with it. The pty makes the shell a session leader, so pgid == pid.
func killProcessGroup(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return p.Kill()
}
