//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

func shellCommand() (string, string) {
	return "/bin/sh", "-c"
}

func sysProcAttr() *syscall.SysProcAttr {
	// New process group to manage the shell and its children as a unit
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the group led by p.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
