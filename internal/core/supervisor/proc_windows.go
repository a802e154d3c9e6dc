//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

type winSignal int

const (
	sigTerm winSignal = iota
	sigKill
)

func shellCommand() (string, string) {
	return "cmd", "/C"
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalGroup on windows has no graceful stage; both signals kill the process.
func signalGroup(p *os.Process, _ winSignal) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
