// Package supervisor manages the lifecycle of transient proxy client processes: start, readiness
// detection, and guaranteed termination of the whole process group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

const defaultStopGrace = 3 * time.Second

// State is the lifecycle state of a client process.
type State int

const (
	StateStarting State = iota
	StateReady
	StateStartupTimedOut
	StateStartFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStartupTimedOut:
		return "startup-timed-out"
	case StateStartFailed:
		return "start-failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Supervisor.
type Options struct {
	// StopGrace is how long Stop waits after SIGTERM before escalating to SIGKILL.
	StopGrace time.Duration
}

// Supervisor starts client processes described by a ClientSpec.
type Supervisor struct {
	stopGrace time.Duration
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Supervisor{stopGrace: grace}
}

// Handle is a running (or finished) client process. Stop must be called on every path.
type Handle struct {
	spec      types.ClientSpec
	cmd       *exec.Cmd
	pid       int
	stopGrace time.Duration

	watcher *readinessWatcher

	exited  chan struct{}
	waitErr error

	mu    sync.Mutex
	state State

	stopOnce      sync.Once
	stopErr       error
	cancelWatcher func() bool
}

// Start launches spec.StartCommand through the shell in its own process group.
// Cancelling ctx kills the process group.
func (s *Supervisor) Start(ctx context.Context, spec types.ClientSpec) (*Handle, error) {
	l := logger.WithComponent("Supervisor")

	var pattern *regexp.Regexp
	if spec.ReadyRegex != "" {
		re, err := regexp.Compile(spec.ReadyRegex)
		if err != nil {
			return nil, &types.ProbeError{Kind: types.KindClientStartFailed, Err: fmt.Errorf("invalid ready_regex: %w", err)}
		}
		pattern = re
	}

	if err := ctx.Err(); err != nil {
		return nil, &types.ProbeError{Kind: types.KindProbeCancelled, Err: err}
	}

	shell, flag := shellCommand()
	cmd := exec.Command(shell, flag, spec.StartCommand)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdin = nil

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &types.ProbeError{Kind: types.KindClientStartFailed, Err: fmt.Errorf("failed to create output pipe: %w", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		l.Warn().Err(err).Str("command", spec.StartCommand).Msg("Client process failed to start.")
		return nil, &types.ProbeError{Kind: types.KindClientStartFailed, Err: err}
	}
	// The child holds its own copy of the write end.
	pw.Close()

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stopGrace: s.stopGrace,
		watcher:   newReadinessWatcher(pr, pattern),
		exited:    make(chan struct{}),
		state:     StateStarting,
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	// The callback may run before AfterFunc returns, so the field is only touched under mu.
	h.mu.Lock()
	h.cancelWatcher = context.AfterFunc(ctx, func() {
		l.Debug().Int("pid", h.pid).Msg("Probe context cancelled, stopping client process.")
		_ = h.Stop()
	})
	h.mu.Unlock()

	l.Debug().Int("pid", h.pid).Str("command", spec.StartCommand).Msg("Client process started.")
	return h, nil
}

// PID returns the process id of the shell leading the client's process group.
func (h *Handle) PID() int {
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStopped {
		return
	}
	h.state = s
}

// Output returns the last lines the process printed, for failure details.
func (h *Handle) Output() string {
	return h.watcher.tail()
}

// AwaitReady blocks until the process signals readiness, exits, or timeout elapses.
// On timeout the process is terminated before returning.
func (h *Handle) AwaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var portCheck <-chan time.Time
	if h.watcher.pattern == nil {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		portCheck = ticker.C
	}

	for {
		select {
		case <-h.watcher.matched:
			h.setState(StateReady)
			return nil
		case <-portCheck:
			if portOpen(h.spec.SocksPort) {
				h.setState(StateReady)
				return nil
			}
		case <-h.exited:
			// A client that printed its ready line and then exited still counts as failed.
			h.watcher.waitDrained(200 * time.Millisecond)
			h.setState(StateStartFailed)
			return &types.ProbeError{Kind: types.KindClientStartFailed, Err: h.exitError()}
		case <-timer.C:
			h.setState(StateStartupTimedOut)
			_ = h.Stop()
			return &types.ProbeError{
				Kind: types.KindClientStartupTimedOut,
				Err:  fmt.Errorf("client not ready after %s", timeout),
			}
		case <-ctx.Done():
			_ = h.Stop()
			return &types.ProbeError{Kind: types.KindProbeCancelled, Err: ctx.Err()}
		}
	}
}

// exitError describes why the process exited before becoming ready.
func (h *Handle) exitError() error {
	var exitErr *exec.ExitError
	out := h.watcher.tail()
	if errors.As(h.waitErr, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case 126:
			return fmt.Errorf("permission denied (exit 126): %s", out)
		case 127:
			return fmt.Errorf("executable not found (exit 127): %s", out)
		default:
			return fmt.Errorf("process exited with code %d before ready: %s", code, out)
		}
	}
	if h.waitErr != nil {
		return fmt.Errorf("process exited before ready: %w", h.waitErr)
	}
	return fmt.Errorf("process exited with code 0 before ready: %s", out)
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace period.
// It is idempotent and safe on a nil handle.
func (h *Handle) Stop() error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopErr = h.terminate()
		h.mu.Lock()
		h.state = StateStopped
		cancelWatcher := h.cancelWatcher
		h.mu.Unlock()
		h.watcher.close()
		if cancelWatcher != nil {
			cancelWatcher()
		}
	})
	return h.stopErr
}

func (h *Handle) terminate() error {
	l := logger.WithComponent("Supervisor")

	// The leader may already be gone while other group members survive, so the group is
	// signalled regardless.
	if err := signalGroup(h.cmd.Process, sigTerm); err != nil {
		l.Debug().Err(err).Int("pid", h.pid).Msg("SIGTERM to process group failed.")
	}

	select {
	case <-h.exited:
		// Reap stragglers that ignored SIGTERM but share the group.
		_ = signalGroup(h.cmd.Process, sigKill)
		return nil
	case <-time.After(h.stopGrace):
	}

	l.Warn().Int("pid", h.pid).Dur("grace", h.stopGrace).Msg("Client ignored SIGTERM, escalating to SIGKILL.")
	if err := signalGroup(h.cmd.Process, sigKill); err != nil {
		l.Error().Err(err).Int("pid", h.pid).Msg("SIGKILL to process group failed.")
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(h.stopGrace):
		err := fmt.Errorf("process %d did not exit after SIGKILL", h.pid)
		l.Error().Err(err).Msg("Client process cleanup failed.")
		return err
	}
}
