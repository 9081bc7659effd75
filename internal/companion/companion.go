// Package companion launches and tears down the keystroke sender that polls the
// relay. The companion receives the relay port as its only argument.
package companion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"keyrelay/internal/logging"
)

// DefaultStopTimeout is how long Stop waits after asking the companion to exit
// before killing it.
const DefaultStopTimeout = 5 * time.Second

// DefaultPath returns the companion location relative to the working directory.
func DefaultPath() string {
	name := "KeySender"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join("resources", name)
}

// Process supervises one companion child.
type Process struct {
	logger pslog.Logger

	// StopTimeout overrides DefaultStopTimeout when positive.
	StopTimeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	path    string
	done    chan struct{}
	exitErr error
}

// New creates an idle supervisor.
func New(logger pslog.Logger) *Process {
	return &Process{logger: logging.WithSubsystem(logger, "relay.companion")}
}

// Start resolves path and runs it with port as the sole argument.
func (p *Process) Start(ctx context.Context, path string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && !isClosed(p.done) {
		return ErrAlreadyRunning
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCompanionNotFound, path, err)
	}

	cmd := exec.Command(resolved, strconv.Itoa(port))
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	// Grandchildren may inherit the pipes; stop copying shortly after exit.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return fmt.Errorf("%w: %s: %v", ErrStartFailed, resolved, err)
	}

	logger := p.logger.With("pid", cmd.Process.Pid)
	go p.pump(logger, "stdout", stdoutR)
	go p.pump(logger, "stderr", stderrR)

	done := make(chan struct{})
	p.cmd = cmd
	p.path = resolved
	p.done = done
	p.exitErr = nil
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
		logger.Info("relay.companion.exited", "state", cmd.ProcessState.String())
	}()

	logger.Info("relay.companion.started", "path", resolved, "port", port)
	return nil
}

func (p *Process) pump(logger pslog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info("relay.companion.output", "stream", stream, "line", scanner.Text())
	}
	io.Copy(io.Discard, r)
}

// Done is closed when the current companion exits. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Running reports whether the companion is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !isClosed(p.done)
}

// PID returns the companion's process id, or 0 when it never started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Path returns the resolved executable path of the last start.
func (p *Process) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// ExitErr returns the wait error of an exited companion.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop terminates the companion and every child it spawned, escalating to
// kill after StopTimeout. Stopping an exited or never-started companion is a
// no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || isClosed(done) {
		return nil
	}

	pid := cmd.Process.Pid
	logger := p.logger.With("pid", pid)
	var children []*process.Process
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		logger.Warn("relay.companion.inspect_failed", "error", err)
		cmd.Process.Kill()
	} else {
		children, _ = proc.ChildrenWithContext(ctx)
		for _, child := range children {
			if err := child.TerminateWithContext(ctx); err != nil {
				logger.Debug("relay.companion.child_terminate_failed", "child", child.Pid, "error", err)
			}
		}
		if err := proc.TerminateWithContext(ctx); err != nil {
			logger.Debug("relay.companion.terminate_failed", "error", err)
		}
	}

	timeout := p.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("relay.companion.stopped", "children", len(children))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	logger.Warn("relay.companion.kill", "timeout", timeout.String())
	killCtx := context.WithoutCancel(ctx)
	for _, child := range children {
		if running, _ := child.IsRunningWithContext(killCtx); running {
			child.KillWithContext(killCtx)
		}
	}
	if err := cmd.Process.Kill(); err != nil && !isClosed(done) {
		return fmt.Errorf("companion: kill %d: %w", pid, err)
	}
	<-done
	return ctx.Err()
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
