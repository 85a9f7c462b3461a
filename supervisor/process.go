// Package supervisor spawns agent CLI processes and owns their lifecycle.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a key already owns a live process
	ErrAlreadyRunning = errors.New("process already running")

	// ErrExited is returned when writing to a process that has exited
	ErrExited = errors.New("process exited")
)

// Grace periods used by Kill
var (
	StdinGrace  = 500 * time.Millisecond
	SignalGrace = 500 * time.Millisecond
)

// Spec describes how to launch a process
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
	Label   string   // used in log lines
}

// Process is a supervised child. Done is closed exactly once when it exits.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	writeMu sync.Mutex

	mu      sync.Mutex
	exited  bool
	exitErr error
	onExit  []func(error)

	done     chan struct{}
	killOnce sync.Once
}

// Start launches the process. Lookup and permission failures are returned here.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = time.Second
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &stderrLogger{label: spec.Label}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	// the child holds its own copy
	stdoutW.Close()

	p := &Process{
		spec:   spec,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		done:   make(chan struct{}),
	}
	go p.wait()

	slog.Debug("process started", "label", spec.Label, "pid", cmd.Process.Pid, "command", spec.Command)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	callbacks := p.onExit
	p.onExit = nil
	p.mu.Unlock()

	close(p.done)
	slog.Debug("process exited", "label", p.spec.Label, "error", err)

	for _, fn := range callbacks {
		fn(err)
	}
}

// Pid returns the OS process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin returns the write end of the child's stdin
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout returns the read end of the child's stdout
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Write sends bytes to the child's stdin
func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrExited
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Write(b)
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the wait error once the process has exited
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// OnExit registers fn to run once after exit. If the process already exited
// fn runs immediately.
func (p *Process) OnExit(fn func(error)) {
	p.mu.Lock()
	if p.exited {
		err := p.exitErr
		p.mu.Unlock()
		fn(err)
		return
	}
	p.onExit = append(p.onExit, fn)
	p.mu.Unlock()
}

// Kill stops the process: close stdin, then SIGINT the group, then SIGKILL.
// Safe to call repeatedly and on an exited process.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.stdin.Close()
		if p.waitFor(StdinGrace) {
			p.stdout.Close()
			return
		}
		_ = signalGroup(p.cmd.Process, syscall.SIGINT)
		if p.waitFor(SignalGrace) {
			p.stdout.Close()
			return
		}
		_ = killGroup(p.cmd.Process)
		p.waitFor(SignalGrace)
		p.stdout.Close()
	})
}

func (p *Process) waitFor(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

// stderrLogger forwards agent stderr to slog line by line
type stderrLogger struct {
	label string
	buf   []byte
}

func (l *stderrLogger) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			slog.Debug("agent stderr", "label", l.label, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(b), nil
}
