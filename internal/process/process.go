package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Process is the handle of one run of a spec. It owns the only cmd.Wait call:
// a monitor goroutine reaps the child and closes Done, so Stop/Kill callers
// wait on Done instead of racing os/exec internals.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	exited    bool
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	waitDone chan struct{} // closed by the monitor when cmd.Wait returns
}

// Info is a point-in-time copy of the run's bookkeeping.
type Info struct {
	PID       int
	Running   bool
	StartedAt time.Time
	StoppedAt time.Time
	ExitErr   error
}

// Details are OS-level figures about a live process.
type Details struct {
	RSSBytes  uint64    `json:"rss_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func New(spec Spec) *Process {
	return &Process{spec: spec, waitDone: make(chan struct{})}
}

// Start spawns the executable and attaches the monitor. A Process can only be started once.
func (r *Process) Start() error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return errors.New("process already started")
	}
	r.mu.Unlock()

	cmd := r.spec.BuildCommand(nil)
	if r.spec.Log.Enabled() {
		outW, errW, err := r.spec.Log.Writers(r.spec.Name)
		if err != nil {
			return err
		}
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
		r.mu.Lock()
		r.outCloser, r.errCloser = outW, errW
		r.mu.Unlock()
	}

	if err := cmd.Start(); err != nil {
		r.closeWriters()
		return err
	}

	r.mu.Lock()
	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.startedAt = time.Now()
	r.mu.Unlock()

	go r.monitor(cmd)
	return nil
}

func (r *Process) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()
	r.mu.Lock()
	r.exited = true
	r.exitErr = err
	r.stoppedAt = time.Now()
	r.mu.Unlock()
	r.closeWriters()
	close(r.waitDone)
}

// Done is closed once the process has exited and been reaped.
func (r *Process) Done() <-chan struct{} { return r.waitDone }

// ExitErr is the error returned by cmd.Wait; nil for a clean exit or while running.
func (r *Process) ExitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

// PID returns the OS process id, 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Snapshot returns a copy of the current bookkeeping.
func (r *Process) Snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		PID:       r.pid,
		Running:   r.cmd != nil && !r.exited,
		StartedAt: r.startedAt,
		StoppedAt: r.stoppedAt,
		ExitErr:   r.exitErr,
	}
}

// Alive reports whether the process has been started, not yet reaped, and is
// still known to the OS.
func (r *Process) Alive() bool {
	info := r.Snapshot()
	if !info.Running || info.PID <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(info.PID))
	return err == nil && ok
}

// Details queries the OS for resource figures of the running process.
func (r *Process) Details(ctx context.Context) (Details, error) {
	pid := r.PID()
	if pid <= 0 {
		return Details{}, errors.New("process not started")
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Details{}, err
	}
	var d Details
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		d.RSSBytes = mem.RSS
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		d.CreatedAt = time.UnixMilli(ms)
	}
	return d, nil
}

// Terminate asks the process (group) to exit. On Windows this is a forced termination.
func (r *Process) Terminate() error {
	pid := r.PID()
	if pid <= 0 {
		return nil
	}
	return terminateProcess(pid)
}

// Kill forcibly terminates the process (group).
func (r *Process) Kill() error {
	pid := r.PID()
	if pid <= 0 {
		return nil
	}
	return killProcess(pid)
}

// TerminatePID asks a process this package did not spawn to exit, such as a
// kernel left behind by an earlier daemon. On Unix its group is signalled.
func TerminatePID(pid int) error {
	if pid <= 0 {
		return nil
	}
	return terminateProcess(pid)
}

// KillPID forcibly terminates a process this package did not spawn.
func KillPID(pid int) error {
	if pid <= 0 {
		return nil
	}
	return killProcess(pid)
}

// WaitTimeout waits up to d for the monitor to reap the process. It reports
// whether the process exited in time.
func (r *Process) WaitTimeout(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-r.waitDone:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.waitDone:
		return true
	case <-t.C:
		return false
	}
}

func (r *Process) closeWriters() {
	r.mu.Lock()
	out, errW := r.outCloser, r.errCloser
	r.outCloser, r.errCloser = nil, nil
	r.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Output runs the spec to completion under ctx and returns its stdout and stderr.
func Output(ctx context.Context, spec Spec) ([]byte, []byte, error) {
	cmd := spec.BuildCommand(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
