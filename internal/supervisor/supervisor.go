package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/kernelkeeper/internal/detector"
	"github.com/loykin/kernelkeeper/internal/history"
	"github.com/loykin/kernelkeeper/internal/logger"
	"github.com/loykin/kernelkeeper/internal/metrics"
	"github.com/loykin/kernelkeeper/internal/process"
)

const (
	DefaultStopTimeout    = 5 * time.Second
	DefaultVersionTimeout = 5 * time.Second
	historyTimeout        = 5 * time.Second
)

// Config describes the kernel the supervisor owns.
type Config struct {
	Name           string   // label used in logs, history and log file names
	Binary         string   // absolute path of the kernel executable
	Args           []string // arguments for a normal run
	WorkDir        string
	Env            []string
	StopTimeout    time.Duration // bound on waiting for exit after termination
	StartupGrace   time.Duration // an exit within this window fails Start
	VersionTimeout time.Duration
	PIDFile        string // records the running kernel; empty disables stale kernel reaping
	Log            logger.FileConfig
}

// run is one spawned kernel process. requested is guarded by Supervisor.mu.
type run struct {
	proc      *process.Process
	pid       int
	spawnedAt time.Time
	requested bool
	watched   chan struct{} // closed after the exit transition was applied
}

// Supervisor owns at most one kernel process.
//
// Lock Hierarchy (to prevent deadlocks):
//  1. opMu - serializes Start/Stop/Restart/Shutdown
//  2. notifyMu - orders transitions together with their observer callbacks
//  3. mu - guards state, cur and lastErr; held only for field updates
//
// State Machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Running -> Crashed (unexpected exit); Crashed -> Starting (Start)
type Supervisor struct {
	cfg Config
	log *slog.Logger

	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	cur     *run
	lastErr string

	notifyMu sync.Mutex

	hookMu    sync.RWMutex
	observers []func(Transition)
	history   []history.Sink
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a supervisor in the stopped state.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "kernel"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = DefaultVersionTimeout
	}
	s := &Supervisor{cfg: cfg, log: slog.Default(), state: StateStopped}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("kernel", cfg.Name)
	metrics.SetCurrentState(string(StateStopped), true)
	return s
}

// SetHistory configures history sinks (thread-safe)
func (s *Supervisor) SetHistory(sinks ...history.Sink) {
	s.hookMu.Lock()
	s.history = append([]history.Sink(nil), sinks...)
	s.hookMu.Unlock()
}

// OnTransition registers fn to be called after every state change, in order.
// fn must not call Start, Stop or Restart.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.observers = append(s.observers, fn)
	s.hookMu.Unlock()
}

// Config returns the configuration the supervisor was built with.
func (s *Supervisor) Config() Config { return s.cfg }

// Status returns the current snapshot. It only waits on the status lock.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{State: s.state}
	if s.state.attached() && s.cur != nil {
		pid := s.cur.pid
		st.PID = &pid
	}
	if s.lastErr != "" {
		msg := s.lastErr
		st.LastError = &msg
	}
	return st
}

// Details reports OS-level figures for the attached kernel process.
func (s *Supervisor) Details(ctx context.Context) (process.Details, error) {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return process.Details{}, ErrNotRunning
	}
	d, err := r.proc.Details(ctx)
	if err != nil {
		return process.Details{}, err
	}
	metrics.SetKernelRSS(d.RSSBytes)
	return d, nil
}

func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start()
}

func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop()
}

// Restart stops then starts the kernel as one operation. A failed stop is
// returned as is and no start is attempted.
func (s *Supervisor) Restart() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stop(); err != nil {
		return err
	}
	return s.start()
}

// Shutdown stops an attached kernel, escalating to a kill when termination
// times out. It is a no-op when nothing is attached.
func (s *Supervisor) Shutdown() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	err := s.stop()
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	if errors.Is(err, ErrStopTimeout) {
		s.log.Warn("kernel ignored termination, killing")
		err = s.stop()
	}
	return err
}

func (s *Supervisor) start() error {
	s.mu.Lock()
	attached := s.state.attached()
	s.mu.Unlock()
	if attached {
		return ErrAlreadyRunning
	}

	path, err := s.locate()
	if err != nil {
		s.recordError(err)
		return err
	}
	s.reapStale()

	proc := process.New(process.Spec{
		Name:    s.cfg.Name,
		Path:    path,
		Args:    s.cfg.Args,
		WorkDir: s.cfg.WorkDir,
		Env:     s.cfg.Env,
		Log:     s.cfg.Log,
	})
	if err := proc.Start(); err != nil {
		serr := &SpawnError{Reason: err.Error()}
		s.recordError(serr)
		s.log.Error("kernel spawn failed", "path", path, "error", err)
		return serr
	}

	r := &run{proc: proc, pid: proc.PID(), spawnedAt: time.Now(), watched: make(chan struct{})}
	if s.cfg.PIDFile != "" {
		if err := (detector.PIDFile{Path: s.cfg.PIDFile}).Write(r.pid); err != nil {
			s.log.Warn("write pid file", "path", s.cfg.PIDFile, "error", err)
		}
	}
	s.update(func() (State, bool) {
		s.cur = r
		return StateStarting, true
	})
	go s.watch(r)

	if s.cfg.StartupGrace > 0 && proc.WaitTimeout(s.cfg.StartupGrace) {
		return s.earlyExit(r)
	}
	running := s.update(func() (State, bool) {
		if s.cur != r || s.state != StateStarting {
			return "", false
		}
		s.lastErr = ""
		return StateRunning, true
	})
	if !running {
		return s.earlyExit(r)
	}
	metrics.IncStart()
	metrics.ObserveStartDuration(time.Since(r.spawnedAt).Seconds())
	s.log.Info("kernel started", "pid", r.pid)
	return nil
}

// earlyExit turns an exit observed before the running transition into a start failure.
func (s *Supervisor) earlyExit(r *run) error {
	<-r.watched
	serr := &SpawnError{Reason: "exited during startup: " + exitReason(r.proc.ExitErr())}
	s.recordError(serr)
	s.log.Error("kernel exited during startup", "pid", r.pid, "error", serr.Reason)
	return serr
}

func (s *Supervisor) stop() error {
	var (
		r        *run
		escalate bool
	)
	s.update(func() (State, bool) {
		if s.cur == nil || (s.state != StateRunning && s.state != StateStopping) {
			return "", false
		}
		r = s.cur
		r.requested = true
		// a second Stop while stopping retries with a kill
		escalate = s.state == StateStopping
		return StateStopping, !escalate
	})
	if r == nil {
		return ErrNotRunning
	}

	var err error
	if escalate {
		s.log.Warn("kernel still stopping, sending kill", "pid", r.pid)
		err = r.proc.Kill()
	} else {
		err = r.proc.Terminate()
	}
	if err != nil {
		s.log.Warn("signal kernel", "pid", r.pid, "error", err)
	}

	if !r.proc.WaitTimeout(s.cfg.StopTimeout) {
		s.recordError(ErrStopTimeout)
		s.log.Error("kernel stop timed out", "pid", r.pid, "timeout", s.cfg.StopTimeout)
		return ErrStopTimeout
	}
	<-r.watched
	s.log.Info("kernel stopped", "pid", r.pid)
	return nil
}

// watch is the single exit observer of a run.
func (s *Supervisor) watch(r *run) {
	<-r.proc.Done()
	exitErr := r.proc.ExitErr()
	if s.cfg.PIDFile != "" {
		// removed before the transition so a following Start cannot lose its file
		_ = detector.PIDFile{Path: s.cfg.PIDFile}.Remove()
	}
	s.update(func() (State, bool) {
		if s.cur != r {
			return "", false
		}
		s.cur = nil
		if r.requested {
			return StateStopped, true
		}
		s.lastErr = "kernel exited unexpectedly: " + exitReason(exitErr)
		return StateCrashed, true
	})
	close(r.watched)
}

// update applies fn under the status lock. fn returns the target state and
// whether a transition happens; observers are notified in transition order.
func (s *Supervisor) update(fn func() (State, bool)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	from := s.state
	to, ok := fn()
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.state = to
	snap := s.statusLocked()
	s.mu.Unlock()

	s.notify(Transition{From: from, To: to, Status: snap})
	return true
}

func (s *Supervisor) notify(t Transition) {
	metrics.RecordStateTransition(string(t.From), string(t.To))
	metrics.SetCurrentState(string(t.From), false)
	metrics.SetCurrentState(string(t.To), true)
	switch t.To {
	case StateStopped:
		metrics.IncStop()
	case StateCrashed:
		metrics.IncCrash()
		s.log.Warn("kernel crashed", "error", deref(t.Status.LastError))
	}

	s.hookMu.RLock()
	observers := append(([]func(Transition))(nil), s.observers...)
	sinks := append([]history.Sink(nil), s.history...)
	s.hookMu.RUnlock()

	if len(sinks) > 0 {
		if evt, ok := s.historyEvent(t); ok {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
				defer cancel()
				if err := history.Broadcast(ctx, sinks, evt); err != nil {
					s.log.Warn("history export failed", "event", evt.Type, "error", err)
				}
			}()
		}
	}
	for _, fn := range observers {
		fn(t)
	}
}

func (s *Supervisor) historyEvent(t Transition) (history.Event, bool) {
	var typ history.EventType
	switch t.To {
	case StateRunning:
		typ = history.EventStart
	case StateStopped:
		typ = history.EventStop
	case StateCrashed:
		typ = history.EventCrash
	default:
		return history.Event{}, false
	}
	rec := history.Record{Name: s.cfg.Name, State: string(t.To), Error: deref(t.Status.LastError)}
	if t.Status.PID != nil {
		rec.PID = *t.Status.PID
	}
	if typ != history.EventCrash {
		rec.Error = ""
	}
	return history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}, true
}

// reapStale stops a kernel recorded in the pid file by an earlier daemon, which
// would otherwise hold the ports the new kernel needs.
func (s *Supervisor) reapStale() {
	if s.cfg.PIDFile == "" {
		return
	}
	pf := detector.PIDFile{Path: s.cfg.PIDFile}
	pid, err := pf.Alive()
	switch {
	case errors.Is(err, detector.ErrUnverified):
		s.log.Warn("cannot confirm recorded kernel, leaving it alone", "path", pf.Path, "error", err)
	case err != nil:
		s.log.Warn("read pid file", "path", pf.Path, "error", err)
	}
	if pid > 0 {
		s.log.Warn("stopping kernel left by a previous run", "pid", pid)
		if err := process.TerminatePID(pid); err != nil {
			s.log.Warn("signal stale kernel", "pid", pid, "error", err)
		}
		if !waitGone(pf, s.cfg.StopTimeout) {
			_ = process.KillPID(pid)
			if !waitGone(pf, time.Second) {
				s.log.Error("stale kernel survived kill", "pid", pid)
			}
		}
	}
	_ = pf.Remove()
}

func waitGone(pf detector.PIDFile, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if pid, _ := pf.Alive(); pid == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// locate checks that the configured binary exists and is a regular file.
func (s *Supervisor) locate() (string, error) {
	path := s.cfg.Binary
	if path == "" {
		return "", fmt.Errorf("%w: no binary configured", ErrKernelNotFound)
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrKernelNotFound, path)
	case err != nil:
		return "", &SpawnError{Reason: err.Error()}
	case fi.IsDir():
		return "", fmt.Errorf("%w: %s is a directory", ErrKernelNotFound, path)
	}
	return path, nil
}

// Version runs `<kernel> version` and returns its stdout. It does not depend
// on the running state.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	path, err := s.locate()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.VersionTimeout)
	defer cancel()

	stdout, stderr, err := process.Output(ctx, process.Spec{
		Name:    s.cfg.Name,
		Path:    path,
		Args:    []string{"version"},
		WorkDir: s.cfg.WorkDir,
	})
	if err != nil {
		reason := strings.TrimSpace(string(stderr))
		if reason == "" {
			reason = err.Error()
		}
		return "", &VersionCheckError{Reason: reason}
	}
	return string(stdout), nil
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
