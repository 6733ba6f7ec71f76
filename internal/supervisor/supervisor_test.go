package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kernelkeeper/internal/detector"
	"github.com/loykin/kernelkeeper/internal/history"
)

const versionBranch = `if [ "$1" = "version" ]; then echo "sing-box version 1.9.3"; exit 0; fi
`

// fakeKernel writes an executable shell script standing in for the kernel.
func fakeKernel(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake kernels are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "sing-box")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+versionBranch+body+"\n"), 0o755))
	return path
}

func newSupervisor(t *testing.T, bin string, mutate ...func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{Name: "sing-box", Binary: bin, StopTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	s := New(cfg)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func waitState(t *testing.T, s *Supervisor, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = s.Status()
		return st.State == want
	}, 3*time.Second, 10*time.Millisecond, "state never became %s", want)
	return st
}

func assertPIDInvariant(t *testing.T, st Status) {
	t.Helper()
	if st.State.attached() {
		assert.NotNil(t, st.PID, "pid missing in state %s", st.State)
	} else {
		assert.Nil(t, st.PID, "pid present in state %s", st.State)
	}
}

func TestStartMissingBinary(t *testing.T) {
	s := New(Config{Binary: filepath.Join(t.TempDir(), "sing-box")})

	err := s.Start()
	require.ErrorIs(t, err, ErrKernelNotFound)
	assert.Contains(t, err.Error(), "not found")

	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "not found")
}

func TestStartDirectoryIsNotAKernel(t *testing.T) {
	s := New(Config{Binary: t.TempDir()})
	require.ErrorIs(t, s.Start(), ErrKernelNotFound)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartSpawnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on exec permission bits")
	}
	path := filepath.Join(t.TempDir(), "sing-box")
	require.NoError(t, os.WriteFile(path, []byte("not executable"), 0o644))
	s := New(Config{Binary: path})

	err := s.Start()
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastError)
}

func TestStartReportsRunningWithRealPID(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))

	require.NoError(t, s.Start())
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.PID)
	assert.Nil(t, st.LastError)

	s.mu.Lock()
	osPID := s.cur.proc.PID()
	s.mu.Unlock()
	assert.Equal(t, osPID, *st.PID)
	assert.Greater(t, *st.PID, 0)
}

func TestStartWhenRunningIsRejected(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	require.NoError(t, s.Start())
	before := s.Status()

	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	after := s.Status()
	assert.Equal(t, StateRunning, after.State)
	assert.Equal(t, *before.PID, *after.PID)
}

func TestStopWhenStopped(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	require.ErrorIs(t, s.Stop(), ErrNotRunning)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartStopSequenceKeepsPIDInvariant(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))

	var (
		mu   sync.Mutex
		seen []Transition
	)
	s.OnTransition(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	ops := []func() error{s.Start, s.Stop, s.Stop, s.Start, s.Start, s.Restart, s.Stop, s.Start, s.Stop}
	for _, op := range ops {
		_ = op()
		assertPIDInvariant(t, s.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i, tr := range seen {
		assertPIDInvariant(t, tr.Status)
		if i > 0 {
			assert.Equal(t, seen[i-1].To, tr.From, "transition %d does not chain", i)
		}
	}
	assert.Equal(t, StateStopped, seen[len(seen)-1].To)
}

func TestStopTransitionsToStopped(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	assert.Nil(t, st.LastError)
}

func TestUnexpectedExitIsCrash(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "sleep 0.3; exit 3"))
	require.NoError(t, s.Start())

	st := waitState(t, s, StateCrashed)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "exit status 3")
	require.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestStartRecoversFromCrash(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := `if [ -f "` + marker + `" ]; then exec sleep 30; fi
touch "` + marker + `"
sleep 0.2
exit 1`
	s := newSupervisor(t, fakeKernel(t, script))

	require.NoError(t, s.Start())
	waitState(t, s, StateCrashed)

	require.NoError(t, s.Start())
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.NotNil(t, st.PID)
	assert.Nil(t, st.LastError, "successful start clears last_error")
}

func TestExitDuringStartupGrace(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "echo boom 1>&2; exit 2"), func(c *Config) {
		c.StartupGrace = time.Second
	})

	err := s.Start()
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "exit status 2")

	st := s.Status()
	assert.Equal(t, StateCrashed, st.State)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastError)
}

func TestStartupGraceElapses(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"), func(c *Config) {
		c.StartupGrace = 100 * time.Millisecond
	})
	var states []State
	s.OnTransition(func(tr Transition) { states = append(states, tr.To) })

	require.NoError(t, s.Start())
	assert.Equal(t, []State{StateStarting, StateRunning}, states)
}

func TestStopTimeoutThenEscalate(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "trap '' TERM\nwhile true; do sleep 0.1; done"), func(c *Config) {
		c.StopTimeout = 300 * time.Millisecond
	})
	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	require.ErrorIs(t, s.Stop(), ErrStopTimeout)
	st := s.Status()
	assert.Equal(t, StateStopping, st.State)
	assert.NotNil(t, st.PID)
	require.NotNil(t, st.LastError)

	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	st = s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
}

func TestRestartReplacesProcess(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	require.NoError(t, s.Start())
	first := *s.Status().PID

	require.NoError(t, s.Restart())
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.PID)
	assert.NotEqual(t, first, *st.PID)
}

func TestRestartWhenStoppedFailsWithoutStarting(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	require.ErrorIs(t, s.Restart(), ErrNotRunning)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start()
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestVersion(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	out, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "sing-box version 1.9.3")
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestVersionFailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake kernels are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "sing-box")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho 'bad flag' 1>&2\nexit 1\n"), 0o755))
	s := New(Config{Binary: path})

	_, err := s.Version(context.Background())
	var verr *VersionCheckError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bad flag", verr.Reason)
}

func TestVersionMissingBinary(t *testing.T) {
	s := New(Config{Binary: filepath.Join(t.TempDir(), "missing")})
	_, err := s.Version(context.Background())
	require.ErrorIs(t, err, ErrKernelNotFound)
}

func TestVersionTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake kernels are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "sing-box")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 10\n"), 0o755))
	s := New(Config{Binary: path, VersionTimeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := s.Version(context.Background())
	var verr *VersionCheckError
	require.ErrorAs(t, err, &verr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDetails(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	_, err := s.Details(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Start())
	d, err := s.Details(context.Background())
	require.NoError(t, err)
	assert.False(t, d.CreatedAt.IsZero())
}

type chanSink struct{ ch chan history.Event }

func (c chanSink) Send(_ context.Context, e history.Event) error {
	c.ch <- e
	return nil
}

type failSink struct{}

func (failSink) Send(context.Context, history.Event) error { return errors.New("unavailable") }

func TestHistoryEventsForLifecycle(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"))
	sink := chanSink{ch: make(chan history.Event, 8)}
	s.SetHistory(failSink{}, sink)

	require.NoError(t, s.Start())
	pid := *s.Status().PID
	require.NoError(t, s.Stop())

	got := map[history.EventType]history.Event{}
	for len(got) < 2 {
		select {
		case e := <-sink.ch:
			got[e.Type] = e
		case <-time.After(3 * time.Second):
			t.Fatalf("history events missing, got %v", got)
		}
	}
	assert.Equal(t, pid, got[history.EventStart].Record.PID)
	assert.Equal(t, "running", got[history.EventStart].Record.State)
	assert.Equal(t, "stopped", got[history.EventStop].Record.State)
	assert.Equal(t, "sing-box", got[history.EventStop].Record.Name)
}

func TestCrashHistoryCarriesReason(t *testing.T) {
	s := newSupervisor(t, fakeKernel(t, "sleep 0.2; exit 5"))
	sink := chanSink{ch: make(chan history.Event, 8)}
	s.SetHistory(sink)

	require.NoError(t, s.Start())
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-sink.ch:
			if e.Type == history.EventCrash {
				assert.True(t, strings.Contains(e.Record.Error, "exit status 5"), e.Record.Error)
				return
			}
		case <-deadline:
			t.Fatal("no crash event")
		}
	}
}

func TestShutdownIsNoopWhenStopped(t *testing.T) {
	s := New(Config{Binary: "/nonexistent"})
	assert.NoError(t, s.Shutdown())
}

func TestPIDFileFollowsRun(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "sing-box.pid")
	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"), func(c *Config) { c.PIDFile = pidPath })

	require.NoError(t, s.Start())
	pid, err := detector.PIDFile{Path: pidPath}.Alive()
	require.NoError(t, err)
	assert.Equal(t, *s.Status().PID, pid)

	require.NoError(t, s.Stop())
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pid file removed after stop")
}

func TestStartReapsStaleKernel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	stale := exec.Command("sleep", "30")
	require.NoError(t, stale.Start())
	exited := make(chan struct{})
	go func() { _ = stale.Wait(); close(exited) }()
	t.Cleanup(func() { _ = stale.Process.Kill(); <-exited })

	pidPath := filepath.Join(t.TempDir(), "sing-box.pid")
	require.NoError(t, detector.PIDFile{Path: pidPath}.Write(stale.Process.Pid))

	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"), func(c *Config) { c.PIDFile = pidPath })
	require.NoError(t, s.Start())

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("stale kernel still running")
	}
	pid, err := detector.PIDFile{Path: pidPath}.Alive()
	require.NoError(t, err)
	assert.Equal(t, *s.Status().PID, pid)
	assert.NotEqual(t, stale.Process.Pid, pid)
}

func TestStartLeavesUnverifiedPIDAlone(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	other := exec.Command("sleep", "30")
	require.NoError(t, other.Start())
	exited := make(chan struct{})
	go func() { _ = other.Wait(); close(exited) }()
	t.Cleanup(func() { _ = other.Process.Kill(); <-exited })

	// no start time recorded: the pid cannot be tied to the old kernel
	pidPath := filepath.Join(t.TempDir(), "sing-box.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(other.Process.Pid)+"\n"), 0o644))

	s := newSupervisor(t, fakeKernel(t, "exec sleep 30"), func(c *Config) { c.PIDFile = pidPath })
	require.NoError(t, s.Start())

	select {
	case <-exited:
		t.Fatal("unrelated process was signalled")
	case <-time.After(300 * time.Millisecond):
	}
	pid, err := detector.PIDFile{Path: pidPath}.Alive()
	require.NoError(t, err)
	assert.Equal(t, *s.Status().PID, pid)
}
