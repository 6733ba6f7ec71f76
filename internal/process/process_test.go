package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/kernelkeeper/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func shSpec(name, script string) Spec {
	return Spec{Name: name, Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestStartRecordsPIDAndExit(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("quick", "exit 0"))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 {
		t.Fatalf("pid not recorded: %d", p.PID())
	}
	if !p.WaitTimeout(2 * time.Second) {
		t.Fatalf("process did not exit")
	}
	info := p.Snapshot()
	if info.Running || info.ExitErr != nil || info.StoppedAt.IsZero() {
		t.Fatalf("unexpected snapshot after exit: %+v", info)
	}
	if p.Alive() {
		t.Fatalf("reaped process reported alive")
	}
}

func TestStartTwiceFails(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("twice", "sleep 1"))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = p.Kill(); p.WaitTimeout(2 * time.Second) }()
	if err := p.Start(); err == nil {
		t.Fatalf("second Start should fail")
	}
}

func TestExitErrorIsCaptured(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("fail", "exit 3"))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	if err := p.ExitErr(); err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("expected exit status 3, got %v", err)
	}
}

func TestTerminateStopsProcessGroup(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("sleeper", "sleep 30 & wait"))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Alive() {
		t.Fatalf("expected process alive after start")
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !p.WaitTimeout(3 * time.Second) {
		t.Fatalf("process ignored SIGTERM")
	}
}

func TestKillAfterIgnoredTerm(t *testing.T) {
	requireUnix(t)
	p := New(shSpec("stubborn", "trap '' TERM; while true; do sleep 0.05; done"))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	_ = p.Terminate()
	if p.WaitTimeout(300 * time.Millisecond) {
		t.Fatalf("process should ignore SIGTERM")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !p.WaitTimeout(3 * time.Second) {
		t.Fatalf("process survived SIGKILL")
	}
}

func TestStartMissingExecutable(t *testing.T) {
	p := New(Spec{Name: "missing", Path: filepath.Join(t.TempDir(), "nope")})
	if err := p.Start(); err == nil {
		t.Fatalf("expected spawn error")
	}
	if p.PID() != 0 {
		t.Fatalf("pid recorded for failed spawn")
	}
}

func TestOutputCollectsStreams(t *testing.T) {
	requireUnix(t)
	out, errOut, err := Output(context.Background(), shSpec("v", "echo version 1.2.3; echo warn 1>&2"))
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if strings.TrimSpace(string(out)) != "version 1.2.3" || strings.TrimSpace(string(errOut)) != "warn" {
		t.Fatalf("unexpected streams: %q / %q", out, errOut)
	}
}

func TestOutputHonorsContext(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := Output(ctx, shSpec("slow", "exec sleep 5"))
	if err == nil {
		t.Fatalf("expected error from cancelled command")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("context was not honored")
	}
}

func TestLogWritersCaptureOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := shSpec("logged", "echo out; echo err 1>&2")
	spec.Log = logger.FileConfig{Dir: dir}
	p := New(spec)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.WaitTimeout(2 * time.Second) {
		t.Fatalf("process did not exit")
	}
	b, err := os.ReadFile(filepath.Join(dir, "logged.stdout.log"))
	if err != nil || strings.TrimSpace(string(b)) != "out" {
		t.Fatalf("stdout log: %q, %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(dir, "logged.stderr.log"))
	if err != nil || strings.TrimSpace(string(b)) != "err" {
		t.Fatalf("stderr log: %q, %v", b, err)
	}
}
