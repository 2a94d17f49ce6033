package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeCLI drops an executable shell script standing in for the real
// CLI binary and returns its path.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func testProcessConfig(t *testing.T, bin string) ProcessConfig {
	t.Helper()
	return ProcessConfig{
		ClaudeBin:   bin,
		WorkDir:     t.TempDir(),
		GracePeriod: 200 * time.Millisecond,
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestProcess_StartMissingBinary(t *testing.T) {
	p := NewProcess(testProcessConfig(t, "/nonexistent/claude"), testLogger())
	if err := p.Start(); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestProcess_StartMissingWorkDir(t *testing.T) {
	bin := writeFakeCLI(t, "exec sleep 60")
	cfg := testProcessConfig(t, bin)
	cfg.WorkDir = "/nonexistent/workdir"

	p := NewProcess(cfg, testLogger())
	if err := p.Start(); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestProcess_EmitsParsedEvents(t *testing.T) {
	bin := writeFakeCLI(t, `echo '{"type":"result","result":"hello","session_id":"s-1","total_cost_usd":0.01}'
exec sleep 60`)
	p := NewProcess(testProcessConfig(t, bin), testLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Terminate(false)

	if p.PID() == 0 {
		t.Fatal("expected a pid after start")
	}
	if !p.Alive() {
		t.Fatal("expected process to be alive")
	}

	ev := waitEvent(t, p.Events())
	if ev.Kind != EventResult || ev.SessionID != "s-1" || ev.CostUSD != 0.01 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("events must carry timestamps")
	}
}

func TestProcess_WriteRoundTrip(t *testing.T) {
	bin := writeFakeCLI(t, `while read -r line; do
  echo '{"type":"result","result":"pong","session_id":"s-9"}'
done`)
	p := NewProcess(testProcessConfig(t, bin), testLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Terminate(false)

	if err := p.Write(encodeTurn("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitEvent(t, p.Events())
	if ev.Kind != EventResult || ev.Content != "pong" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestProcess_TerminateClosesEvents(t *testing.T) {
	bin := writeFakeCLI(t, "exec sleep 60")
	p := NewProcess(testProcessConfig(t, bin), testLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	p.Terminate(false)

	if p.Alive() {
		t.Fatal("expected process dead after terminate")
	}
	if err := p.Write([]byte("x\n")); !errors.Is(err, ErrWrite) {
		t.Fatalf("write to dead process must fail with ErrWrite, got %v", err)
	}

	select {
	case _, ok := <-p.Events():
		if ok {
			// drain any buffered event, the close must still arrive
			for range p.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close after terminate")
	}

	// idempotent
	p.Terminate(false)
	p.Terminate(true)
}

func TestProcess_GracefulEscalatesToKill(t *testing.T) {
	// ignores SIGTERM, must be killed after the grace period
	bin := writeFakeCLI(t, `trap '' TERM
while true; do sleep 1; done`)
	p := NewProcess(testProcessConfig(t, bin), testLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	p.Terminate(true)
	elapsed := time.Since(start)

	if p.Alive() {
		t.Fatal("expected process dead after escalation")
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("kill should come after the grace period, took %v", elapsed)
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(ProcessConfig{MaxTurns: 10, ResumeSessionID: "abc"})

	has := func(want string) bool {
		for _, a := range args {
			if a == want {
				return true
			}
		}
		return false
	}
	for _, want := range []string{"--input-format", "stream-json", "--verbose", "--max-turns", "10", "--resume", "abc", "--dangerously-skip-permissions"} {
		if !has(want) {
			t.Fatalf("missing arg %q in %v", want, args)
		}
	}

	args = buildArgs(ProcessConfig{})
	if has("--max-turns") || has("--resume") {
		t.Fatalf("unset options must not appear: %v", args)
	}
}
