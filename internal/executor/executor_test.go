package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "check")
	if err := os.WriteFile(p, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func shell() *Executor {
	return New(map[string]string{"sh": "sh", "python": "python3"}, 0)
}

func TestRunCapturesStdoutAndArgs(t *testing.T) {
	script := writeScript(t, "echo \"$#:$1:$2\"\necho ignored >&2\n")
	res, err := shell().Run(context.Background(), script, []string{"--flag value"}, "sh", nil, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
	if res.Output != "2:--flag:value\n" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestRunNonZeroExitIsResult(t *testing.T) {
	script := writeScript(t, "echo degraded\nexit 2\n")
	res, err := shell().Run(context.Background(), script, nil, "SH", nil, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 2 || res.Output != "degraded\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunUnknownRunMethod(t *testing.T) {
	_, err := shell().Run(context.Background(), "/nonexistent", nil, "ruby", nil, false)
	if !errors.Is(err, ErrUnknownRunMethod) {
		t.Fatalf("err = %v", err)
	}
}

func TestInterpreterDefault(t *testing.T) {
	prog, err := shell().Interpreter("")
	if err != nil || prog != "python3" {
		t.Fatalf("Interpreter(\"\") = %q, %v", prog, err)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	e := New(map[string]string{"sh": "/nonexistent/interpreter"}, 0)
	var mu sync.Mutex
	_, err := e.Run(context.Background(), "/tmp/x", nil, "sh", &mu, true)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	// The guard must have been released.
	if !mu.TryLock() {
		t.Fatalf("guard still held after spawn failure")
	}
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	e := New(map[string]string{"sh": "sh"}, 100*time.Millisecond)
	start := time.Now()
	res, err := e.Run(context.Background(), script, nil, "sh", nil, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected non-zero exit after kill")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestRunGuardHeldForDuration(t *testing.T) {
	script := writeScript(t, "sleep 0.2\n")
	var rw sync.RWMutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = shell().Run(context.Background(), script, nil, "sh", rw.RLocker(), true)
	}()

	// Wait for the execution to take the shared lock.
	deadline := time.Now().Add(2 * time.Second)
	for rw.TryLock() {
		rw.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("execution never took the lock")
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-done
	if !rw.TryLock() {
		t.Fatalf("lock not released after execution")
	}
}
