package task

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func shellTask(t *testing.T, name, script string, cfg Config) *Task {
	t.Helper()
	cfg.Name = name
	cfg.Spec = &WorkerSpec{Executable: "/bin/sh", Args: []string{"-c", script}}
	tk, err := New(1, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tk
}

// pollUntilDone drives status and stream polling until the task reaches a
// terminal state.
func pollUntilDone(t *testing.T, tk *Task) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := tk.PollStatus()
		if st.Terminal() {
			return st
		}
		tk.PollStreams(-1)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task did not finish in time (status %q)", tk.Status())
	return tk.Status()
}

func TestTaskLifecycle(t *testing.T) {
	tk := shellTask(t, "lifecycle", `echo hello; echo oops >&2; exit 0`, Config{})

	if tk.Status() != StatusPending {
		t.Fatalf("expected pending status, got %q", tk.Status())
	}
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if tk.Status() != StatusActive {
		t.Fatalf("expected active status after spawn, got %q", tk.Status())
	}
	if tk.SpawnedAt().IsZero() {
		t.Error("SpawnedAt not set")
	}

	st := pollUntilDone(t, tk)
	if st != StatusFinished {
		t.Fatalf("expected finished, got %q", st)
	}
	if tk.ExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", tk.ExitCode())
	}
	if tk.Runtime() <= 0 {
		t.Error("expected positive runtime")
	}

	out := tk.OutLines()
	if len(out) != 1 || out[0].Text != "hello" {
		t.Errorf("unexpected stdout capture: %+v", out)
	}
	errs := tk.ErrLines()
	if len(errs) != 1 || errs[0].Text != "oops" {
		t.Errorf("unexpected stderr capture: %+v", errs)
	}

	// Terminal polls are no-ops.
	if tk.PollStatus() != StatusFinished {
		t.Error("PollStatus changed a terminal status")
	}
	if n, _ := tk.PollStreams(-1); n != 0 {
		t.Errorf("PollStreams on terminal task read %d lines", n)
	}
}

func TestTaskNonzeroExit(t *testing.T) {
	tk := shellTask(t, "fails", `exit 3`, Config{})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if st := pollUntilDone(t, tk); st != StatusFinished {
		t.Fatalf("expected finished, got %q", st)
	}
	if tk.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %d", tk.ExitCode())
	}
}

func TestTaskSpawnOnlyOnce(t *testing.T) {
	tk := shellTask(t, "once", `true`, Config{})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := tk.Spawn(); err == nil {
		t.Error("expected error on second Spawn")
	}
	pollUntilDone(t, tk)
}

func TestTaskConfigValidation(t *testing.T) {
	if _, err := New(1, Config{Name: "neither"}, testLogger()); err == nil {
		t.Error("expected error without Spec and Setup")
	}
	both := Config{
		Name:  "both",
		Spec:  &WorkerSpec{Executable: "true"},
		Setup: func() (WorkerSpec, error) { return WorkerSpec{}, nil },
	}
	if _, err := New(2, both, testLogger()); err == nil {
		t.Error("expected error with both Spec and Setup")
	}
}

func TestTaskDeferredSetup(t *testing.T) {
	ran := false
	cfg := Config{
		Name: "deferred",
		Setup: func() (WorkerSpec, error) {
			ran = true
			return WorkerSpec{Executable: "/bin/sh", Args: []string{"-c", "true"}}, nil
		},
	}
	tk, err := New(1, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ran {
		t.Fatal("setup ran before Spawn")
	}
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !ran {
		t.Fatal("setup did not run on Spawn")
	}
	if tk.Spec().Executable != "/bin/sh" {
		t.Errorf("spec not recorded: %+v", tk.Spec())
	}
	pollUntilDone(t, tk)
}

func TestTaskSetupSkip(t *testing.T) {
	cfg := Config{
		Name: "skipme",
		Setup: func() (WorkerSpec, error) {
			return WorkerSpec{}, ErrSkipTask
		},
	}
	tk, err := New(1, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = tk.Spawn()
	if !errors.Is(err, ErrSkipTask) {
		t.Fatalf("expected ErrSkipTask, got %v", err)
	}
	if tk.Status() != StatusSkipped {
		t.Errorf("expected skipped status, got %q", tk.Status())
	}
}

func TestTaskSetupFailure(t *testing.T) {
	cfg := Config{
		Name: "badsetup",
		Setup: func() (WorkerSpec, error) {
			return WorkerSpec{}, errors.New("config generation failed")
		},
	}
	tk, err := New(1, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = tk.Spawn()
	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SetupError, got %v", err)
	}
	if tk.Status() != StatusWorkerError {
		t.Errorf("expected worker_error status, got %q", tk.Status())
	}
}

func TestTaskSpawnFailure(t *testing.T) {
	cfg := Config{
		Name: "noexe",
		Spec: &WorkerSpec{Executable: "/nonexistent/worker/binary"},
	}
	tk, err := New(1, cfg, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	err = tk.Spawn()
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if tk.Status() != StatusWorkerError {
		t.Errorf("expected worker_error status, got %q", tk.Status())
	}
}

func TestTaskMonitorParsing(t *testing.T) {
	script := `
echo "!!map {progress: 0.25, state: {density: 0.1}}"
echo "plain line"
echo "!!map {progress: 0.75, state: {density: 0.9}}"
`
	tk := shellTask(t, "monitored", script, Config{})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	pollUntilDone(t, tk)

	if tk.MonitorUpdates() != 2 {
		t.Errorf("expected 2 monitor updates, got %d", tk.MonitorUpdates())
	}
	if p := tk.Progress(); p != 0.75 {
		t.Errorf("expected progress 0.75, got %v", p)
	}
	if v, ok := tk.Monitor().Float("state.density"); !ok || v != 0.9 {
		t.Errorf("nested entry lookup failed: %v %v", v, ok)
	}
	// Monitor lines are captured alongside plain output, marked as parsed.
	var parsed, plain int
	for _, l := range tk.OutLines() {
		if l.Parsed {
			parsed++
		} else {
			plain++
		}
	}
	if parsed != 2 || plain != 1 {
		t.Errorf("expected 2 parsed and 1 plain line, got %d/%d", parsed, plain)
	}
}

func TestTaskStopResolvesToStopped(t *testing.T) {
	tk := shellTask(t, "longrunner", `sleep 30`, Config{})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	tk.RequestStop("test stop")
	if err := tk.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	st := pollUntilDone(t, tk)
	if st != StatusStopped {
		t.Fatalf("expected stopped, got %q", st)
	}
	if tk.StopReason() != "test stop" {
		t.Errorf("unexpected stop reason: %q", tk.StopReason())
	}
	if want := 128 + int(syscall.SIGKILL); tk.ExitCode() != want {
		t.Errorf("expected exit code %d, got %d", want, tk.ExitCode())
	}
}

func TestTaskLinesPerPollBound(t *testing.T) {
	// The worker prints everything up front, then idles, so the lines sit
	// in the buffer while the task stays active.
	script := `for i in $(seq 1 20); do echo line$i; done; sleep 30`
	tk := shellTask(t, "chatty", script, Config{})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer func() {
		tk.RequestStop("test cleanup")
		tk.Signal(syscall.SIGKILL)
		pollUntilDone(t, tk)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for len(tk.OutLines()) < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("captured only %d lines in time", len(tk.OutLines()))
		}
		n, _ := tk.PollStreams(5)
		if n > 5 {
			t.Fatalf("PollStreams read %d lines, bound was 5", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskSaveStreams(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	script := `echo first; echo second >&2; echo third`
	tk := shellTask(t, "saved", script, Config{LogPath: logPath})
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	pollUntilDone(t, tk)

	if err := tk.SaveStreams(true); err != nil {
		t.Fatalf("SaveStreams failed: %v", err)
	}
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading stream log: %v", err)
	}
	content := string(raw)
	for _, want := range []string{"first", "second", "third"} {
		if !strings.Contains(content, want) {
			t.Errorf("stream log missing %q:\n%s", want, content)
		}
	}

	// The final flush happens exactly once.
	before, _ := os.Stat(logPath)
	if err := tk.SaveStreams(true); err != nil {
		t.Fatalf("second SaveStreams failed: %v", err)
	}
	after, _ := os.Stat(logPath)
	if before.Size() != after.Size() {
		t.Error("final SaveStreams wrote twice")
	}
}

func TestTaskForwarding(t *testing.T) {
	var buf strings.Builder
	cfg := Config{
		Streams: StreamConfig{Forward: true, ForwardTo: &buf},
	}
	tk := shellTask(t, "forwarded", `echo visible; echo "!!map {progress: 1.0}"`, cfg)
	if !tk.ForwardsStreams() {
		t.Fatal("ForwardsStreams should be true")
	}
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	pollUntilDone(t, tk)

	out := buf.String()
	if !strings.Contains(out, "visible") {
		t.Errorf("forwarded output missing plain line: %q", out)
	}
	// Monitor lines stay out of the console unless asked for.
	if strings.Contains(out, "!!map") {
		t.Errorf("monitor line was forwarded: %q", out)
	}
}
