// Package task implements the worker task: one external process invocation
// with captured output streams, parsed monitor state and a monotonic status
// lifecycle. A Task is owned and driven by a single supervising goroutine;
// the only concurrency inside a Task are the stream-reader and process-wait
// goroutines, which communicate with the owner exclusively through channels.
package task

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a Task. Transitions are monotonic:
// pending -> spawned -> active -> one of the terminal states.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSpawned     Status = "spawned"
	StatusActive      Status = "active"
	StatusFinished    Status = "finished"
	StatusSkipped     Status = "skipped"
	StatusStopped     Status = "stopped"
	StatusWorkerError Status = "worker_error"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusSkipped, StatusStopped, StatusWorkerError:
		return true
	}
	return false
}

// WorkerSpec is the fully resolved worker invocation. By convention, a
// worker is invoked as `executable <path-to-yaml-config>`, but Args is not
// restricted to that.
type WorkerSpec struct {
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	Dir        string            `yaml:"dir"`
	Env        map[string]string `yaml:"env"`
}

// SetupFunc resolves a WorkerSpec right before spawning. Expensive
// preparation, like writing a per-universe config file, belongs here so it
// only happens once a worker slot is available. Returning ErrSkipTask
// (possibly wrapped) skips the task instead of spawning it.
type SetupFunc func() (WorkerSpec, error)

// StreamConfig controls echoing of captured lines to the console.
type StreamConfig struct {
	// Forward echoes captured raw lines to ForwardTo as they are polled.
	Forward bool
	// ForwardMonitor includes parsed monitor lines when forwarding.
	ForwardMonitor bool
	// ForwardTo defaults to os.Stdout.
	ForwardTo io.Writer
}

// Config describes a Task at registration time. Exactly one of Spec and
// Setup must be given.
type Config struct {
	Name     string
	Priority int
	Spec     *WorkerSpec
	Setup    SetupFunc
	Streams  StreamConfig
	// LogPath is where SaveStreams flushes captured lines; empty disables
	// stream saving.
	LogPath string
}

// StreamLine is one captured line of worker output.
type StreamLine struct {
	Seq    int
	Stream string // "out" or "err"
	Text   string
	Parsed bool // whether the line was a structured monitor message
}

type rawLine struct {
	stream string
	text   string
}

// Task represents one unit of work: a single external process invocation.
type Task struct {
	id       int
	name     string
	priority int
	cfg      Config
	log      zerolog.Logger

	status     Status
	exitCode   int
	stopReason string
	stopAsked  bool

	spec WorkerSpec
	cmd  *exec.Cmd

	incoming chan rawLine
	waitCh   chan error

	seq            int
	outLines       []StreamLine
	errLines       []StreamLine
	monitor        MonitorData
	monitorUpdates int

	createdAt  time.Time
	spawnedAt  time.Time
	finishedAt time.Time

	savedSeq   int
	savedFinal bool
}

// New creates a Task in StatusPending. The id is assigned by the manager at
// registration and used for deterministic ordering.
func New(id int, cfg Config, log zerolog.Logger) (*Task, error) {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("task_%04d", id)
	}
	if (cfg.Spec == nil) == (cfg.Setup == nil) {
		return nil, fmt.Errorf("task %s: need exactly one of Spec and Setup", cfg.Name)
	}
	if cfg.Streams.ForwardTo == nil {
		cfg.Streams.ForwardTo = os.Stdout
	}
	return &Task{
		id:        id,
		name:      cfg.Name,
		priority:  cfg.Priority,
		cfg:       cfg,
		log:       log.With().Str("task", cfg.Name).Logger(),
		status:    StatusPending,
		createdAt: time.Now(),
	}, nil
}

func (t *Task) ID() int            { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Priority() int      { return t.priority }
func (t *Task) Status() Status     { return t.status }
func (t *Task) StopReason() string { return t.stopReason }

// ExitCode is only meaningful once the task is finished or stopped.
func (t *Task) ExitCode() int { return t.exitCode }

// Monitor returns the most recently parsed monitor payload, or nil.
func (t *Task) Monitor() MonitorData { return t.monitor }

// MonitorUpdates counts how many monitor messages were parsed so far.
func (t *Task) MonitorUpdates() int { return t.monitorUpdates }

// Progress is the worker-reported progress in [0, 1].
func (t *Task) Progress() float64 { return t.monitor.Progress() }

func (t *Task) CreatedAt() time.Time  { return t.createdAt }
func (t *Task) SpawnedAt() time.Time  { return t.spawnedAt }
func (t *Task) FinishedAt() time.Time { return t.finishedAt }

// Runtime is the wall-clock time between spawn and terminal state. Zero for
// tasks that never spawned or are still running.
func (t *Task) Runtime() time.Duration {
	if t.spawnedAt.IsZero() || t.finishedAt.IsZero() {
		return 0
	}
	return t.finishedAt.Sub(t.spawnedAt)
}

// Spec returns the resolved worker invocation; zero value before spawn.
func (t *Task) Spec() WorkerSpec { return t.spec }

// ForwardsStreams reports whether captured output is echoed to the console.
func (t *Task) ForwardsStreams() bool { return t.cfg.Streams.Forward }

// Spawn resolves the deferred setup and launches the worker process. On
// setup failure the task transitions to StatusWorkerError and a *SetupError
// is returned; if setup decides to skip, the task becomes StatusSkipped and
// the returned error wraps ErrSkipTask. OS-level start failures yield a
// *SpawnError and StatusWorkerError. A Task spawns at most once.
func (t *Task) Spawn() error {
	if t.status != StatusPending {
		return fmt.Errorf("task %s: cannot spawn in status %q", t.name, t.status)
	}

	if t.cfg.Setup != nil {
		spec, err := t.cfg.Setup()
		if err != nil {
			t.finishedAt = time.Now()
			if errors.Is(err, ErrSkipTask) {
				t.status = StatusSkipped
				t.log.Debug().Msg("task skipped by setup")
				return fmt.Errorf("task %s: %w", t.name, ErrSkipTask)
			}
			t.status = StatusWorkerError
			return &SetupError{Task: t.name, Err: err}
		}
		t.spec = spec
	} else {
		t.spec = *t.cfg.Spec
	}

	cmd := exec.Command(t.spec.Executable, t.spec.Args...)
	cmd.Dir = t.spec.Dir
	cmd.Env = os.Environ()
	for k, v := range t.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group, so signals reach the worker and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.status = StatusWorkerError
		t.finishedAt = time.Now()
		return &SpawnError{Task: t.name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.status = StatusWorkerError
		t.finishedAt = time.Now()
		return &SpawnError{Task: t.name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		t.status = StatusWorkerError
		t.finishedAt = time.Now()
		return &SpawnError{Task: t.name, Err: err}
	}

	t.cmd = cmd
	t.spawnedAt = time.Now()
	t.status = StatusSpawned

	t.incoming = make(chan rawLine, streamBufferSize)
	t.waitCh = make(chan error, 1)
	readersDone := make(chan struct{}, 2)
	go t.readLines("out", stdout, readersDone)
	go t.readLines("err", stderr, readersDone)
	go func() {
		// Reap only after both readers hit EOF; Wait closes the pipes.
		<-readersDone
		<-readersDone
		close(t.incoming)
		t.waitCh <- cmd.Wait()
	}()

	t.status = StatusActive
	t.log.Debug().Int("pid", cmd.Process.Pid).
		Str("executable", t.spec.Executable).Msg("worker spawned")
	return nil
}

// PollStatus checks, without blocking, whether the worker process exited.
// If so, the remaining buffered output is drained and the task transitions
// to StatusStopped (if a stop was requested) or StatusFinished, recording
// the exit code. Calling this on a terminal task is a no-op.
func (t *Task) PollStatus() Status {
	if t.status != StatusActive {
		return t.status
	}

	select {
	case waitErr := <-t.waitCh:
		// All lines are in the channel now; capture the tail.
		t.drainLines(-1)
		t.exitCode = exitCodeOf(waitErr)
		t.finishedAt = time.Now()
		if t.stopAsked {
			t.status = StatusStopped
		} else {
			t.status = StatusFinished
		}
		t.log.Debug().Int("exit_code", t.exitCode).
			Str("status", string(t.status)).Msg("worker exited")
	default:
	}
	return t.status
}

// RequestStop marks the task as pending-stop: the next observed process exit
// resolves to StatusStopped with the given reason. The actual signal is sent
// separately via Signal.
func (t *Task) RequestStop(reason string) {
	if t.status.Terminal() {
		return
	}
	t.stopAsked = true
	if t.stopReason == "" {
		t.stopReason = reason
	}
}

// Signal forwards a signal to the worker's process group. No-op for tasks
// without a live process.
func (t *Task) Signal(sig syscall.Signal) error {
	if t.cmd == nil || t.cmd.Process == nil || t.status.Terminal() {
		return nil
	}
	if err := syscall.Kill(-t.cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("task %s: signal %s: %w", t.name, sig, err)
	}
	return nil
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}
