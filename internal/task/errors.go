package task

import (
	"errors"
	"fmt"
)

// ErrSkipTask can be returned (possibly wrapped) by a SetupFunc to indicate
// that the task should not spawn a worker but be marked as skipped instead.
var ErrSkipTask = errors.New("task skipped by setup")

// SetupError means the deferred task setup failed before a process could be
// spawned. The task ends up in StatusWorkerError without ever having run.
type SetupError struct {
	Task string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("task %s: setup failed: %v", e.Task, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// SpawnError means the OS failed to start the worker process, e.g. because
// the executable does not exist or is not executable.
type SpawnError struct {
	Task string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("task %s: spawn failed: %v", e.Task, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
