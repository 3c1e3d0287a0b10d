package worker

import (
	"fmt"
	"syscall"

	"github.com/utopya-project/utopya/internal/task"
)

// TaskAllocationError is a usage error: adding a task once the run has
// started. It is never recovered from.
type TaskAllocationError struct {
	State RunState
}

func (e *TaskAllocationError) Error() string {
	return fmt.Sprintf("cannot add tasks in run state %q; tasks can only be "+
		"registered before the work session starts", e.State)
}

// NonZeroExitError aborts the run under PolicyRaise, carrying the failing
// task so the caller can propagate its exit code.
type NonZeroExitError struct {
	Task *task.Task
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("task %s exited with non-zero exit code %d",
		e.Task.Name(), e.Task.ExitCode())
}

// ExitCode is the failing worker's exit code.
func (e *NonZeroExitError) ExitCode() int { return e.Task.ExitCode() }

// InterruptError reports that the work session was cancelled by an
// interrupt. The conventional process exit code is 128 plus the number of
// the signal that was forwarded to the workers.
type InterruptError struct {
	Signal syscall.Signal
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("work session interrupted (workers sent %s)", e.Signal)
}

// ExitCode is the conventional shell exit code for the interrupt.
func (e *InterruptError) ExitCode() int { return 128 + int(e.Signal) }
