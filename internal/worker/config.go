package worker

import (
	"fmt"
	"runtime"
	"syscall"
	"time"
)

// Policy determines how a non-zero worker exit code is handled.
type Policy string

const (
	// PolicyIgnore takes no action.
	PolicyIgnore Policy = "ignore"
	// PolicyWarn logs a warning with the tail of the worker's output.
	PolicyWarn Policy = "warn"
	// PolicyWarnAll additionally warns for workers that were deliberately
	// terminated by the frontend itself (stop conditions, interrupts).
	PolicyWarnAll Policy = "warn_all"
	// PolicyRaise aborts the whole run, propagating the worker's exit code.
	PolicyRaise Policy = "raise"
)

// ParsePolicy validates a policy string from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyIgnore, PolicyWarn, PolicyWarnAll, PolicyRaise:
		return Policy(s), nil
	case "":
		return PolicyIgnore, nil
	}
	return "", fmt.Errorf("unknown nonzero_exit_handling policy: %q", s)
}

// InterruptParams determine the two-phase shutdown behavior on interrupts
// and total timeouts: the graceful signal, how long workers may take to shut
// down on their own, and whether the process should exit afterwards (the
// latter is consumed by the CLI, not the manager).
type InterruptParams struct {
	Signal      syscall.Signal
	GracePeriod time.Duration
	Exit        bool
}

// Config is the worker manager configuration surface.
type Config struct {
	// NumWorkers is the resolved, positive worker slot count; see
	// ResolveNumWorkers for the "auto"/negative conventions.
	NumWorkers int
	// PollDelay is the idle wait between loop iterations.
	PollDelay time.Duration
	// SpawnRate bounds how many workers are spawned per iteration;
	// -1 fills all free slots at once.
	SpawnRate int
	// LinesPerPoll bounds how many stream lines are drained per task and
	// iteration; -1 drains all currently buffered lines.
	LinesPerPoll int
	// NonzeroExitHandling is the exit-code policy.
	NonzeroExitHandling Policy
	// Interrupt configures the two-phase shutdown.
	Interrupt InterruptParams
	// SaveStreamsOnMonitorUpdate flushes a task's captured streams
	// whenever a new monitor message arrived.
	SaveStreamsOnMonitorUpdate bool
	// SaveStreamsEvery flushes all active tasks' streams every N poll
	// iterations; 0 disables the periodic flush.
	SaveStreamsEvery int
}

// DefaultConfig mirrors the defaults of the run configuration.
func DefaultConfig() Config {
	return Config{
		NumWorkers:          runtime.NumCPU(),
		PollDelay:           50 * time.Millisecond,
		SpawnRate:           -1,
		LinesPerPoll:        50,
		NonzeroExitHandling: PolicyIgnore,
		Interrupt: InterruptParams{
			Signal:      syscall.SIGINT,
			GracePeriod: 5 * time.Second,
			Exit:        true,
		},
	}
}

// ResolveNumWorkers maps the configured worker count convention to a
// positive slot count: 0 means "auto" (the CPU count), negative values are
// added to the CPU count. Results below 1 clip to 1.
func ResolveNumWorkers(n int) int {
	cpus := runtime.NumCPU()
	switch {
	case n == 0:
		n = cpus
	case n < 0:
		n = cpus + n
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c *Config) applyDefaults() error {
	d := DefaultConfig()
	if c.NumWorkers <= 0 {
		c.NumWorkers = ResolveNumWorkers(c.NumWorkers)
	}
	if c.PollDelay <= 0 {
		c.PollDelay = d.PollDelay
	}
	if c.SpawnRate == 0 {
		c.SpawnRate = d.SpawnRate
	}
	if c.SpawnRate < -1 {
		return fmt.Errorf("spawn rate must be positive or -1, got %d", c.SpawnRate)
	}
	if c.LinesPerPoll == 0 {
		c.LinesPerPoll = d.LinesPerPoll
	}
	if c.NonzeroExitHandling == "" {
		c.NonzeroExitHandling = d.NonzeroExitHandling
	}
	if c.Interrupt.Signal == 0 {
		c.Interrupt.Signal = d.Interrupt.Signal
	}
	if c.Interrupt.GracePeriod <= 0 {
		c.Interrupt.GracePeriod = d.Interrupt.GracePeriod
	}
	return nil
}

// RunState is the state of the whole work session.
type RunState string

const (
	StateIdle        RunState = "idle"
	StateWorking     RunState = "working"
	StateDone        RunState = "done"
	StateTimedOut    RunState = "timed_out"
	StateInterrupted RunState = "interrupted"
	StateFailed      RunState = "failed"
)
