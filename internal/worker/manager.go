// Package worker implements the work-session scheduler: it owns the task
// queue, spawns worker processes up to the configured concurrency limit,
// polls their status and output streams, evaluates stop conditions and
// drives the reporter.
//
// The scheduling model is a single supervising goroutine running a
// cooperative polling loop; true parallelism comes from the external worker
// processes. The active-slot set is only ever mutated by that one loop, so
// no locking is needed on the supervisor side.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/utopya-project/utopya/internal/reporter"
	"github.com/utopya-project/utopya/internal/stopcond"
	"github.com/utopya-project/utopya/internal/task"
	"github.com/utopya-project/utopya/internal/telemetry"
)

// defaultReportEvents maps manager events to the report formats invoked for
// them.
var defaultReportEvents = map[string]string{
	"before_working":  "while_working",
	"while_working":   "while_working",
	"task_spawned":    "while_working",
	"task_finished":   "while_working",
	"task_skipped":    "while_working",
	"monitor_updated": "while_working",
	"after_work":      "after_work",
	"after_cancel":    "after_work",
	"after_fail":      "after_work",
}

// Manager orchestrates worker tasks: setting them up, spawning them,
// tracking their progress and starting new workers as previous ones finish.
type Manager struct {
	cfg Config
	log zerolog.Logger
	rep *reporter.Reporter
	tel *telemetry.Collector

	tasks  []*task.Task
	queue  []*task.Task
	active []*task.Task

	state     RunState
	startedAt time.Time
	endedAt   time.Time

	spawned   int
	finished  int
	succeeded int
	stopped   int
	skipped   int
	failed    int

	events map[string]string
	nextID int
}

// Option adjusts a Manager at construction time.
type Option func(*Manager)

// WithTelemetry attaches a metric collector.
func WithTelemetry(c *telemetry.Collector) Option {
	return func(m *Manager) { m.tel = c }
}

// WithReportEvents overrides which report format is invoked for the given
// events; unknown event names are ignored at invocation time.
func WithReportEvents(events map[string]string) Option {
	return func(m *Manager) {
		for ev, format := range events {
			m.events[ev] = format
		}
	}
}

// New creates a Manager in StateIdle.
func New(cfg Config, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("worker manager config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		log:    log.With().Str("component", "worker_manager").Logger(),
		state:  StateIdle,
		events: make(map[string]string, len(defaultReportEvents)),
	}
	for ev, format := range defaultReportEvents {
		m.events[ev] = format
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log.Debug().
		Int("num_workers", cfg.NumWorkers).
		Dur("poll_delay", cfg.PollDelay).
		Str("nonzero_exit_handling", string(cfg.NonzeroExitHandling)).
		Msg("worker manager initialized")
	return m, nil
}

// SetReporter attaches the reporter; it can only be set once.
func (m *Manager) SetReporter(rep *reporter.Reporter) error {
	if m.rep != nil {
		return errors.New("reporter already set")
	}
	m.rep = rep
	return nil
}

// NumWorkers is the configured concurrency limit.
func (m *Manager) NumWorkers() int { return m.cfg.NumWorkers }

// State is the current run state.
func (m *Manager) State() RunState { return m.state }

// Tasks returns all registered tasks, in registration order.
func (m *Manager) Tasks() []*task.Task {
	return append([]*task.Task(nil), m.tasks...)
}

// StartedAt implements reporter.Source.
func (m *Manager) StartedAt() time.Time { return m.startedAt }

// Counters implements reporter.Source.
func (m *Manager) Counters() reporter.Counters {
	return reporter.Counters{
		Total:     len(m.tasks),
		Pending:   len(m.queue),
		Active:    len(m.active),
		Spawned:   m.spawned,
		Finished:  m.finished,
		Succeeded: m.succeeded,
		Stopped:   m.stopped,
		Skipped:   m.skipped,
		Failed:    m.failed,
	}
}

// Progress implements reporter.Source: terminal tasks count fully, active
// tasks contribute their monitor-reported progress.
func (m *Manager) Progress() float64 {
	if len(m.tasks) == 0 {
		return 0
	}
	p := float64(m.finished)
	for _, t := range m.active {
		p += t.Progress()
	}
	return p / float64(len(m.tasks))
}

// AddTask registers a new pending task. Fails with *TaskAllocationError
// once the run has been started.
func (m *Manager) AddTask(cfg task.Config) (*task.Task, error) {
	if m.state != StateIdle {
		return nil, &TaskAllocationError{State: m.state}
	}
	m.nextID++
	t, err := task.New(m.nextID, cfg, m.log)
	if err != nil {
		return nil, err
	}
	m.tasks = append(m.tasks, t)
	m.queue = append(m.queue, t)
	m.log.Debug().Str("task", t.Name()).Int("id", t.ID()).Msg("task added")
	return t, nil
}

// RunOptions parameterize one work session.
type RunOptions struct {
	// Timeout is the global wall-clock limit; <= 0 disables it.
	Timeout time.Duration
	// StopConditions are evaluated (OR-connected) for every active task.
	StopConditions []*stopcond.StopCondition
	// ShuffleTasks randomizes the queue once before the run starts.
	ShuffleTasks bool
	// HandleSignals installs a minimal SIGINT/SIGTERM handler whose only
	// job is to make the polling loop observe the interrupt.
	HandleSignals bool
	// PostPoll, if set, is called after each poll phase.
	PostPoll func()
}

// StartWorking drives the polling loop until all tasks are terminal, the
// global timeout elapses, or an interrupt is received. A Manager runs at
// most one work session; further calls are rejected.
//
// The returned state distinguishes normal completion (StateDone), timeout
// (StateTimedOut, not an error) and interruption (StateInterrupted, with an
// *InterruptError). Under PolicyRaise a failing worker yields StateFailed
// and a *NonZeroExitError.
func (m *Manager) StartWorking(ctx context.Context, opts RunOptions) (RunState, error) {
	if m.state != StateIdle {
		return m.state, fmt.Errorf("work session already started (state %q)", m.state)
	}
	m.state = StateWorking
	m.startedAt = time.Now()

	interrupts := make(chan os.Signal, 1)
	if opts.HandleSignals {
		signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupts)
	}

	if opts.ShuffleTasks {
		rand.Shuffle(len(m.queue), func(i, j int) {
			m.queue[i], m.queue[j] = m.queue[j], m.queue[i]
		})
	}
	// Lower priority first; stable, so ties keep registration (or
	// shuffled) order.
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].Priority() < m.queue[j].Priority()
	})

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = m.startedAt.Add(opts.Timeout)
	}

	m.log.Info().
		Int("tasks", len(m.queue)).
		Int("num_workers", m.cfg.NumWorkers).
		Bool("shuffled", opts.ShuffleTasks).
		Int("stop_conditions", len(opts.StopConditions)).
		Msg("starting to work")
	m.report("before_working", true)

	pollNo := 0
	for len(m.queue) > 0 || len(m.active) > 0 {
		if !deadline.IsZero() && time.Now().After(deadline) {
			m.log.Warn().Dur("timeout", opts.Timeout).Msg("total work timeout reached")
			m.windDown("total timeout", m.cfg.Interrupt.Signal)
			return m.endSession(StateTimedOut, "after_cancel", nil)
		}

		select {
		case sig := <-interrupts:
			m.log.Warn().Str("signal", sig.String()).Msg("interrupt received")
			m.windDown("interrupted", m.cfg.Interrupt.Signal)
			return m.endSession(StateInterrupted, "after_cancel",
				&InterruptError{Signal: m.cfg.Interrupt.Signal})
		default:
		}
		if ctx.Err() != nil {
			m.log.Warn().Msg("context cancelled")
			m.windDown("interrupted", m.cfg.Interrupt.Signal)
			return m.endSession(StateInterrupted, "after_cancel",
				&InterruptError{Signal: m.cfg.Interrupt.Signal})
		}

		pollStart := time.Now()

		m.assignTasks()

		if err := m.pollActive(); err != nil {
			// PolicyRaise: terminate what is left, then propagate.
			m.windDown("aborted after worker failure", syscall.SIGTERM)
			return m.endSession(StateFailed, "after_fail", err)
		}

		m.checkStopConditions(opts.StopConditions)

		m.report("while_working", false)

		pollNo++
		if m.cfg.SaveStreamsEvery > 0 && pollNo%m.cfg.SaveStreamsEvery == 0 {
			for _, t := range m.active {
				if err := t.SaveStreams(false); err != nil {
					m.log.Warn().Err(err).Str("task", t.Name()).Msg("periodic stream save failed")
				}
			}
		}
		if opts.PostPoll != nil {
			opts.PostPoll()
		}

		if m.tel != nil {
			m.tel.Count("worker_manager.polls", 1)
			m.tel.Time("worker_manager.poll_duration", time.Since(pollStart))
			m.tel.SetGauge("worker_manager.active", float64(len(m.active)))
		}

		// The only blocking point of the loop.
		time.Sleep(m.cfg.PollDelay)
	}

	return m.endSession(StateDone, "after_work", nil)
}

func (m *Manager) endSession(state RunState, event string, err error) (RunState, error) {
	m.state = state
	m.endedAt = time.Now()
	if state == StateDone {
		// Completes the progress line before the summary.
		m.report("while_working", true)
	}
	m.report(event, true)
	if m.rep != nil {
		m.rep.SuppressCR(true)
	}

	c := m.Counters()
	m.log.Info().
		Str("state", string(state)).
		Str("duration", m.endedAt.Sub(m.startedAt).Round(time.Millisecond).String()).
		Int("finished", c.Finished).
		Int("succeeded", c.Succeeded).
		Int("skipped", c.Skipped).
		Int("stopped", c.Stopped).
		Int("failed", c.Failed).
		Msg("work session ended")
	if m.tel != nil {
		m.tel.Log(m.log)
	}
	return state, err
}

// assignTasks fills free worker slots from the queue, bounded by the spawn
// rate. Skipped tasks and setup/spawn failures are resolved here without
// ever occupying a slot.
func (m *Manager) assignTasks() {
	free := m.cfg.NumWorkers - len(m.active)
	if free <= 0 || len(m.queue) == 0 {
		return
	}
	n := free
	if m.cfg.SpawnRate > 0 && m.cfg.SpawnRate < n {
		n = m.cfg.SpawnRate
	}

	for i := 0; i < n && len(m.queue) > 0; i++ {
		t := m.queue[0]
		m.queue = m.queue[1:]

		err := t.Spawn()
		switch {
		case err == nil:
			m.active = append(m.active, t)
			m.spawned++
			if m.tel != nil {
				m.tel.Count("worker_manager.spawned", 1)
			}
			// A task that forwards its raw output to the console clashes
			// with the overwriting progress line.
			if m.rep != nil && t.ForwardsStreams() {
				m.rep.SuppressCR(true)
			}
			m.report("task_spawned", true)

		case errors.Is(err, task.ErrSkipTask):
			m.finished++
			m.skipped++
			if m.rep != nil {
				m.rep.RegisterTask(t)
			}
			m.report("task_skipped", true)

		default:
			m.finished++
			m.failed++
			m.log.Warn().Err(err).Str("task", t.Name()).Msg("task failed before running")
			if m.rep != nil {
				m.rep.RegisterTask(t)
			}
			m.report("task_finished", true)
		}
	}
}

// pollActive polls every active task once: first its process status and,
// if it is still running, a bounded drain of its output streams. Terminal
// tasks leave the active set, are flushed to their stream log and counted.
// Under PolicyRaise the first non-zero exit is returned as an error.
func (m *Manager) pollActive() error {
	var raiseErr error
	still := make([]*task.Task, 0, len(m.active))

	for _, t := range m.active {
		st := t.PollStatus()
		if !st.Terminal() {
			n, monitorUpdated := t.PollStreams(m.cfg.LinesPerPoll)
			if m.tel != nil && n > 0 {
				m.tel.Count("worker_manager.lines_read", float64(n))
			}
			if monitorUpdated {
				if m.cfg.SaveStreamsOnMonitorUpdate {
					if err := t.SaveStreams(false); err != nil {
						m.log.Warn().Err(err).Str("task", t.Name()).Msg("stream save failed")
					}
				}
				m.report("monitor_updated", false)
			}
			still = append(still, t)
			continue
		}

		m.resolveTerminal(t)
		if err := m.applyExitPolicy(t); err != nil && raiseErr == nil {
			raiseErr = err
		}
		m.report("task_finished", true)
	}

	m.active = still
	return raiseErr
}

// resolveTerminal books a task that just left the active set.
func (m *Manager) resolveTerminal(t *task.Task) {
	m.finished++
	switch t.Status() {
	case task.StatusFinished:
		if t.ExitCode() == 0 {
			m.succeeded++
		} else {
			m.failed++
		}
	case task.StatusStopped:
		m.stopped++
	}
	if m.rep != nil {
		m.rep.RegisterTask(t)
	}
	// The one final stream flush for this task.
	if err := t.SaveStreams(true); err != nil {
		m.log.Warn().Err(err).Str("task", t.Name()).Msg("final stream save failed")
	}
}

// applyExitPolicy handles a non-zero exit according to the configured
// policy. Deliberately stopped tasks only warn under PolicyWarnAll.
func (m *Manager) applyExitPolicy(t *task.Task) error {
	switch t.Status() {
	case task.StatusStopped:
		if m.cfg.NonzeroExitHandling == PolicyWarnAll {
			m.suppressCR()
			m.log.Warn().
				Str("task", t.Name()).
				Int("exit_code", t.ExitCode()).
				Str("reason", t.StopReason()).
				Msg("task was terminated")
		}
		return nil

	case task.StatusFinished:
		if t.ExitCode() == 0 {
			return nil
		}
	default:
		return nil
	}

	switch m.cfg.NonzeroExitHandling {
	case PolicyIgnore:
		return nil

	case PolicyWarn, PolicyWarnAll:
		m.suppressCR()
		m.log.Warn().
			Str("task", t.Name()).
			Int("exit_code", t.ExitCode()).
			Msg("task exited with non-zero exit code")
		m.logTail(t, 12)
		return nil

	case PolicyRaise:
		m.suppressCR()
		m.log.Error().
			Str("task", t.Name()).
			Int("exit_code", t.ExitCode()).
			Msg("task failed, aborting work session")
		m.logTail(t, 32)
		return &NonZeroExitError{Task: t}
	}
	return nil
}

func (m *Manager) logTail(t *task.Task, n int) {
	tail := t.TailLines(n)
	if len(tail) == 0 {
		return
	}
	m.log.Warn().Msgf("last %d line(s) of combined output:\n  %s",
		len(tail), strings.Join(tail, "\n  "))
}

// checkStopConditions evaluates the disjunction of stop conditions for all
// active tasks and signals those fulfilled. The task stays in the active
// set until its exit is observed on a later poll; RequestStop makes that
// exit resolve to the stopped status.
func (m *Manager) checkStopConditions(conds []*stopcond.StopCondition) {
	if len(conds) == 0 {
		return
	}
	for _, t := range m.active {
		if t.StopReason() != "" {
			// Already signalled; waiting for the process to exit.
			continue
		}
		sc := stopcond.FirstFulfilled(conds, t)
		if sc == nil {
			continue
		}
		m.log.Info().
			Str("task", t.Name()).
			Str("stop_condition", sc.Name()).
			Msg("stop condition fulfilled, terminating worker")
		t.RequestStop(sc.Name())
		if err := t.Signal(task.SignalStopCondition); err != nil {
			m.log.Warn().Err(err).Str("task", t.Name()).Msg("failed to signal worker")
		}
		if m.tel != nil {
			m.tel.Count("worker_manager.stop_conditions_triggered", 1)
		}
	}
}

// windDown terminates all active workers in two phases: the configured
// graceful signal followed by a grace period of polling, then SIGKILL for
// whatever is left. Killing a worker abruptly mid-write can corrupt its
// output; the grace period lets well-behaved workers flush and close.
func (m *Manager) windDown(reason string, sig syscall.Signal) {
	m.suppressCR()
	if len(m.active) == 0 && len(m.queue) == 0 {
		return
	}

	// Tasks never spawned are not failures here; they just did not run.
	for _, t := range m.queue {
		t.RequestStop(reason)
	}
	m.queue = nil

	m.log.Warn().
		Int("active", len(m.active)).
		Str("signal", sig.String()).
		Str("grace_period", m.cfg.Interrupt.GracePeriod.String()).
		Msg("terminating active workers")
	for _, t := range m.active {
		t.RequestStop(reason)
		if err := t.Signal(sig); err != nil {
			m.log.Warn().Err(err).Str("task", t.Name()).Msg("failed to signal worker")
		}
	}

	graceEnd := time.Now().Add(m.cfg.Interrupt.GracePeriod)
	for len(m.active) > 0 && time.Now().Before(graceEnd) {
		m.reapActive()
		if len(m.active) == 0 {
			return
		}
		time.Sleep(m.cfg.PollDelay)
	}

	if len(m.active) > 0 {
		m.log.Error().
			Int("active", len(m.active)).
			Msg("grace period expired, killing remaining workers")
		for _, t := range m.active {
			_ = t.Signal(syscall.SIGKILL)
		}
		killEnd := time.Now().Add(2 * time.Second)
		for len(m.active) > 0 && time.Now().Before(killEnd) {
			m.reapActive()
			time.Sleep(m.cfg.PollDelay)
		}
	}
}

// reapActive removes tasks whose exit became observable, without applying
// the exit-code policy (used while winding down). Streams are drained first:
// a worker with a full line buffer blocks its reader goroutines, and the
// exit only becomes observable once the readers have hit EOF.
func (m *Manager) reapActive() {
	still := make([]*task.Task, 0, len(m.active))
	for _, t := range m.active {
		t.PollStreams(-1)
		if t.PollStatus().Terminal() {
			m.resolveTerminal(t)
			continue
		}
		still = append(still, t)
	}
	m.active = still
}

func (m *Manager) suppressCR() {
	if m.rep != nil {
		m.rep.SuppressCR(true)
	}
}

func (m *Manager) report(event string, force bool) {
	if m.rep == nil {
		return
	}
	format, ok := m.events[event]
	if !ok {
		return
	}
	m.rep.Report(format, force)
}
