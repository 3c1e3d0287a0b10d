// Package run drives one simulation run: it resolves the model, lays out
// the run directory, registers one task per universe and hands the batch to
// the worker manager.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/utopya-project/utopya/internal/config"
	"github.com/utopya-project/utopya/internal/registry"
	"github.com/utopya-project/utopya/internal/reporter"
	"github.com/utopya-project/utopya/internal/task"
	"github.com/utopya-project/utopya/internal/telemetry"
	"github.com/utopya-project/utopya/internal/worker"
)

// Result is the outcome of one run.
type Result struct {
	State    worker.RunState
	RunDir   string
	ExitCode int
}

// Driver executes a run configuration.
type Driver struct {
	cfg *config.RunConfig
	log zerolog.Logger
	reg *registry.Registry
	tel *telemetry.Collector

	// OutDirOverride, when set, wins over the configured output directory.
	OutDirOverride string
	// HandleSignals is enabled by the CLI and disabled in tests.
	HandleSignals bool
}

// NewDriver creates a run driver. The registry may be nil if the run config
// names the executable directly.
func NewDriver(cfg *config.RunConfig, log zerolog.Logger, reg *registry.Registry) *Driver {
	return &Driver{
		cfg: cfg,
		log: log.With().Str("component", "run").Logger(),
		reg: reg,
		tel: telemetry.NewCollector(true),
	}
}

// Execute performs the run and blocks until the work session ends. The
// returned error carries failure detail; Result.ExitCode is what the
// process should exit with either way.
func (d *Driver) Execute(ctx context.Context) (Result, error) {
	exe, defaults, err := d.resolveModel(ctx)
	if err != nil {
		return Result{ExitCode: 1}, err
	}

	runDir, err := d.createRunDir()
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	d.log.Info().Str("run_dir", runDir).Str("model", d.cfg.Model.Name).Msg("run directory created")

	wc, err := d.cfg.WorkerConfig()
	if err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}
	mgr, err := worker.New(wc, d.log, worker.WithTelemetry(d.tel))
	if err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}

	rep, err := d.buildReporter(mgr, runDir)
	if err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}
	if err := mgr.SetReporter(rep); err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}

	if err := d.addUniverseTasks(mgr, runDir, exe, defaults); err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}

	conds, err := d.cfg.StopConditions()
	if err != nil {
		return Result{RunDir: runDir, ExitCode: 1}, err
	}

	state, runErr := mgr.StartWorking(ctx, worker.RunOptions{
		Timeout:        d.cfg.Run.Timeout.Duration(),
		StopConditions: conds,
		ShuffleTasks:   d.cfg.Run.ShuffleTasks,
		HandleSignals:  d.HandleSignals,
	})

	res := Result{State: state, RunDir: runDir, ExitCode: exitCodeFor(state, runErr, wc)}
	return res, runErr
}

// resolveModel determines the worker executable and the model's default
// configuration, consulting the registry when the run config does not name
// an executable itself. Run-config defaults override registry defaults.
func (d *Driver) resolveModel(ctx context.Context) (string, map[string]any, error) {
	m := d.cfg.Model
	if m.Name == "" && m.Executable == "" {
		return "", nil, errors.New("run config names neither a model nor an executable")
	}
	exe := m.Executable
	defaults := map[string]any{}

	if exe == "" {
		if d.reg == nil {
			return "", nil, fmt.Errorf("model %q: no executable configured and no registry available", m.Name)
		}
		entry, err := d.reg.Get(ctx, m.Name)
		if err != nil {
			return "", nil, err
		}
		exe = entry.Executable
		for k, v := range entry.DefaultCfg {
			defaults[k] = v
		}
	}
	for k, v := range m.DefaultCfg {
		defaults[k] = v
	}
	return exe, defaults, nil
}

func (d *Driver) createRunDir() (string, error) {
	outDir := d.OutDirOverride
	if outDir == "" {
		outDir = d.cfg.OutDir
	}
	if outDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		outDir = filepath.Join(home, "utopya_output")
	}
	name := d.cfg.Model.Name
	if name == "" {
		name = filepath.Base(d.cfg.Model.Executable)
	}
	runDir := filepath.Join(outDir, name, time.Now().Format("060102-150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return runDir, nil
}

func (d *Driver) buildReporter(mgr *worker.Manager, runDir string) (*reporter.Reporter, error) {
	rep := reporter.New(mgr, d.log,
		reporter.WithReportFile(filepath.Join(runDir, "_report.txt")))
	for name, fc := range d.cfg.Reporter.ReportFormats {
		if err := rep.AddFormat(name, fc); err != nil {
			return nil, fmt.Errorf("report format %q: %w", name, err)
		}
	}
	return rep, nil
}

// addUniverseTasks registers one task per universe. The universe config
// file is only written at spawn time, inside the task's deferred setup.
func (d *Driver) addUniverseTasks(mgr *worker.Manager, runDir, exe string, defaults map[string]any) error {
	universes := d.cfg.Universes
	if len(universes) == 0 {
		universes = map[string]map[string]any{"uni0": {}}
	}
	names := make([]string, 0, len(universes))
	for name := range universes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		params := universes[name]
		uniDir := filepath.Join(runDir, name)
		_, err := mgr.AddTask(task.Config{
			Name:    name,
			Setup:   universeSetup(uniDir, exe, defaults, params),
			LogPath: filepath.Join(uniDir, "out.log"),
		})
		if err != nil {
			return fmt.Errorf("register universe %s: %w", name, err)
		}
	}
	return nil
}

// universeSetup defers the universe directory and config file creation to
// spawn time. A universe with "enabled: false" in its parameters is
// skipped.
func universeSetup(uniDir, exe string, defaults, params map[string]any) task.SetupFunc {
	return func() (task.WorkerSpec, error) {
		if enabled, ok := params["enabled"].(bool); ok && !enabled {
			return task.WorkerSpec{}, fmt.Errorf("universe disabled: %w", task.ErrSkipTask)
		}
		if err := os.MkdirAll(uniDir, 0o755); err != nil {
			return task.WorkerSpec{}, fmt.Errorf("create universe dir: %w", err)
		}
		cfgPath := filepath.Join(uniDir, "config.yml")
		merged := mergeParams(defaults, params)
		raw, err := yaml.Marshal(merged)
		if err != nil {
			return task.WorkerSpec{}, fmt.Errorf("encode universe config: %w", err)
		}
		if err := os.WriteFile(cfgPath, raw, 0o644); err != nil {
			return task.WorkerSpec{}, fmt.Errorf("write universe config: %w", err)
		}
		return task.WorkerSpec{
			Executable: exe,
			Args:       []string{cfgPath},
			Dir:        uniDir,
		}, nil
	}
}

// mergeParams overlays universe parameters on the model defaults. The merge
// is shallow: a universe key replaces the default wholesale.
func mergeParams(defaults, params map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		if k == "enabled" {
			continue
		}
		merged[k] = v
	}
	return merged
}

// exitCodeFor maps the session outcome to a process exit code. Interrupts
// follow the 128+signal convention when the config asks the frontend to
// exit; a worker failure under the raise policy propagates the worker's
// own exit code.
func exitCodeFor(state worker.RunState, err error, wc worker.Config) int {
	switch state {
	case worker.StateDone, worker.StateTimedOut:
		return 0
	case worker.StateInterrupted:
		if !wc.Interrupt.Exit {
			return 0
		}
		var ie *worker.InterruptError
		if errors.As(err, &ie) {
			return ie.ExitCode()
		}
		return 128 + int(wc.Interrupt.Signal)
	case worker.StateFailed:
		var ne *worker.NonZeroExitError
		if errors.As(err, &ne) {
			return ne.ExitCode()
		}
		return 1
	}
	return 1
}
