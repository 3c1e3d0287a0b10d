// Package config loads and validates run configuration files. A run config
// bundles the worker manager settings, reporter formats, stop conditions and
// the model/universe definitions for one simulation run.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/utopya-project/utopya/internal/reporter"
	"github.com/utopya-project/utopya/internal/stopcond"
	"github.com/utopya-project/utopya/internal/task"
	"github.com/utopya-project/utopya/internal/worker"
)

// RunConfig is the root of a run configuration file.
type RunConfig struct {
	WorkerManager ManagerSection            `yaml:"worker_manager"`
	Reporter      ReporterSection           `yaml:"reporter"`
	Run           RunSection                `yaml:"run"`
	Model         ModelSection              `yaml:"model"`
	Universes     map[string]map[string]any `yaml:"universes"`
	OutDir        string                    `yaml:"out_dir"`
}

// ManagerSection configures the worker manager.
type ManagerSection struct {
	// NumWorkers accepts an integer or the string "auto"; zero and
	// negative values follow the CPU-relative convention.
	NumWorkers          WorkerCount      `yaml:"num_workers"`
	PollDelay           Seconds          `yaml:"poll_delay"`
	SpawnRate           int              `yaml:"spawn_rate"`
	LinesPerPoll        int              `yaml:"lines_per_poll"`
	NonzeroExitHandling string           `yaml:"nonzero_exit_handling"`
	Interrupt           InterruptSection `yaml:"interrupt_params"`
	// SaveStreamsOn lists events that trigger a stream flush; currently
	// only "monitor_update" is recognized.
	SaveStreamsOn    []string `yaml:"save_streams_on"`
	SaveStreamsEvery int      `yaml:"save_streams_every"`
}

// InterruptSection configures the two-phase shutdown.
type InterruptSection struct {
	SendSignal  string  `yaml:"send_signal"`
	GracePeriod Seconds `yaml:"grace_period"`
	Exit        *bool   `yaml:"exit"`
}

// ReporterSection configures the named report formats.
type ReporterSection struct {
	ReportDir     string                     `yaml:"report_dir"`
	ReportFormats map[string]reporter.Config `yaml:"report_formats"`
}

// RunSection holds per-run scheduling settings.
type RunSection struct {
	// Timeout limits the whole work session; <= 0 disables it.
	Timeout        Seconds         `yaml:"timeout"`
	ShuffleTasks   bool            `yaml:"shuffle_tasks"`
	StopConditions []stopcond.Spec `yaml:"stop_conditions"`
}

// ModelSection names the model binary and its default configuration; the
// executable may also come from the model registry at run time.
type ModelSection struct {
	Name       string         `yaml:"name"`
	Executable string         `yaml:"executable"`
	DefaultCfg map[string]any `yaml:"default_cfg"`
}

// WorkerCount is an int that also accepts "auto" in YAML, mapping it to 0
// so that the CPU-relative resolution applies.
type WorkerCount int

func (w *WorkerCount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Value == "auto" {
		*w = 0
		return nil
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("num_workers must be an integer or \"auto\": %w", err)
	}
	*w = WorkerCount(n)
	return nil
}

// Seconds is a duration given as a (possibly fractional) number of seconds.
type Seconds float64

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	// An explicit null ("timeout: ~") means "none", like an absent key.
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*s = 0
		return nil
	}
	var f float64
	if err := node.Decode(&f); err != nil {
		return fmt.Errorf("expected a duration in seconds: %w", err)
	}
	*s = Seconds(f)
	return nil
}

// Duration converts the seconds value to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Load reads a YAML run configuration from path.
func Load(path string) (*RunConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// Validate checks the parts that would otherwise fail deep inside a run.
func (c *RunConfig) Validate() error {
	if _, err := worker.ParsePolicy(c.WorkerManager.NonzeroExitHandling); err != nil {
		return err
	}
	if s := c.WorkerManager.Interrupt.SendSignal; s != "" {
		if _, err := task.SignalByName(s); err != nil {
			return err
		}
	}
	for _, ev := range c.WorkerManager.SaveStreamsOn {
		if ev != "monitor_update" {
			return fmt.Errorf("unknown save_streams_on event: %q", ev)
		}
	}
	if _, err := stopcond.BuildAll(c.Run.StopConditions); err != nil {
		return err
	}
	return nil
}

// WorkerConfig resolves the manager section into a worker.Config; unset
// fields fall back to the manager defaults.
func (c *RunConfig) WorkerConfig() (worker.Config, error) {
	wc := worker.Config{
		NumWorkers:       worker.ResolveNumWorkers(int(c.WorkerManager.NumWorkers)),
		PollDelay:        c.WorkerManager.PollDelay.Duration(),
		SpawnRate:        c.WorkerManager.SpawnRate,
		LinesPerPoll:     c.WorkerManager.LinesPerPoll,
		SaveStreamsEvery: c.WorkerManager.SaveStreamsEvery,
	}
	policy, err := worker.ParsePolicy(c.WorkerManager.NonzeroExitHandling)
	if err != nil {
		return wc, err
	}
	wc.NonzeroExitHandling = policy

	ip := c.WorkerManager.Interrupt
	if ip.SendSignal != "" {
		sig, err := task.SignalByName(ip.SendSignal)
		if err != nil {
			return wc, err
		}
		wc.Interrupt.Signal = sig
	}
	wc.Interrupt.GracePeriod = ip.GracePeriod.Duration()
	wc.Interrupt.Exit = ip.Exit == nil || *ip.Exit

	for _, ev := range c.WorkerManager.SaveStreamsOn {
		if ev == "monitor_update" {
			wc.SaveStreamsOnMonitorUpdate = true
		}
	}
	return wc, nil
}

// StopConditions builds the configured stop conditions.
func (c *RunConfig) StopConditions() ([]*stopcond.StopCondition, error) {
	return stopcond.BuildAll(c.Run.StopConditions)
}
