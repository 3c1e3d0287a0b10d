package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/utopya-project/utopya/internal/worker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
model:
  name: forest_fire
  executable: ./forest_fire
  default_cfg:
    density: 0.6
out_dir: /tmp/utopya-test
worker_manager:
  num_workers: 3
  poll_delay: 0.02
  spawn_rate: 2
  lines_per_poll: 10
  nonzero_exit_handling: warn
  interrupt_params:
    send_signal: SIGTERM
    grace_period: 1.5
    exit: false
  save_streams_on: [monitor_update]
run:
  timeout: 120.5
  shuffle_tasks: true
  stop_conditions:
    - name: converged
      func: check_monitor_entry
      entry_name: progress
      operator: ">="
      value: 1.0
reporter:
  report_formats:
    extra:
      parser: task_counters
      write_to: [log]
      min_interval: 0.5
universes:
  uni0: {seed: 1}
  uni1: {seed: 2}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Model.Name != "forest_fire" || cfg.Model.Executable != "./forest_fire" {
		t.Errorf("model section: %+v", cfg.Model)
	}
	if len(cfg.Universes) != 2 {
		t.Errorf("expected 2 universes, got %d", len(cfg.Universes))
	}
	if cfg.Run.Timeout.Duration() != 120500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Run.Timeout.Duration())
	}
	if !cfg.Run.ShuffleTasks {
		t.Error("shuffle_tasks not parsed")
	}
	if fc, ok := cfg.Reporter.ReportFormats["extra"]; !ok || fc.Parser != "task_counters" {
		t.Errorf("report formats: %+v", cfg.Reporter.ReportFormats)
	}

	wc, err := cfg.WorkerConfig()
	if err != nil {
		t.Fatalf("WorkerConfig failed: %v", err)
	}
	if wc.NumWorkers != 3 || wc.SpawnRate != 2 || wc.LinesPerPoll != 10 {
		t.Errorf("worker config: %+v", wc)
	}
	if wc.PollDelay != 20*time.Millisecond {
		t.Errorf("poll delay = %v", wc.PollDelay)
	}
	if wc.NonzeroExitHandling != worker.PolicyWarn {
		t.Errorf("policy = %q", wc.NonzeroExitHandling)
	}
	if wc.Interrupt.Signal != syscall.SIGTERM {
		t.Errorf("interrupt signal = %v", wc.Interrupt.Signal)
	}
	if wc.Interrupt.GracePeriod != 1500*time.Millisecond {
		t.Errorf("grace period = %v", wc.Interrupt.GracePeriod)
	}
	if wc.Interrupt.Exit {
		t.Error("interrupt exit should be false")
	}
	if !wc.SaveStreamsOnMonitorUpdate {
		t.Error("save_streams_on monitor_update not applied")
	}

	conds, err := cfg.StopConditions()
	if err != nil {
		t.Fatalf("StopConditions failed: %v", err)
	}
	if len(conds) != 1 || conds[0].Name() != "converged" {
		t.Errorf("stop conditions: %v", conds)
	}
}

func TestNumWorkersAuto(t *testing.T) {
	path := writeConfig(t, `
model: {executable: ./m}
worker_manager:
  num_workers: auto
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wc, err := cfg.WorkerConfig()
	if err != nil {
		t.Fatalf("WorkerConfig failed: %v", err)
	}
	if wc.NumWorkers < 1 {
		t.Errorf("auto resolved to %d", wc.NumWorkers)
	}
}

func TestNumWorkersNegative(t *testing.T) {
	path := writeConfig(t, `
model: {executable: ./m}
worker_manager:
  num_workers: -1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wc, err := cfg.WorkerConfig()
	if err != nil {
		t.Fatalf("WorkerConfig failed: %v", err)
	}
	if wc.NumWorkers != 1 {
		t.Errorf("expected clip to 1, got %d", wc.NumWorkers)
	}
}

func TestNullTimeoutMeansNone(t *testing.T) {
	path := writeConfig(t, `
model: {executable: ./m}
run:
  timeout: ~
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.Timeout != 0 {
		t.Errorf("null timeout = %v, want 0", cfg.Run.Timeout)
	}
}

func TestInterruptExitDefaultsTrue(t *testing.T) {
	path := writeConfig(t, `model: {executable: ./m}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wc, err := cfg.WorkerConfig()
	if err != nil {
		t.Fatalf("WorkerConfig failed: %v", err)
	}
	if !wc.Interrupt.Exit {
		t.Error("interrupt exit should default to true")
	}
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad num_workers", "worker_manager: {num_workers: many}"},
		{"bad policy", "worker_manager: {nonzero_exit_handling: explode}"},
		{"bad signal", "worker_manager: {interrupt_params: {send_signal: SIGBOGUS}}"},
		{"bad save event", "worker_manager: {save_streams_on: [every_line]}"},
		{"bad stop condition", "run: {stop_conditions: [{name: x, func: no_such_check}]}"},
		{"not yaml", ":\n  - ["},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, test.content)); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
