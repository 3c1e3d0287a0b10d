package stopcond

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/utopya-project/utopya/internal/task"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// monitoredTask spawns a worker that emits the given monitor line and idles,
// then polls until the line is captured.
func monitoredTask(t *testing.T, line string) *task.Task {
	t.Helper()
	tk, err := task.New(1, task.Config{
		Name: "monitored",
		Spec: &task.WorkerSpec{
			Executable: "/bin/sh",
			Args:       []string{"-c", "echo '" + line + "'; sleep 30"},
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tk.Spawn(); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	t.Cleanup(func() {
		tk.RequestStop("test cleanup")
		tk.Signal(syscall.SIGKILL)
		deadline := time.Now().Add(10 * time.Second)
		for !tk.PollStatus().Terminal() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for tk.MonitorUpdates() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor line not captured in time")
		}
		tk.PollStatus()
		tk.PollStreams(-1)
		time.Sleep(5 * time.Millisecond)
	}
	return tk
}

func TestOperators(t *testing.T) {
	tests := []struct {
		op   Operator
		a, b float64
		want bool
	}{
		{OpLT, 1, 2, true},
		{OpLT, 2, 2, false},
		{OpLE, 2, 2, true},
		{OpEQ, 2, 2, true},
		{OpEQ, 2, 3, false},
		{OpGE, 2, 2, true},
		{OpGT, 3, 2, true},
		{OpGT, 2, 2, false},
		{OpNE, 2, 3, true},
		{OpNE, 3, 3, false},
	}
	for _, test := range tests {
		if got := test.op.Compare(test.a, test.b); got != test.want {
			t.Errorf("%v %s %v = %v, want %v", test.a, test.op, test.b, got, test.want)
		}
	}

	if _, err := ParseOperator("=>"); err == nil {
		t.Error("expected error for unknown operator")
	}
	if _, err := ParseOperator(">="); err != nil {
		t.Errorf("ParseOperator(>=) failed: %v", err)
	}
}

func TestMonitorThreshold(t *testing.T) {
	tk := monitoredTask(t, `!!map {progress: 0.5, state: {density: 0.9}}`)

	tests := []struct {
		name  string
		check MonitorThreshold
		want  bool
	}{
		{"fulfilled", MonitorThreshold{Entry: "state.density", Operator: OpGT, Value: 0.8}, true},
		{"not fulfilled", MonitorThreshold{Entry: "state.density", Operator: OpLT, Value: 0.8}, false},
		{"absent entry", MonitorThreshold{Entry: "state.missing", Operator: OpGT, Value: 0}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.check.Evaluate(tk); got != test.want {
				t.Errorf("Evaluate = %v, want %v", got, test.want)
			}
		})
	}
}

func TestWallTimeout(t *testing.T) {
	tk := monitoredTask(t, `!!map {progress: 0.1}`)

	if (WallTimeout{After: time.Hour}).Evaluate(tk) {
		t.Error("hour-long timeout fulfilled immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if !(WallTimeout{After: 10 * time.Millisecond}).Evaluate(tk) {
		t.Error("tiny timeout not fulfilled")
	}
}

func TestWallTimeoutBeforeSpawn(t *testing.T) {
	tk, err := task.New(1, task.Config{
		Name: "pending",
		Spec: &task.WorkerSpec{Executable: "true"},
	}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if (WallTimeout{After: time.Nanosecond}).Evaluate(tk) {
		t.Error("timeout fulfilled for a never-spawned task")
	}
}

func TestStopConditionConjunction(t *testing.T) {
	tk := monitoredTask(t, `!!map {progress: 0.5}`)

	fulfilled := MonitorThreshold{Entry: "progress", Operator: OpGE, Value: 0.5}
	unfulfilled := MonitorThreshold{Entry: "progress", Operator: OpGE, Value: 0.9}

	if !New("", "", true, fulfilled).Fulfilled(tk) {
		t.Error("single fulfilled check not fulfilled")
	}
	if New("", "", true, fulfilled, unfulfilled).Fulfilled(tk) {
		t.Error("conjunction with one failing check was fulfilled")
	}
	if New("", "", false, fulfilled).Fulfilled(tk) {
		t.Error("disabled condition was fulfilled")
	}
	if New("empty", "", true).Fulfilled(tk) {
		t.Error("condition without checks was fulfilled")
	}
}

func TestFirstFulfilled(t *testing.T) {
	tk := monitoredTask(t, `!!map {progress: 0.5}`)

	miss := New("miss", "", true, MonitorThreshold{Entry: "progress", Operator: OpGE, Value: 0.9})
	hit := New("hit", "", true, MonitorThreshold{Entry: "progress", Operator: OpGE, Value: 0.5})

	if sc := FirstFulfilled([]*StopCondition{miss, hit}, tk); sc == nil || sc.Name() != "hit" {
		t.Errorf("FirstFulfilled = %v, want hit", sc)
	}
	if sc := FirstFulfilled([]*StopCondition{miss}, tk); sc != nil {
		t.Errorf("FirstFulfilled = %v, want nil", sc)
	}
}

func TestDerivedName(t *testing.T) {
	sc := New("", "", true,
		WallTimeout{After: time.Second},
		MonitorThreshold{Entry: "progress", Operator: OpGE, Value: 1})
	if sc.Name() != "timeout_wall && check_monitor_entry" {
		t.Errorf("derived name = %q", sc.Name())
	}
}
