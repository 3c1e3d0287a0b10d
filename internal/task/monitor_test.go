package task

import "testing"

func TestParseMonitorLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"simple", `!!map {progress: 0.5}`, true},
		{"nested", `!!map {progress: 0.1, state: {density: 0.3, n: 42}}`, true},
		{"leading whitespace", `   !!map {progress: 0.5}`, true},
		{"plain line", `just some log output`, false},
		{"prefix mid-line", `log: !!map {progress: 0.5}`, false},
		{"broken payload", `!!map {progress: `, false},
		{"empty payload", `!!map`, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, ok := ParseMonitorLine(test.line)
			if ok != test.ok {
				t.Fatalf("ParseMonitorLine(%q) ok = %v, want %v", test.line, ok, test.ok)
			}
			if ok && data == nil {
				t.Error("parsed payload is nil")
			}
		})
	}
}

func TestMonitorDataEntry(t *testing.T) {
	data, ok := ParseMonitorLine(`!!map {progress: 0.4, state: {density: 0.31, phase: high}}`)
	if !ok {
		t.Fatal("parse failed")
	}

	if v, ok := data.Entry("state.phase"); !ok || v != "high" {
		t.Errorf("Entry(state.phase) = %v, %v", v, ok)
	}
	if v, ok := data.Float("state.density"); !ok || v != 0.31 {
		t.Errorf("Float(state.density) = %v, %v", v, ok)
	}
	if _, ok := data.Entry("state.missing"); ok {
		t.Error("Entry found a missing key")
	}
	if _, ok := data.Entry("state.phase.deeper"); ok {
		t.Error("Entry descended into a scalar")
	}
	if _, ok := data.Float("state.phase"); ok {
		t.Error("Float converted a string")
	}
}

func TestMonitorDataProgress(t *testing.T) {
	tests := []struct {
		line string
		want float64
	}{
		{`!!map {progress: 0.5}`, 0.5},
		{`!!map {progress: 1}`, 1},
		{`!!map {progress: 1.7}`, 1},  // clamped
		{`!!map {progress: -0.2}`, 0}, // clamped
		{`!!map {other: 3}`, 0},
	}
	for _, test := range tests {
		data, ok := ParseMonitorLine(test.line)
		if !ok {
			t.Fatalf("parse failed for %q", test.line)
		}
		if got := data.Progress(); got != test.want {
			t.Errorf("Progress of %q = %v, want %v", test.line, got, test.want)
		}
	}

	var empty MonitorData
	if empty.Progress() != 0 {
		t.Error("nil MonitorData should report zero progress")
	}
}
