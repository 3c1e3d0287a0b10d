package monitor

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLineSingleLine(t *testing.T) {
	line, err := Line(map[string]any{
		"progress": 0.5,
		"state":    map[string]any{"density": 0.31},
	})
	if err != nil {
		t.Fatalf("Line failed: %v", err)
	}
	if !strings.HasPrefix(line, Prefix+" ") {
		t.Errorf("missing prefix: %q", line)
	}
	if strings.Contains(line, "\n") {
		t.Errorf("monitor message spans lines: %q", line)
	}

	// The emitted line parses back into the same payload.
	var data map[string]any
	if err := yaml.Unmarshal([]byte(line), &data); err != nil {
		t.Fatalf("emitted line does not parse: %v", err)
	}
	if data["progress"] != 0.5 {
		t.Errorf("progress round trip: %v", data["progress"])
	}
	state, ok := data["state"].(map[string]any)
	if !ok || state["density"] != 0.31 {
		t.Errorf("nested round trip: %v", data["state"])
	}
}

func TestEmitter(t *testing.T) {
	var buf strings.Builder
	e := New(&buf)
	if err := e.Progress(0.25); err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if err := e.Emit(map[string]any{"state": map[string]any{"n": 42}}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, Prefix) {
			t.Errorf("line without prefix: %q", line)
		}
	}
}
