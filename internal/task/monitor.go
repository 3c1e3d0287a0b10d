package task

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// monitorPrefix tags a stdout line as a structured monitor message. The
// remainder of the line has to be a YAML flow mapping, e.g.
//
//	!!map {progress: 0.5, state: {mean_density: 0.31}}
const monitorPrefix = "!!map"

// MonitorData holds the most recently parsed monitor payload of a worker.
// Values are whatever the YAML parser produced; nested mappings are allowed.
type MonitorData map[string]any

// ParseMonitorLine tries to interpret a stream line as a monitor message.
// Returns the parsed payload and true on success. Lines without the monitor
// tag or with an unparseable payload are plain log output.
func ParseMonitorLine(line string) (MonitorData, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, monitorPrefix) {
		return nil, false
	}
	var data MonitorData
	if err := yaml.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	return data, true
}

// Entry retrieves a value by dotted path, e.g. "state.mean_density".
func (m MonitorData) Entry(path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var cur any = map[string]any(m)
	for _, key := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Float retrieves a numeric entry by dotted path.
func (m MonitorData) Float(path string) (float64, bool) {
	v, ok := m.Entry(path)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Progress returns the worker-reported progress in [0, 1], or 0 if the
// worker has not sent any parseable monitor message yet.
func (m MonitorData) Progress() float64 {
	p, ok := m.Float("progress")
	if !ok {
		return 0
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
