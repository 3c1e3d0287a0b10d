// Package telemetry provides a small in-process metric collector used to
// record scheduler internals (poll iterations, spawns, lines read, poll
// durations). Snapshots are logged after a run; there is no exporter.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric.
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is one recorded value.
type Metric struct {
	Name  string
	Type  MetricType
	Value float64
	Count int64
}

// Collector aggregates metrics. Safe for concurrent use, although the
// worker manager records from a single goroutine.
type Collector struct {
	mu      sync.Mutex
	enabled bool
	values  map[string]*Metric
}

// NewCollector creates a collector; a disabled collector drops all records.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, values: make(map[string]*Metric)}
}

// Count adds delta to a counter metric.
func (c *Collector) Count(name string, delta float64) {
	c.record(name, Counter, delta)
}

// SetGauge sets a gauge metric to the given value.
func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	m := c.get(name, Gauge)
	m.Value = value
	m.Count++
}

// Time accumulates a duration under a timer metric.
func (c *Collector) Time(name string, d time.Duration) {
	c.record(name, Timer, d.Seconds())
}

func (c *Collector) record(name string, typ MetricType, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	m := c.get(name, typ)
	m.Value += delta
	m.Count++
}

func (c *Collector) get(name string, typ MetricType) *Metric {
	m, ok := c.values[name]
	if !ok {
		m = &Metric{Name: name, Type: typ}
		c.values[name] = m
	}
	return m
}

// Snapshot returns the current metrics, sorted by name.
func (c *Collector) Snapshot() []Metric {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metric, 0, len(c.values))
	for _, m := range c.values {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Log writes the snapshot through the given logger at debug level.
func (c *Collector) Log(log zerolog.Logger) {
	for _, m := range c.Snapshot() {
		log.Debug().
			Str("metric", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Int64("count", m.Count).
			Msg("telemetry")
	}
}
