// Package stopcond implements stop conditions: predicates over a task's
// live monitor state or elapsed wall time that trigger early termination of
// an individual worker. A StopCondition is a conjunction of checks; several
// StopConditions attached to a run are OR-connected.
package stopcond

import (
	"fmt"
	"strings"
	"time"

	"github.com/utopya-project/utopya/internal/task"
)

// Check is a single evaluation against a task's current state. Evaluations
// must be cheap, repeatable and free of task mutation.
type Check interface {
	Name() string
	Evaluate(t *task.Task) bool
}

// StopCondition is an AND-conjunction of checks with some metadata.
type StopCondition struct {
	name        string
	description string
	enabled     bool
	checks      []Check
}

// New creates a stop condition. With an empty name, one is derived from the
// check names.
func New(name, description string, enabled bool, checks ...Check) *StopCondition {
	if name == "" {
		names := make([]string, len(checks))
		for i, c := range checks {
			names[i] = c.Name()
		}
		name = strings.Join(names, " && ")
	}
	return &StopCondition{
		name:        name,
		description: description,
		enabled:     enabled,
		checks:      checks,
	}
}

func (sc *StopCondition) Name() string        { return sc.name }
func (sc *StopCondition) Description() string { return sc.description }
func (sc *StopCondition) Enabled() bool       { return sc.enabled }

func (sc *StopCondition) String() string {
	if sc.description != "" {
		return fmt.Sprintf("StopCondition %q: %s", sc.name, sc.description)
	}
	return fmt.Sprintf("StopCondition %q", sc.name)
}

// Fulfilled evaluates all checks against the task's current state and
// returns true only if every check returns true. Disabled conditions and
// conditions without checks are never fulfilled. Does not mutate the task.
func (sc *StopCondition) Fulfilled(t *task.Task) bool {
	if !sc.enabled || len(sc.checks) == 0 {
		return false
	}
	for _, c := range sc.checks {
		if !c.Evaluate(t) {
			return false
		}
	}
	return true
}

// FirstFulfilled evaluates the disjunction of conditions for a task and
// returns the first fulfilled one, or nil.
func FirstFulfilled(conds []*StopCondition, t *task.Task) *StopCondition {
	for _, sc := range conds {
		if sc.Fulfilled(t) {
			return sc
		}
	}
	return nil
}

// -- Built-in checks ---------------------------------------------------------

// WallTimeout is fulfilled once the task's worker has been running longer
// than the given duration.
type WallTimeout struct {
	After time.Duration
}

func (c WallTimeout) Name() string { return "timeout_wall" }

func (c WallTimeout) Evaluate(t *task.Task) bool {
	spawned := t.SpawnedAt()
	if spawned.IsZero() {
		return false
	}
	return time.Since(spawned) > c.After
}

// MonitorThreshold compares a named monitor entry (dotted paths allowed)
// against a threshold. Unfulfilled while the entry is absent.
type MonitorThreshold struct {
	Entry    string
	Operator Operator
	Value    float64
}

func (c MonitorThreshold) Name() string { return "check_monitor_entry" }

func (c MonitorThreshold) Evaluate(t *task.Task) bool {
	v, ok := t.Monitor().Float(c.Entry)
	if !ok {
		return false
	}
	return c.Operator.Compare(v, c.Value)
}

// Operator is a binary comparison used by MonitorThreshold.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "=="
	OpGE Operator = ">="
	OpGT Operator = ">"
	OpNE Operator = "!="
)

// ParseOperator validates an operator string from configuration.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpLT, OpLE, OpEQ, OpGE, OpGT, OpNE:
		return Operator(s), nil
	}
	return "", fmt.Errorf("unknown comparison operator: %q", s)
}

// Compare applies the operator to (a, b).
func (op Operator) Compare(a, b float64) bool {
	switch op {
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpEQ:
		return a == b
	case OpGE:
		return a >= b
	case OpGT:
		return a > b
	case OpNE:
		return a != b
	}
	return false
}
