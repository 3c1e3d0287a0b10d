package stopcond

import (
	"fmt"
	"sort"
	"time"
)

// Constructor builds a Check from the keyword arguments of a YAML spec.
type Constructor func(args map[string]any) (Check, error)

// constructors maps check-function names to their constructors. The two
// built-in kinds are always present; additional kinds can be registered for
// open-ended configurability.
var constructors = map[string]Constructor{
	"timeout_wall":        newWallTimeout,
	"check_monitor_entry": newMonitorThreshold,
}

// RegisterCheck adds a named check constructor. Overwriting an existing name
// is an error.
func RegisterCheck(name string, ctor Constructor) error {
	if _, exists := constructors[name]; exists {
		return fmt.Errorf("check function %q already registered", name)
	}
	constructors[name] = ctor
	return nil
}

// CheckNames lists the registered check-function names, sorted.
func CheckNames() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckSpec is one entry of a `to_check` list: a function name plus its
// keyword arguments.
type CheckSpec struct {
	Func string         `yaml:"func"`
	Args map[string]any `yaml:",inline"`
}

// Spec is the YAML representation of a stop condition. Two syntaxes are
// supported:
//
//	# short form: a single check function with inline kwargs
//	- name: stop when converged
//	  func: check_monitor_entry
//	  entry_name: progress
//	  operator: ">="
//	  value: 1.0
//
//	# long form: conjunction of several check functions
//	- name: slow and converged
//	  to_check:
//	    - {func: timeout_wall, seconds: 60}
//	    - {func: check_monitor_entry, entry_name: progress, operator: ">=", value: 0.99}
type Spec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Enabled     *bool          `yaml:"enabled"`
	Func        string         `yaml:"func"`
	ToCheck     []CheckSpec    `yaml:"to_check"`
	Args        map[string]any `yaml:",inline"`
}

// Build resolves the spec into a StopCondition.
func (s Spec) Build() (*StopCondition, error) {
	if s.Func != "" && len(s.ToCheck) > 0 {
		return nil, fmt.Errorf("stop condition %q: got both `func` and `to_check`", s.Name)
	}
	if s.Func == "" && len(s.ToCheck) == 0 {
		return nil, fmt.Errorf("stop condition %q: need one of `func` or `to_check`", s.Name)
	}

	specs := s.ToCheck
	if s.Func != "" {
		specs = []CheckSpec{{Func: s.Func, Args: s.Args}}
	}

	checks := make([]Check, 0, len(specs))
	for _, cs := range specs {
		ctor, ok := constructors[cs.Func]
		if !ok {
			return nil, fmt.Errorf(
				"no check function %q registered; available: %v", cs.Func, CheckNames())
		}
		check, err := ctor(cs.Args)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", cs.Func, err)
		}
		checks = append(checks, check)
	}

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return New(s.Name, s.Description, enabled, checks...), nil
}

// BuildAll resolves a list of specs, as read from a run configuration.
func BuildAll(specs []Spec) ([]*StopCondition, error) {
	conds := make([]*StopCondition, 0, len(specs))
	for _, s := range specs {
		sc, err := s.Build()
		if err != nil {
			return nil, err
		}
		conds = append(conds, sc)
	}
	return conds, nil
}

func newWallTimeout(args map[string]any) (Check, error) {
	seconds, err := floatArg(args, "seconds")
	if err != nil {
		return nil, err
	}
	if seconds <= 0 {
		return nil, fmt.Errorf("`seconds` must be positive, got %v", seconds)
	}
	return WallTimeout{After: time.Duration(seconds * float64(time.Second))}, nil
}

func newMonitorThreshold(args map[string]any) (Check, error) {
	entry, err := stringArg(args, "entry_name")
	if err != nil {
		return nil, err
	}
	opStr, err := stringArg(args, "operator")
	if err != nil {
		return nil, err
	}
	op, err := ParseOperator(opStr)
	if err != nil {
		return nil, err
	}
	value, err := floatArg(args, "value")
	if err != nil {
		return nil, err
	}
	return MonitorThreshold{Entry: entry, Operator: op, Value: value}, nil
}

func floatArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument `%s`", key)
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("argument `%s` must be a number, got %T", key, v)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument `%s`", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument `%s` must be a string, got %T", key, v)
	}
	return s, nil
}
