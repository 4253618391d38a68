package triggers

import (
	"fmt"
	"math"
)

// Argument schema vocabulary shared with the automation host.
const (
	ArgTypeInt    = "int"
	ArgTypeNumber = "number"
	ArgTypeTime   = "time" // "HH:MM"
)

// ArgSpec describes one argument a rule accepts.
type ArgSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Args carries the host-supplied argument values for one evaluation.
// Values arrive JSON-decoded, so numbers are float64.
type Args map[string]interface{}

func (a Args) intArg(name string) (int, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("argument %q must be an integer, got %v", name, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", name, v)
	}
}

func (a Args) numberArg(name string) (float64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", name, v)
	}
}

func (a Args) timeArg(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a HH:MM string, got %T", name, v)
	}
	return s, nil
}
