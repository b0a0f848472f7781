package driver

import (
	"fmt"
	"math"
	"strconv"
)

// Options carries the per-instance settings after defaults were applied and
// the schema was validated. Values come straight from YAML, so numbers may
// arrive as int, int64, uint64 or float64.
type Options map[string]any

// Int returns the named option as an int.
func (o Options) Int(key string) (int, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q not set", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("option %q: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("option %q: %w", key, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

// Float returns the named option as a float64.
func (o Options) Float(key string) (float64, error) {
	v, ok := o[key]
	if !ok {
		return 0, fmt.Errorf("option %q not set", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

// String returns the named option as a string. Scalars are formatted.
func (o Options) String(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("option %q not set", key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(s), nil
	default:
		return "", fmt.Errorf("option %q: unexpected type %T", key, v)
	}
}

// Bool returns the named option as a bool.
func (o Options) Bool(key string) (bool, error) {
	v, ok := o[key]
	if !ok {
		return false, fmt.Errorf("option %q not set", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("option %q: unexpected type %T", key, v)
	}
	return b, nil
}

// Clone returns a shallow copy so defaults can be applied without mutating
// the caller's map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
