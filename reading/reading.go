// Package reading turns raw driver samples into canonical readings.
package reading

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

// Value is a normalized sample: either a number or a boolean.
type Value struct {
	num    float64
	flag   bool
	isBool bool
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{num: f}
}

// Bool returns a boolean Value.
func Bool(b bool) Value {
	return Value{flag: b, isBool: true}
}

// IsBool reports whether v holds a boolean.
func (v Value) IsBool() bool {
	return v.isBool
}

// Float returns the numeric value; booleans map to 0 and 1.
func (v Value) Float() float64 {
	if v.isBool {
		if v.flag {
			return 1
		}
		return 0
	}
	return v.num
}

// Bool returns the boolean value; numbers are true when non-zero.
func (v Value) Bool() bool {
	if v.isBool {
		return v.flag
	}
	return v.num != 0
}

// String formats the value as a plain payload.
func (v Value) String() string {
	if v.isBool {
		return strconv.FormatBool(v.flag)
	}
	return strconv.FormatFloat(v.num, 'f', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isBool {
		return json.Marshal(v.flag)
	}
	if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
		return nil, fmt.Errorf("cannot encode %v as JSON", v.num)
	}
	return json.Marshal(v.num)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("value must be a number or a boolean: %w", err)
	}
	*v = Number(f)
	return nil
}

// Raw converts the value back to what a driver Writer accepts.
func (v Value) Raw() driver.RawValue {
	if v.isBool {
		return driver.Binary(v.flag)
	}
	return driver.Scalar(v.num)
}

// Reading is one normalized sample of one instance.
type Reading struct {
	Instance  string          `json:"instance"`
	Quantity  driver.Quantity `json:"quantity"`
	Value     Value           `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Normalize maps a raw sample to a Reading for spec. Records must contain the
// configured quantity; a missing one is reported as unsupported.
func Normalize(spec driver.MeasurementSpec, raw driver.RawValue, at time.Time) (Reading, error) {
	r := Reading{
		Instance:  spec.Instance,
		Quantity:  spec.Quantity,
		Timestamp: at,
	}

	switch v := raw.(type) {
	case driver.Scalar:
		r.Value = Number(round(float64(v), spec.Digits))
	case driver.Binary:
		r.Value = Bool(bool(v))
	case driver.Record:
		f, ok := v[spec.Quantity]
		if !ok {
			return Reading{}, &driver.UnsupportedQuantityError{
				Instance: spec.Instance,
				Quantity: spec.Quantity,
				Allowed:  v.Quantities(),
			}
		}
		r.Value = Number(round(f, spec.Digits))
	case nil:
		return Reading{}, fmt.Errorf("sensor '%s' returned no value", spec.Instance)
	default:
		return Reading{}, fmt.Errorf("sensor '%s' returned unsupported raw value %T", spec.Instance, raw)
	}
	return r, nil
}

func round(f float64, digits *int) float64 {
	if digits == nil {
		return f
	}
	p := math.Pow(10, float64(*digits))
	return math.Round(f*p) / p
}
