// Package driver defines the contract every sensor or actuator plugin implements,
// together with the value, schema and error types that cross that boundary.
package driver

import (
	"fmt"
	"strings"
)

// Quantity is the physical measurement kind an instance reports.
type Quantity string

const (
	Temperature Quantity = "temperature" // °C
	Humidity    Quantity = "humidity"    // %RH
	Pressure    Quantity = "pressure"    // hPa
	Voltage     Quantity = "voltage"     // V
	Current     Quantity = "current"     // A
	Power       Quantity = "power"       // W
	State       Quantity = "state"       // binary
	Gas         Quantity = "gas"         // Ω, heated metal-oxide resistance
	AirQuality  Quantity = "air_quality" // score from 0 (bad) to 100 (good)
)

var knownQuantities = Quantities{Temperature, Humidity, Pressure, Voltage, Current, Power, State, Gas, AirQuality}

// ParseQuantity converts a configuration string into a known Quantity.
func ParseQuantity(s string) (Quantity, error) {
	q := Quantity(strings.ToLower(strings.TrimSpace(s)))
	if !knownQuantities.Contains(q) {
		return "", fmt.Errorf("unknown quantity %q (known: %s)", s, knownQuantities)
	}
	return q, nil
}

// Unit returns the unit the normalized value is expressed in.
func (q Quantity) Unit() string {
	switch q {
	case Temperature:
		return "°C"
	case Humidity:
		return "%"
	case Pressure:
		return "hPa"
	case Voltage:
		return "V"
	case Current:
		return "A"
	case Power:
		return "W"
	case Gas:
		return "Ω"
	case AirQuality:
		return "%"
	default:
		return ""
	}
}

// Quantities is the closed set of quantities a driver is able to produce.
type Quantities []Quantity

// Contains reports whether q is part of the set.
func (qs Quantities) Contains(q Quantity) bool {
	for _, candidate := range qs {
		if candidate == q {
			return true
		}
	}
	return false
}

// Strings returns the set as plain strings, in declaration order.
func (qs Quantities) Strings() []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = string(q)
	}
	return out
}

func (qs Quantities) String() string {
	return strings.Join(qs.Strings(), ", ")
}
