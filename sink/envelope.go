package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anibaldeboni/zero-paper/sensorhub/reading"
)

// Format selects how payloads are encoded.
type Format string

const (
	FormatJSON  Format = "json"
	FormatPlain Format = "plain"
)

// ParseFormat accepts "json" or "plain"; empty means json.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatPlain:
		return FormatPlain, nil
	default:
		return "", fmt.Errorf("unknown payload format %q (json, plain)", s)
	}
}

// Status is the availability of an instance.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDisabled Status = "disabled"
	StatusOffline  Status = "offline"
)

// StatusEvent announces an availability change.
type StatusEvent struct {
	Instance  string    `json:"instance"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is one unit of delivery. Exactly one of Reading and Status is set.
type Envelope struct {
	Topic   string
	Payload []byte
	Reading *reading.Reading
	Status  *StatusEvent
}

// ReadingTopic is the topic a reading is published under.
func ReadingTopic(r reading.Reading) string {
	return fmt.Sprintf("sensor/%s/%s", r.Instance, r.Quantity)
}

// StatusTopic is the topic availability of instance is published under.
func StatusTopic(instance string) string {
	return "status/" + instance
}

type readingPayload struct {
	reading.Reading
	Unit string `json:"unit,omitempty"`
}

func encodeReading(r reading.Reading, f Format) ([]byte, error) {
	if f == FormatPlain {
		return []byte(r.Value.String()), nil
	}
	return json.Marshal(readingPayload{Reading: r, Unit: r.Quantity.Unit()})
}

func encodeStatus(ev StatusEvent, f Format) ([]byte, error) {
	if f == FormatPlain {
		return []byte(ev.Status), nil
	}
	return json.Marshal(ev)
}
