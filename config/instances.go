package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// InstanceConfig is one entry under instances. Keys other than driver,
// quantity, interval and digits are driver options.
type InstanceConfig struct {
	Name     string
	Driver   string
	Quantity string
	Interval time.Duration
	Digits   *int
	Options  map[string]any
	// Err rejects this entry only; the other instances still load.
	Err error
}

type instanceFields struct {
	Driver   string         `yaml:"driver"`
	Quantity string         `yaml:"quantity"`
	Interval any            `yaml:"interval"`
	Digits   *int           `yaml:"digits"`
	Options  map[string]any `yaml:",inline"`
}

// Instances keeps the order of the instances mapping. Duplicate names are
// kept so loading can report them.
type Instances []InstanceConfig

// UnmarshalYAML decodes a mapping of instance name to settings. A malformed
// entry is kept with Err set instead of failing the whole file.
func (in *Instances) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: instances must be a mapping of name to settings", node.Line)
	}
	out := make(Instances, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		out = append(out, decodeInstance(key.Value, value))
	}
	*in = out
	return nil
}

func decodeInstance(name string, node *yaml.Node) InstanceConfig {
	inst := InstanceConfig{Name: name}

	var fields instanceFields
	// yaml.v3 keeps the fields it could decode when it reports a TypeError.
	err := node.Decode(&fields)
	inst.Driver = fields.Driver
	inst.Quantity = fields.Quantity
	inst.Digits = fields.Digits
	inst.Options = fields.Options
	if err != nil {
		inst.Err = fmt.Errorf("line %d: %w", node.Line, err)
		return inst
	}

	interval, err := parseInterval(fields.Interval)
	if err != nil {
		inst.Err = fmt.Errorf("line %d: interval: %w", node.Line, err)
		return inst
	}
	inst.Interval = interval
	return inst
}

// parseInterval accepts a duration string ("30s", "1m") or a bare number of
// seconds. Zero means the default interval.
func parseInterval(v any) (time.Duration, error) {
	var d time.Duration
	switch iv := v.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := time.ParseDuration(iv)
		if err != nil {
			return 0, err
		}
		d = parsed
	case int:
		d = time.Duration(iv) * time.Second
	case float64:
		d = time.Duration(iv * float64(time.Second))
	default:
		return 0, fmt.Errorf("unexpected value %v", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%v must not be negative", v)
	}
	return d, nil
}

// Names returns the instance names in file order.
func (in Instances) Names() []string {
	names := make([]string, len(in))
	for i, inst := range in {
		names[i] = inst.Name
	}
	return names
}
