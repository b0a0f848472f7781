package driver

import "sort"

// FieldType is the JSON type an option must have.
type FieldType string

const (
	TypeInt    FieldType = "integer"
	TypeFloat  FieldType = "number"
	TypeString FieldType = "string"
	TypeBool   FieldType = "boolean"
)

// Field describes one driver option.
type Field struct {
	Type        FieldType
	Required    bool
	Default     any
	Allowed     []any
	Min         *float64
	Max         *float64
	Description string
}

// Schema maps option names to their description.
type Schema map[string]Field

// Bound is a helper for Field.Min and Field.Max literals.
func Bound(v float64) *float64 {
	return &v
}

// ApplyDefaults returns a copy of opts with every missing optional field set
// to its default.
func (s Schema) ApplyDefaults(opts Options) Options {
	out := opts.Clone()
	for name, f := range s {
		if _, ok := out[name]; ok || f.Default == nil {
			continue
		}
		out[name] = f.Default
	}
	return out
}

// JSONSchema renders the schema as a JSON Schema document. Unknown options are
// rejected.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	required := make([]string, 0)
	for name, f := range s {
		p := map[string]any{"type": string(f.Type)}
		if len(f.Allowed) > 0 {
			p["enum"] = f.Allowed
		}
		if f.Min != nil {
			p["minimum"] = *f.Min
		}
		if f.Max != nil {
			p["maximum"] = *f.Max
		}
		if f.Description != "" {
			p["description"] = f.Description
		}
		props[name] = p
		if f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}
