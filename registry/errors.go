package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tells why an instance could not be loaded.
type ErrorKind int

const (
	SchemaViolation ErrorKind = iota
	DuplicateDriver
	DuplicateInstance
	UnknownDriver
	UnsupportedQuantity
	SetupFailed
)

func (k ErrorKind) String() string {
	switch k {
	case SchemaViolation:
		return "schema violation"
	case DuplicateDriver:
		return "duplicate driver"
	case DuplicateInstance:
		return "duplicate instance"
	case UnknownDriver:
		return "unknown driver"
	case UnsupportedQuantity:
		return "unsupported quantity"
	case SetupFailed:
		return "setup failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConfigError is returned for every instance or registration that was
// rejected. It never aborts loading of other instances.
type ConfigError struct {
	Instance   string
	Driver     string
	Kind       ErrorKind
	Violations []string
	Err        error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Instance != "" {
		fmt.Fprintf(&b, "instance %q", e.Instance)
	} else {
		fmt.Fprintf(&b, "driver %q", e.Driver)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a ConfigError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ce *ConfigError
	return errors.As(err, &ce) && ce.Kind == k
}
