package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedQuantity = errors.New("unsupported quantity")
	ErrNotSetup            = errors.New("driver not set up")
	ErrBusBusy             = errors.New("bus busy")
	ErrTimeout             = errors.New("bus timeout")
	ErrDeviceAbsent        = errors.New("device absent")
	ErrPermissionDenied    = errors.New("permission denied")
)

// Kind classifies a driver failure for the retry decision.
type Kind int

const (
	// KindFatal failures disable the instance: missing device, bad configuration.
	KindFatal Kind = iota
	// KindTransient failures are retried: bus busy, timeouts, checksum errors.
	KindTransient
	// KindNone is the classification of a nil error.
	KindNone
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNone:
		return "none"
	default:
		return "fatal"
	}
}

// ReadError is the typed error drivers return from Setup, Read and Write.
type ReadError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable driver failure.
func Transient(op string, err error) error {
	return &ReadError{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a non-retryable driver failure.
func Fatal(op string, err error) error {
	return &ReadError{Kind: KindFatal, Op: op, Err: err}
}

// UnsupportedQuantityError reports an instance configured for a quantity its
// driver cannot produce.
type UnsupportedQuantityError struct {
	Instance string
	Quantity Quantity
	Allowed  Quantities
}

func (e *UnsupportedQuantityError) Error() string {
	return fmt.Sprintf("sensor '%s' was configured to return %q, but only supports: %s",
		e.Instance, e.Quantity, e.Allowed)
}

func (e *UnsupportedQuantityError) Is(target error) bool {
	return target == ErrUnsupportedQuantity
}

// CheckQuantity returns an UnsupportedQuantityError when spec asks for a
// quantity outside allowed.
func CheckQuantity(spec MeasurementSpec, allowed Quantities) error {
	if allowed.Contains(spec.Quantity) {
		return nil
	}
	return &UnsupportedQuantityError{Instance: spec.Instance, Quantity: spec.Quantity, Allowed: allowed}
}

// Classify decides whether err is worth retrying. Anything a driver did not
// explicitly mark transient is fatal, except deadline and busy conditions.
// A nil error is KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrUnsupportedQuantity) {
		return KindFatal
	}
	var re *ReadError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrBusBusy) {
		return KindTransient
	}
	return KindFatal
}
