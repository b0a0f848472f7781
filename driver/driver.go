package driver

import "context"

// Driver is the contract between the engine and one configured device.
//
// Setup is called exactly once per instance lifecycle, never retried, and
// acquires the hardware handle the instance owns until Close. A failed Setup
// leaves the instance unloaded. Read produces one raw sample;
// the engine never calls Read concurrently with itself for a given instance.
// A driver must answer Read for a quantity it does not produce with an error
// that wraps ErrUnsupportedQuantity.
type Driver interface {
	Setup(ctx context.Context) error
	Read(ctx context.Context, spec MeasurementSpec) (RawValue, error)
	Close() error
}

// Writer is implemented by drivers that can also drive an output.
type Writer interface {
	Write(ctx context.Context, value RawValue) error
}

// BusUser is implemented by drivers attached to a shared physical bus. Drivers
// that report the same identifier are serialized by the registry.
type BusUser interface {
	Bus() string
}

// Factory builds a driver from validated options. It must not touch hardware;
// resource acquisition belongs in Setup.
type Factory func(opts Options) (Driver, error)

// Registration describes a driver type to the registry.
type Registration struct {
	Name        string
	Description string
	Schema      Schema
	// Quantities is the closed set of quantities instances may be configured for.
	Quantities Quantities
	// DefaultQuantity is used when an instance does not name one.
	DefaultQuantity Quantity
	Factory         Factory
}
