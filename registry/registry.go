// Package registry resolves configured instances to drivers. It validates
// options against each driver's schema, checks the configured quantity,
// builds the driver and runs its setup under the fault guard.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

// DefaultInterval is used for instances that do not set one.
const DefaultInterval = 10 * time.Second

// SetupGuard runs driver setup with retries and a deadline.
type SetupGuard interface {
	Setup(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type entry struct {
	reg    driver.Registration
	schema *gojsonschema.Schema
}

// Registry holds the known driver types and the instances loaded from them.
type Registry struct {
	guard SetupGuard
	buses *BusLocks

	mu        sync.RWMutex
	drivers   map[string]entry
	instances []*Instance
}

// New creates an empty registry.
func New(guard SetupGuard) *Registry {
	return &Registry{
		guard:   guard,
		buses:   NewBusLocks(),
		drivers: make(map[string]entry),
	}
}

// Register adds a driver type. Names are unique.
func (r *Registry) Register(reg driver.Registration) error {
	if reg.Name == "" || reg.Factory == nil {
		return &ConfigError{Driver: reg.Name, Kind: SchemaViolation, Err: errors.New("registration needs a name and a factory")}
	}
	if reg.DefaultQuantity != "" && !reg.Quantities.Contains(reg.DefaultQuantity) {
		return &ConfigError{Driver: reg.Name, Kind: UnsupportedQuantity,
			Err: fmt.Errorf("default quantity %q not in %s", reg.DefaultQuantity, reg.Quantities)}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(reg.Schema.JSONSchema()))
	if err != nil {
		return &ConfigError{Driver: reg.Name, Kind: SchemaViolation, Err: fmt.Errorf("compile schema: %w", err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drivers[reg.Name]; ok {
		return &ConfigError{Driver: reg.Name, Kind: DuplicateDriver}
	}
	r.drivers[reg.Name] = entry{reg: reg, schema: schema}
	return nil
}

// Drivers returns every registration sorted by name.
func (r *Registry) Drivers() []driver.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]driver.Registration, 0, len(r.drivers))
	for _, e := range r.drivers {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load validates cfg, builds its driver and runs Setup.
func (r *Registry) Load(ctx context.Context, cfg InstanceConfig) (*Instance, error) {
	if cfg.Name == "" {
		return nil, &ConfigError{Driver: cfg.Driver, Kind: SchemaViolation, Violations: []string{"name: is required"}}
	}
	if cfg.Err != nil {
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: SchemaViolation, Err: cfg.Err}
	}

	r.mu.RLock()
	e, ok := r.drivers[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: UnknownDriver}
	}

	opts := e.reg.Schema.ApplyDefaults(cfg.Options)
	if violations, err := validate(e.schema, opts); err != nil || len(violations) > 0 {
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: SchemaViolation, Violations: violations, Err: err}
	}

	spec, err := measurementSpec(cfg, e.reg)
	if err != nil {
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: UnsupportedQuantity, Err: err}
	}

	drv, err := e.reg.Factory(opts)
	if err != nil {
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: SchemaViolation, Err: err}
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	inst := newInstance(cfg, spec, drv, r.buses)

	if err := r.guard.Setup(ctx, cfg.Name, inst.Setup); err != nil {
		if cerr := drv.Close(); cerr != nil {
			log.WithFields(log.Fields{"instance": cfg.Name, "error": cerr}).Debug("close after failed setup")
		}
		return nil, &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: SetupFailed, Err: err}
	}

	r.mu.Lock()
	r.instances = append(r.instances, inst)
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"instance": inst.Name,
		"driver":   inst.Driver,
		"quantity": inst.Spec.Quantity,
		"interval": inst.Interval,
		"bus":      inst.Bus,
	}).Info("instance loaded")
	return inst, nil
}

// LoadAll loads every config in order. A failing entry is reported and
// skipped; the rest still load.
func (r *Registry) LoadAll(ctx context.Context, cfgs []InstanceConfig) ([]*Instance, []error) {
	var (
		loaded []*Instance
		errs   []error
		seen   = make(map[string]bool, len(cfgs))
	)
	for _, cfg := range cfgs {
		if seen[cfg.Name] {
			err := &ConfigError{Instance: cfg.Name, Driver: cfg.Driver, Kind: DuplicateInstance}
			log.WithError(err).Error("skipping instance")
			errs = append(errs, err)
			continue
		}
		seen[cfg.Name] = true

		inst, err := r.Load(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("skipping instance")
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, inst)
	}
	return loaded, errs
}

// Instances returns the loaded instances in load order.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Instance(nil), r.instances...)
}

// Close closes every loaded instance and forgets them.
func (r *Registry) Close() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = nil
	r.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", inst.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validate(schema *gojsonschema.Schema, opts driver.Options) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]any(opts)))
	if err != nil {
		return nil, fmt.Errorf("validate options: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return violations, nil
}

func measurementSpec(cfg InstanceConfig, reg driver.Registration) (driver.MeasurementSpec, error) {
	q := driver.Quantity(strings.ToLower(strings.TrimSpace(cfg.Quantity)))
	if q == "" {
		q = reg.DefaultQuantity
	}
	spec := driver.MeasurementSpec{Instance: cfg.Name, Quantity: q, Digits: cfg.Digits}
	if err := driver.CheckQuantity(spec, reg.Quantities); err != nil {
		return driver.MeasurementSpec{}, err
	}
	return spec, nil
}
