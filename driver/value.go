package driver

// RawValue is what a driver hands back from Read. It is one of Scalar, Binary
// or Record; the normalizer turns it into a canonical reading.
type RawValue interface {
	rawValue()
}

// Scalar is a single numeric sample.
type Scalar float64

// Binary is an on/off sample from a binary sensor.
type Binary bool

// Record holds every quantity a multi-quantity chip produced in one sample.
type Record map[Quantity]float64

func (Scalar) rawValue() {}
func (Binary) rawValue() {}
func (Record) rawValue() {}

// MeasurementSpec declares what a read of one instance should yield.
type MeasurementSpec struct {
	// Instance is the display name used in error messages.
	Instance string
	Quantity Quantity
	// Digits rounds the normalized value; nil keeps full precision.
	Digits *int
}

// Quantities lists the quantities present in the record, in canonical order.
func (r Record) Quantities() Quantities {
	out := make(Quantities, 0, len(r))
	for _, q := range knownQuantities {
		if _, ok := r[q]; ok {
			out = append(out, q)
		}
	}
	return out
}
