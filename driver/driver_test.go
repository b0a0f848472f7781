package driver_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

func TestParseQuantity(t *testing.T) {
	q, err := driver.ParseQuantity(" Temperature ")
	require.NoError(t, err)
	assert.Equal(t, driver.Temperature, q)

	q, err = driver.ParseQuantity("air_quality")
	require.NoError(t, err)
	assert.Equal(t, driver.AirQuality, q)

	_, err = driver.ParseQuantity("luminosity")
	assert.Error(t, err)
}

func TestQuantityUnit(t *testing.T) {
	assert.Equal(t, "hPa", driver.Pressure.Unit())
	assert.Equal(t, "Ω", driver.Gas.Unit())
	assert.Equal(t, "%", driver.AirQuality.Unit())
	assert.Equal(t, "", driver.State.Unit())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want driver.Kind
	}{
		{"transient read error", driver.Transient("read", errors.New("checksum")), driver.KindTransient},
		{"fatal read error", driver.Fatal("open", driver.ErrDeviceAbsent), driver.KindFatal},
		{"wrapped transient", fmt.Errorf("outer: %w", driver.Transient("read", driver.ErrBusBusy)), driver.KindTransient},
		{"deadline", context.DeadlineExceeded, driver.KindTransient},
		{"bus busy sentinel", driver.ErrBusBusy, driver.KindTransient},
		{"unsupported quantity", &driver.UnsupportedQuantityError{Instance: "x", Quantity: driver.Power}, driver.KindFatal},
		{"unknown error", errors.New("boom"), driver.KindFatal},
		{"no error", nil, driver.KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := driver.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "none", driver.KindNone.String())
	assert.Equal(t, "transient", driver.KindTransient.String())
	assert.Equal(t, "fatal", driver.KindFatal.String())
}

func TestUnsupportedQuantityError(t *testing.T) {
	spec := driver.MeasurementSpec{Instance: "garden", Quantity: driver.Voltage}
	err := driver.CheckQuantity(spec, driver.Quantities{driver.Temperature, driver.Humidity})
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrUnsupportedQuantity)
	assert.Contains(t, err.Error(), "garden")
	assert.Contains(t, err.Error(), "temperature, humidity")

	spec.Quantity = driver.Humidity
	assert.NoError(t, driver.CheckQuantity(spec, driver.Quantities{driver.Temperature, driver.Humidity}))
}

func TestReadErrorUnwrap(t *testing.T) {
	err := driver.Fatal("setup", driver.ErrPermissionDenied)
	assert.ErrorIs(t, err, driver.ErrPermissionDenied)
	assert.Equal(t, "setup (fatal): permission denied", err.Error())
}

func TestOptionsGetters(t *testing.T) {
	opts := driver.Options{
		"bus":    1,
		"addr":   int64(0x76),
		"ratio":  0.5,
		"whole":  float64(3),
		"hex":    "0x40",
		"name":   "bme",
		"invert": true,
	}

	n, err := opts.Int("bus")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = opts.Int("addr")
	require.NoError(t, err)
	assert.Equal(t, 0x76, n)

	n, err = opts.Int("whole")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = opts.Int("hex")
	require.NoError(t, err)
	assert.Equal(t, 0x40, n)

	_, err = opts.Int("ratio")
	assert.Error(t, err)

	f, err := opts.Float("bus")
	require.NoError(t, err)
	assert.Equal(t, 1.0, f)

	s, err := opts.String("name")
	require.NoError(t, err)
	assert.Equal(t, "bme", s)

	b, err := opts.Bool("invert")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = opts.Bool("name")
	assert.Error(t, err)
	_, err = opts.Int("missing")
	assert.Error(t, err)
}

func TestSchemaApplyDefaults(t *testing.T) {
	schema := driver.Schema{
		"chip_addr":    {Type: driver.TypeInt, Required: true},
		"oversampling": {Type: driver.TypeString, Default: "4x"},
	}
	in := driver.Options{"chip_addr": 0x76}
	out := schema.ApplyDefaults(in)

	assert.Equal(t, "4x", out["oversampling"])
	_, mutated := in["oversampling"]
	assert.False(t, mutated, "input options must not be modified")

	out = schema.ApplyDefaults(driver.Options{"chip_addr": 0x76, "oversampling": "16x"})
	assert.Equal(t, "16x", out["oversampling"])
}

func TestSchemaJSONSchema(t *testing.T) {
	schema := driver.Schema{
		"pin":    {Type: driver.TypeInt, Required: true, Min: driver.Bound(0)},
		"pull":   {Type: driver.TypeString, Allowed: []any{"up", "down"}},
		"invert": {Type: driver.TypeBool},
	}
	doc := schema.JSONSchema()

	assert.Equal(t, "object", doc["type"])
	assert.Equal(t, false, doc["additionalProperties"])
	assert.Equal(t, []string{"pin"}, doc["required"])

	props := doc["properties"].(map[string]any)
	pin := props["pin"].(map[string]any)
	assert.Equal(t, "integer", pin["type"])
	assert.Equal(t, 0.0, pin["minimum"])
	pull := props["pull"].(map[string]any)
	assert.Equal(t, []any{"up", "down"}, pull["enum"])
}
