// Package periphbus opens periph.io host buses for drivers and maps the
// failures onto driver errors.
package periphbus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/anibaldeboni/zero-paper/sensorhub/driver"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the periph.io host drivers once per process.
func Init() error {
	initOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			initErr = fmt.Errorf("failed to initialize periph.io drivers: %w", err)
		}
	})
	if initErr != nil {
		return driver.Fatal("host init", initErr)
	}
	return nil
}

// I2CBusID is the lock identifier for I2C bus num.
func I2CBusID(num int) string {
	return "i2c:" + strconv.Itoa(num)
}

// GPIOBusID is the lock identifier for a GPIO pin.
func GPIOBusID(pin string) string {
	return "gpio:" + pin
}

// OpenI2C opens I2C bus num. Failures are fatal; a missing permission is
// reported as driver.ErrPermissionDenied.
func OpenI2C(num int) (i2c.BusCloser, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(strconv.Itoa(num))
	if err != nil {
		return nil, driver.Fatal("open i2c bus "+strconv.Itoa(num), Classify(err))
	}
	return bus, nil
}

// Classify attaches the matching driver sentinel to an OS level error.
func Classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission) || os.IsPermission(err):
		return fmt.Errorf("%w: %w", driver.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", driver.ErrDeviceAbsent, err)
	default:
		return err
	}
}
