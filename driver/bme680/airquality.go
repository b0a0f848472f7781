package bme680

import (
	"errors"
	"fmt"
)

// ErrBurnIn is returned for air quality reads until the gas baseline has
// enough samples.
var ErrBurnIn = errors.New("gas sensor burn-in")

const (
	humidityBaseline  = 40.0
	humidityWeighting = 0.25
)

// baseline averages the first heat-stable gas readings of a chip.
type baseline struct {
	want int
	n    int
	sum  float64
}

// add records gas during burn-in and returns the baseline once ready.
func (b *baseline) add(gas float64) (float64, error) {
	if b.n < b.want {
		b.n++
		b.sum += gas
	}
	if b.n < b.want {
		return 0, fmt.Errorf("%w: %d of %d samples", ErrBurnIn, b.n, b.want)
	}
	return b.sum / float64(b.n), nil
}

// airQualityScore weighs humidity against gas resistance, 25:75. Humidity
// scores highest at 40 %RH; gas scores highest at or above the baseline.
func airQualityScore(gas, gasBaseline, humidity float64) float64 {
	humOffset := humidity - humidityBaseline
	var humScore float64
	if humOffset > 0 {
		humScore = (100 - humidityBaseline - humOffset) / (100 - humidityBaseline)
	} else {
		humScore = (humidityBaseline + humOffset) / humidityBaseline
	}
	humScore *= humidityWeighting * 100

	gasScore := 100 - humidityWeighting*100
	if gasBaseline-gas > 0 {
		gasScore *= gas / gasBaseline
	}
	return humScore + gasScore
}
