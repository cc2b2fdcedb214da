// Package pathloss converts between RSSI and range with the log-distance
// path-loss model: rssi = P0 - 10 n log10(d).
package pathloss

import (
	"fmt"
	"math"
)

// MinDistance is the smallest range ever returned. It keeps degenerate or
// inverted readings from producing zero, negative or NaN distances.
const MinDistance = 1e-9

// Distance inverts the model: d = 10^((refPower - rssi) / (10 n))
func Distance(refPower, rssi, exponent float64) (float64, error) {
	if !finite(refPower) || !finite(rssi) || !finite(exponent) {
		return 0, fmt.Errorf("pathloss: non-finite input (ref=%v rssi=%v n=%v)", refPower, rssi, exponent)
	}
	if exponent <= 0 {
		return 0, fmt.Errorf("pathloss: exponent must be positive, got %v", exponent)
	}

	d := math.Pow(10, (refPower-rssi)/(10*exponent))
	if !(d > MinDistance) { // also catches NaN
		return MinDistance, nil
	}
	if math.IsInf(d, 1) {
		return math.MaxFloat64, nil
	}
	return d, nil
}

// RSSI evaluates the forward model for a distance
func RSSI(distance, refPower, exponent float64) float64 {
	if distance < MinDistance {
		distance = MinDistance
	}
	return refPower - 10*exponent*math.Log10(distance)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
