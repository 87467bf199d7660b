// Package units holds the speed and heading conversions shared by the fusion
// pipeline. Sensors report speed in km/h and heading as a compass bearing in
// degrees; the filter works in m/s and ENU radians.
package units

import "math"

// Speed unit names accepted on the API surface.
const (
	MPS  = "mps"
	KMPH = "kmph"
)

// ValidUnits contains all valid unit values.
var ValidUnits = []string{MPS, KMPH}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// KmhToMps converts km/h to m/s.
func KmhToMps(kmh float64) float64 { return kmh / 3.6 }

// MpsToKmh converts m/s to km/h.
func MpsToKmh(mps float64) float64 { return mps * 3.6 }

// ConvertSpeed converts a speed in m/s to the target units. Unknown units
// fall back to m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case KMPH:
		return MpsToKmh(speedMPS)
	default:
		return speedMPS
	}
}

// WrapRadians maps an angle into (-pi, pi].
func WrapRadians(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// WrapDegrees maps an angle into [0, 360).
func WrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// CompassToENU converts a compass heading (degrees clockwise from north) to an
// ENU yaw (radians counter-clockwise from east), wrapped into (-pi, pi].
func CompassToENU(headingDeg float64) float64 {
	return WrapRadians((90 - headingDeg) * math.Pi / 180)
}

// ENUToCompass is the inverse of CompassToENU, returning degrees in [0, 360).
func ENUToCompass(yaw float64) float64 {
	return WrapDegrees(90 - yaw*180/math.Pi)
}

// DegToRad converts degrees to radians.
func DegToRad(d float64) float64 { return d * math.Pi / 180 }
