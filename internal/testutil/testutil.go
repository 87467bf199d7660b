// Package testutil holds fixtures shared by the fusion package tests: a
// fixed projection origin, a config pinned to it, and frame builders that
// place detections by local east/north offsets.
package testutil

import (
	"testing"

	"github.com/banshee-data/roadside.fusion/internal/config"
	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

// Origin is the projection origin used by tests.
var Origin = geo.LLH{Lat: 30, Lon: 120}

// Projector returns a projector at Origin.
func Projector(t testing.TB) *geo.Projector {
	t.Helper()
	p, err := geo.NewProjector(Origin)
	if err != nil {
		t.Fatalf("projector: %v", err)
	}
	return p
}

// FusionConfig returns a config that only pins the origin, leaving every
// tuning value at its default.
func FusionConfig() *config.FusionConfig {
	lat, lon := Origin.Lat, Origin.Lon
	return &config.FusionConfig{OriginLat: &lat, OriginLon: &lon}
}

// Car returns a car detection at (east, north) metres from Origin.
func Car(t testing.TB, localID int32, east, north, headingDeg, speedKmh float64) l1frames.Detection {
	t.Helper()
	return DetectionAt(t, l1frames.ClassCar, localID, east, north, headingDeg, speedKmh)
}

// DetectionAt returns a detection of class c at (east, north) metres from
// Origin with typical passenger-car dimensions.
func DetectionAt(t testing.TB, c l1frames.ObjectClass, localID int32, east, north, headingDeg, speedKmh float64) l1frames.Detection {
	t.Helper()
	llh := Projector(t).ToLLH(geo.ENU{E: east, N: north})
	return l1frames.Detection{
		LocalID:  localID,
		Class:    c,
		Lat:      llh.Lat,
		Lon:      llh.Lon,
		Heading:  headingDeg,
		SpeedKmh: speedKmh,
		Length:   4.5,
		Width:    1.8,
		Height:   1.5,
	}
}

// Frame builds a frame from device dev at ts.
func Frame(dev l1frames.DeviceID, ts int64, dets ...l1frames.Detection) l1frames.Frame {
	return l1frames.Frame{DeviceID: dev, Timestamp: ts, Detections: dets}
}
