package l4tracks

import (
	"testing"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

var testOrigin = geo.LLH{Lat: 30, Lon: 120}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(geo.MustNewProjector(testOrigin), NewCounter(0), DefaultTableConfig())
}

// detAt builds a detection at an ENU offset from the test origin.
func detAt(p *geo.Projector, dev l1frames.DeviceID, local int32, e, n, hdg, kmh float64, class l1frames.ObjectClass) l1frames.Detection {
	llh := p.ToLLH(geo.ENU{E: e, N: n})
	return l1frames.Detection{
		DeviceID: dev, LocalID: local, Class: class,
		Lat: llh.Lat, Lon: llh.Lon, Heading: hdg, SpeedKmh: kmh,
		Length: 4.5, Width: 1.8, Height: 1.5,
	}
}

func frameOf(ts int64, dev l1frames.DeviceID, dets ...l1frames.Detection) l1frames.Frame {
	return l1frames.Frame{DeviceID: dev, Timestamp: ts, Detections: dets}
}
