package l2sync

import (
	"math"
	"testing"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

func testProjector(t *testing.T) *geo.Projector {
	t.Helper()
	p, err := geo.NewProjector(geo.LLH{Lat: 30, Lon: 120})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExtrapolate_MovesAlongHeading(t *testing.T) {
	p := testProjector(t)
	s := New(l1frames.NewCache(0), p, 0)

	f := l1frames.Frame{DeviceID: 2, Timestamp: 1000, Detections: []l1frames.Detection{
		{DeviceID: 2, LocalID: 1, Lat: 30, Lon: 120, Heading: 90, SpeedKmh: 36},
		{DeviceID: 2, LocalID: 2, Lat: 30, Lon: 120, Heading: 0, SpeedKmh: 72},
	}}
	got := s.Extrapolate(f, 1500)

	if got.Timestamp != 1500 || got.DeviceID != 2 {
		t.Fatalf("frame header = (%d, %d)", got.DeviceID, got.Timestamp)
	}
	east := p.ToENU(got.Detections[0].Position())
	if math.Abs(east.E-5) > 0.01 || math.Abs(east.N) > 0.01 {
		t.Errorf("eastbound moved to %+v, want (5, 0)", east)
	}
	north := p.ToENU(got.Detections[1].Position())
	if math.Abs(north.N-10) > 0.01 || math.Abs(north.E) > 0.01 {
		t.Errorf("northbound moved to %+v, want (0, 10)", north)
	}

	if f.Detections[0].Lat != 30 || f.Detections[0].Lon != 120 || f.Timestamp != 1000 {
		t.Error("input frame was modified")
	}
}

func TestExtrapolate_ZeroDtIsIdentity(t *testing.T) {
	s := New(l1frames.NewCache(0), testProjector(t), 0)
	f := l1frames.Frame{DeviceID: 1, Timestamp: 1000, Detections: []l1frames.Detection{
		{LocalID: 1, Lat: 30.0001, Lon: 120.0002, Heading: 45, SpeedKmh: 50},
	}}
	got := s.Extrapolate(f, 1000)
	if got.Detections[0] != f.Detections[0] {
		t.Errorf("dt=0 changed detection: %+v", got.Detections[0])
	}
}

func TestSync_StaleDevicesExcluded(t *testing.T) {
	c := l1frames.NewCache(0)
	p := testProjector(t)
	det := []l1frames.Detection{{LocalID: 1, Lat: 30, Lon: 120}}

	c.Push(l1frames.Frame{DeviceID: 2, Timestamp: 1000, Detections: det}) // dt 1000: excluded
	c.Push(l1frames.Frame{DeviceID: 3, Timestamp: 1001, Detections: det}) // dt 999: kept
	c.Push(l1frames.Frame{DeviceID: 4, Timestamp: 2500, Detections: det}) // only future frames
	trigger := l1frames.Frame{DeviceID: 1, Timestamp: 2000, Detections: det}
	c.Push(trigger)

	got := New(c, p, 0).Sync(trigger)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].DeviceID != 1 || got[1].DeviceID != 3 {
		t.Errorf("devices = %d, %d", got[0].DeviceID, got[1].DeviceID)
	}
	for _, f := range got {
		if f.Timestamp != 2000 {
			t.Errorf("device %d stamped %d, want 2000", f.DeviceID, f.Timestamp)
		}
	}

	cached, _ := c.NearestAtOrBefore(2000, 3)
	if cached.Timestamp != 1001 {
		t.Error("extrapolated frame leaked back into the cache")
	}
}
