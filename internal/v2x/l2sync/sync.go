// Package l2sync aligns the latest frame of every cached device to the time of
// an incoming trigger frame by constant-velocity extrapolation.
package l2sync

import (
	"math"
	"time"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/units"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

// DefaultMaxDelay is the age at which a device's latest frame is too stale to
// extrapolate.
const DefaultMaxDelay = 1000 * time.Millisecond

var logf = monitoring.Tagged("sync")

// FrameSource is the cache view the synchronizer needs.
type FrameSource interface {
	Devices() []l1frames.DeviceID
	NearestAtOrBefore(ts int64, dev l1frames.DeviceID) (l1frames.Frame, bool)
}

// Synchronizer builds the synchronized frame set for a trigger frame.
type Synchronizer struct {
	source     FrameSource
	projector  *geo.Projector
	maxDelayMs int64
}

// New creates a Synchronizer. A non-positive maxDelay uses DefaultMaxDelay.
func New(source FrameSource, projector *geo.Projector, maxDelay time.Duration) *Synchronizer {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Synchronizer{
		source:     source,
		projector:  projector,
		maxDelayMs: maxDelay.Milliseconds(),
	}
}

// Sync returns the trigger frame followed by one frame per other cached device
// (ascending device id), each extrapolated to the trigger's timestamp. Devices
// whose latest frame at or before the trigger is maxDelay old or older are
// left out.
func (s *Synchronizer) Sync(trigger l1frames.Frame) []l1frames.Frame {
	out := []l1frames.Frame{trigger}
	for _, dev := range s.source.Devices() {
		if dev == trigger.DeviceID {
			continue
		}
		f, ok := s.source.NearestAtOrBefore(trigger.Timestamp, dev)
		if !ok {
			continue
		}
		if trigger.Timestamp-f.Timestamp >= s.maxDelayMs {
			continue
		}
		out = append(out, s.Extrapolate(f, trigger.Timestamp))
	}
	return out
}

// Extrapolate returns a new frame stamped at ts whose detections are moved
// along their heading by speed*(ts-f.Timestamp). Detections whose projected
// position is not a valid coordinate are dropped. f is not modified.
func (s *Synchronizer) Extrapolate(f l1frames.Frame, ts int64) l1frames.Frame {
	dt := float64(ts-f.Timestamp) / 1000
	out := l1frames.Frame{
		DeviceID:   f.DeviceID,
		Timestamp:  ts,
		TimeInfo:   f.TimeInfo,
		Detections: make([]l1frames.Detection, 0, len(f.Detections)),
	}
	for _, d := range f.Detections {
		if dt == 0 {
			out.Detections = append(out.Detections, d)
			continue
		}
		dist := units.KmhToMps(d.SpeedKmh) * dt
		yaw := units.CompassToENU(d.Heading)
		enu := s.projector.ToENU(d.Position())
		enu.E += dist * math.Cos(yaw)
		enu.N += dist * math.Sin(yaw)
		llh := s.projector.ToLLH(enu)
		if err := geo.ValidateLatLon(llh.Lat, llh.Lon); err != nil {
			logf("dropping extrapolated detection device=%d id=%d: %v", d.DeviceID, d.LocalID, err)
			continue
		}
		out.Detections = append(out.Detections, d.WithPosition(llh.Lat, llh.Lon))
	}
	return out
}
