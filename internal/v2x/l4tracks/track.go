package l4tracks

import (
	"math"
	"slices"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/units"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l3filter"
)

// MaxHistoryLength bounds the ENU trail kept per track.
const MaxHistoryLength = 50

// Track is one fused object. Tracks are owned by a Table; callers outside the
// package see them only through Snapshot.
type Track struct {
	ID        int64
	Class     l1frames.ObjectClass
	Length    float64
	Width     float64
	Height    float64
	Timestamp int64 // ms of last predict or correct
	CreatedAt int64
	TTL       float64 // seconds

	// Observations counts detections absorbed, including the one that
	// created the track.
	Observations int

	// Locks maps a device to the local id it last reported for this track.
	Locks map[l1frames.DeviceID]int32

	History []geo.ENU

	filter *l3filter.EKF
}

// State returns the filter state [x, y, v, theta].
func (t *Track) State() [4]float64 { return t.filter.State() }

// Position returns the filtered ENU position.
func (t *Track) Position() geo.ENU {
	s := t.filter.State()
	return geo.ENU{E: s[l3filter.IX], N: s[l3filter.IY]}
}

// SpeedMps returns the filtered speed.
func (t *Track) SpeedMps() float64 { return t.filter.State()[l3filter.IV] }

// HeadingRad returns the filtered ENU heading.
func (t *Track) HeadingRad() float64 { return t.filter.State()[l3filter.ITheta] }

// Expired reports whether the track's TTL has run out.
func (t *Track) Expired() bool { return t.TTL < 0 }

func (t *Track) appendHistory() {
	t.History = append(t.History, t.Position())
	if len(t.History) > MaxHistoryLength {
		t.History = slices.Delete(t.History, 0, len(t.History)-MaxHistoryLength)
	}
}

// measurement converts a detection into the filter's measurement space.
func measurement(p *geo.Projector, d l1frames.Detection) [4]float64 {
	enu := p.ToENU(d.Position())
	return [4]float64{enu.E, enu.N, units.KmhToMps(d.SpeedKmh), units.CompassToENU(d.Heading)}
}

// Snapshot is a read-only copy of a track for publication.
type Snapshot struct {
	ID           int64                `json:"id"`
	Class        l1frames.ObjectClass `json:"class"`
	ClassName    string               `json:"class_name"`
	Timestamp    int64                `json:"timestamp_ms"`
	CreatedAt    int64                `json:"created_ms"`
	Lat          float64              `json:"lat"`
	Lon          float64              `json:"lon"`
	X            float64              `json:"x"`
	Y            float64              `json:"y"`
	SpeedKmh     float64              `json:"speed_kmh"`
	Heading      float64              `json:"heading_deg"`
	Length       float64              `json:"length"`
	Width        float64              `json:"width"`
	Height       float64              `json:"height"`
	TTL          float64              `json:"ttl_s"`
	Observations int                  `json:"observations"`
	Devices      []l1frames.DeviceID  `json:"devices"`
	History      []geo.ENU            `json:"history,omitempty"`
}

func (t *Track) snapshot(p *geo.Projector) Snapshot {
	pos := t.Position()
	llh := p.ToLLH(pos)
	devices := make([]l1frames.DeviceID, 0, len(t.Locks))
	for d := range t.Locks {
		devices = append(devices, d)
	}
	slices.Sort(devices)
	speed := t.SpeedMps()
	heading := units.ENUToCompass(t.HeadingRad())
	if math.IsNaN(heading) {
		heading = 0
	}
	return Snapshot{
		ID:           t.ID,
		Class:        t.Class,
		ClassName:    t.Class.String(),
		Timestamp:    t.Timestamp,
		CreatedAt:    t.CreatedAt,
		Lat:          llh.Lat,
		Lon:          llh.Lon,
		X:            pos.E,
		Y:            pos.N,
		SpeedKmh:     units.MpsToKmh(speed),
		Heading:      heading,
		Length:       t.Length,
		Width:        t.Width,
		Height:       t.Height,
		TTL:          t.TTL,
		Observations: t.Observations,
		Devices:      devices,
		History:      slices.Clone(t.History),
	}
}
