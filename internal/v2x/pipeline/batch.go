package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/timeutil"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
)

// Batch input errors. ResultCode maps them to the gateway's numeric codes.
var (
	ErrNoDeviceRecords  = errors.New("batch has no device records")
	ErrZeroEndTimestamp = errors.New("batch end timestamp is zero")
)

// ResultCode returns 0 for nil, -1 and -2 for the batch input errors and -3
// for anything else.
func ResultCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoDeviceRecords):
		return -1
	case errors.Is(err, ErrZeroEndTimestamp):
		return -2
	default:
		return -3
	}
}

// Legacy sensor-timestamp shaping: the published sensor timestamp sat a fixed
// offset behind the derived one plus up to LegacyJitterSpan-1 ms of noise.
const (
	LegacyOffsetMs   = 45
	LegacyJitterSpan = 8
)

// VehicleReport is a connected vehicle's self-reported position delivered
// alongside a batch.
type VehicleReport struct {
	ID        int64   `json:"id"`
	Timestamp int64   `json:"timestamp_ms"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Heading   float64 `json:"heading_deg"`
	SpeedKmh  float64 `json:"speed_kmh"`
}

// BatchPackage is a junction gateway's package of device frames.
type BatchPackage struct {
	EndTimestamp int64            `json:"end_timestamp_ms"`
	Frames       []l1frames.Frame `json:"frames"`
	Vehicles     []VehicleReport  `json:"vehicles,omitempty"`
}

// BatchResult is the fused output of one batch.
type BatchResult struct {
	Timestamp       int64               `json:"timestamp_ms"`
	SensorTimestamp int64               `json:"sensor_timestamp_ms"`
	GeneratedAt     int64               `json:"generated_ms"`
	TimeInfo        *l1frames.TimeInfo  `json:"time_info,omitempty"`
	Tracks          []l4tracks.Snapshot `json:"tracks"`
	Removed         []l4tracks.Snapshot `json:"removed"`
	VehicleMatches  map[int64]int64     `json:"vehicle_matches,omitempty"` // track id -> vehicle id
	Outcome         l4tracks.Outcome    `json:"outcome"`
}

// ProcessBatch runs one cycle per frame in order, accumulating removed
// tracks, then derives the package timestamps from the last frame's latency
// metadata. Input errors are returned before anything is processed.
func (f *Fuser) ProcessBatch(pkg BatchPackage) (BatchResult, error) {
	if len(pkg.Frames) == 0 {
		return BatchResult{}, ErrNoDeviceRecords
	}
	if pkg.EndTimestamp == 0 {
		return BatchResult{}, ErrZeroEndTimestamp
	}
	for i, fr := range pkg.Frames {
		if fr.Timestamp <= 0 {
			return BatchResult{}, fmt.Errorf("%w: record %d device %d timestamp %d", ErrInvalidFrame, i, fr.DeviceID, fr.Timestamp)
		}
	}

	f.mu.Lock()
	var res BatchResult
	var lastTs int64
	fusedAny := false
	for _, fr := range pkg.Frames {
		c := f.cycle(fr)
		res.Removed = append(res.Removed, c.Removed...)
		res.Outcome.Add(c.Outcome)
		if c.Fused {
			fusedAny = true
			lastTs = c.Timestamp
		}
	}
	f.stats.Batches++
	res.Tracks = f.table.Snapshots()

	tst := pkg.EndTimestamp
	if ti := pkg.Frames[len(pkg.Frames)-1].TimeInfo; ti != nil {
		out, derived := f.deriveTimes(*ti)
		res.TimeInfo = &out
		tst = derived
	}
	res.SensorTimestamp = tst
	if f.cfg.GetLegacyTimestampJitter() {
		res.SensorTimestamp = tst - LegacyOffsetMs + int64(f.jitter(LegacyJitterSpan))
	}
	if len(res.Tracks) > 0 {
		res.Timestamp = res.Tracks[0].Timestamp
	} else {
		res.Timestamp = tst
	}
	res.GeneratedAt = timeutil.UnixMilli(f.clock)
	res.VehicleMatches = f.matchVehicles(pkg.Vehicles, res.Tracks)
	if fusedAny {
		f.publish(lastTs, res.Tracks)
	}
	f.mu.Unlock()

	f.record(res.Removed)
	return res, nil
}

// deriveTimes rewrites the gateway's latency fields. Receive time is absolute
// (sec/usec); the collection and timestamp seconds fields carry latencies in
// microseconds which are subtracted in turn. Derived times never go below
// zero, so a corrupt latency cannot produce negative sec/usec fields.
func (f *Fuser) deriveTimes(ti l1frames.TimeInfo) (l1frames.TimeInfo, int64) {
	tsr := max(ti.ReceiveSec*1000+ti.ReceiveUsec/1000, 0)
	tsc := max(tsr-ti.CollectionSec/1000, 0)

	dtsm := ti.TimestampSec
	if dtsm > f.cfg.GetLatencyClampThreshold() {
		dtsm = f.cfg.GetLatencyClampFallback()
	}
	tst := max(tsc-dtsm/1000, 0)

	out := ti
	out.CollectionSec = tsc / 1000
	out.CollectionUsec = (tsc % 1000) * 1000
	out.TimestampSec = tst / 1000
	out.TimestampUsec = (tst % 1000) * 1000
	return out, tst
}

func (f *Fuser) matchVehicles(vehicles []VehicleReport, tracks []l4tracks.Snapshot) map[int64]int64 {
	if len(vehicles) == 0 || len(tracks) == 0 {
		return nil
	}
	positions := make([]geo.LLH, len(tracks))
	for i, t := range tracks {
		positions[i] = geo.LLH{Lat: t.Lat, Lon: t.Lon}
	}
	matches := make(map[int64]int64)
	for _, v := range vehicles {
		if err := geo.ValidateLatLon(v.Lat, v.Lon); err != nil {
			logf("vehicle %d: %v", v.ID, err)
			continue
		}
		idx := l4tracks.MatchProbe(f.projector, geo.LLH{Lat: v.Lat, Lon: v.Lon}, positions, f.cfg.GetMergeMaxDistance())
		if idx >= 0 {
			matches[tracks[idx].ID] = v.ID
		}
	}
	return matches
}
