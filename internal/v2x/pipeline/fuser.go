// Package pipeline runs the fusion cycle: cache the incoming frame,
// synchronise every device to its timestamp, propagate and expire tracks, and
// associate the synchronised detections. Fuser is the single entry point for
// both streaming frames and batch packages.
package pipeline

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/banshee-data/roadside.fusion/internal/config"
	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/timeutil"
	"github.com/banshee-data/roadside.fusion/internal/units"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l2sync"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l3filter"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
)

var logf = monitoring.Tagged("fusion")

// ErrInvalidFrame is returned for frames that cannot be placed in time.
var ErrInvalidFrame = errors.New("invalid frame")

// RemovedTrackRecorder persists tracks as they expire.
type RemovedTrackRecorder interface {
	RecordRemovedTracks(removed []l4tracks.Snapshot) error
}

// SnapshotPublisher receives the live track table after every fused cycle.
// Publish is called inside the cycle, in cycle order, and must not block.
type SnapshotPublisher interface {
	Publish(timestamp int64, tracks []l4tracks.Snapshot)
}

// Options wires a Fuser. Only Config is required.
type Options struct {
	Config    *config.FusionConfig
	IDs       l4tracks.IDAllocator
	Clock     timeutil.Clock
	Jitter    func(n int) int // returns [0, n); defaults to math/rand/v2
	Recorder  RemovedTrackRecorder
	Publisher SnapshotPublisher
}

// CycleResult is the outcome of one streaming call.
type CycleResult struct {
	// Fused is false when the frame was cached but too old to drive a cycle.
	Fused     bool                `json:"fused"`
	Timestamp int64               `json:"timestamp_ms"`
	Tracks    []l4tracks.Snapshot `json:"tracks"`
	Removed   []l4tracks.Snapshot `json:"removed"`
	Rejected  int                 `json:"rejected"`
	Devices   int                 `json:"devices"`
	Outcome   l4tracks.Outcome    `json:"outcome"`
}

// Fuser owns the frame cache and the track table. All cycles run under one
// mutex so concurrent callers observe whole cycles.
type Fuser struct {
	mu sync.Mutex

	cfg       *config.FusionConfig
	projector *geo.Projector
	cache     *l1frames.Cache
	syncer    *l2sync.Synchronizer
	table     *l4tracks.Table
	assoc     *l4tracks.Associator
	clock     timeutil.Clock
	jitter    func(int) int

	recorder  RemovedTrackRecorder
	publisher SnapshotPublisher

	lastProcessed int64
	processed     bool
	lastSync      []l1frames.Frame
	stats         Stats
}

// TableConfigFromFusion maps the tuning surface onto the track table.
func TableConfigFromFusion(cfg *config.FusionConfig) l4tracks.TableConfig {
	return l4tracks.TableConfig{
		TTL: cfg.GetTrackTTL(),
		Noise: l3filter.Noise{
			ProcessPos:     cfg.GetProcessNoisePos(),
			ProcessSpeed:   cfg.GetProcessNoiseSpeed(),
			ProcessHeading: units.DegToRad(cfg.GetProcessNoiseHeadingDeg()),
			MeasPos:        cfg.GetMeasurementNoisePos(),
			MeasSpeed:      cfg.GetMeasurementNoiseSpeed(),
			MeasHeading:    units.DegToRad(cfg.GetMeasurementNoiseHeadingDeg()),
		},
	}
}

// AssociatorConfigFromFusion maps the tuning surface onto the associator.
func AssociatorConfigFromFusion(cfg *config.FusionConfig) (l4tracks.AssociatorConfig, error) {
	policy, ok := l4tracks.PolicyByName(cfg.GetAssociationPolicy())
	if !ok {
		return l4tracks.AssociatorConfig{}, fmt.Errorf("unknown association policy %q", cfg.GetAssociationPolicy())
	}
	return l4tracks.AssociatorConfig{
		GateLongitudinal: cfg.GetGateLongitudinal(),
		GateLateral:      cfg.GetGateLateral(),
		Policy:           policy,
	}, nil
}

// New builds a Fuser from opts.
func New(opts Options) (*Fuser, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyFusionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fusion config: %w", err)
	}
	projector, err := geo.NewProjector(geo.LLH{Lat: cfg.GetOriginLat(), Lon: cfg.GetOriginLon(), Alt: cfg.GetOriginAlt()})
	if err != nil {
		return nil, err
	}
	acfg, err := AssociatorConfigFromFusion(cfg)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = rand.IntN
	}

	cache := l1frames.NewCache(cfg.GetCacheRetention())
	table := l4tracks.NewTable(projector, opts.IDs, TableConfigFromFusion(cfg))
	return &Fuser{
		cfg:       cfg,
		projector: projector,
		cache:     cache,
		syncer:    l2sync.New(cache, projector, cfg.GetMaxSyncDelay()),
		table:     table,
		assoc:     l4tracks.NewAssociator(table, acfg),
		clock:     clock,
		jitter:    jitter,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
	}, nil
}

// Config returns the resolved configuration.
func (f *Fuser) Config() *config.FusionConfig { return f.cfg.Resolved() }

// Projector returns the projector the track table works in.
func (f *Fuser) Projector() *geo.Projector { return f.projector }

// Ingest runs one streaming cycle for frame and returns the live tracks and
// the tracks removed during the cycle.
func (f *Fuser) Ingest(frame l1frames.Frame) (CycleResult, error) {
	if frame.Timestamp <= 0 {
		return CycleResult{}, fmt.Errorf("%w: device %d timestamp %d", ErrInvalidFrame, frame.DeviceID, frame.Timestamp)
	}
	f.mu.Lock()
	res := f.cycle(frame)
	if res.Fused {
		f.publish(res.Timestamp, res.Tracks)
	}
	f.mu.Unlock()

	f.record(res.Removed)
	return res, nil
}

// cycle must be called with f.mu held.
func (f *Fuser) cycle(frame l1frames.Frame) CycleResult {
	clean, rejected := frame.Sanitize()
	for _, r := range rejected {
		logf("rejected detection: %v", r.Err)
	}
	f.stats.FramesReceived++
	f.stats.DetectionsRejected += len(rejected)
	f.cache.Push(clean)

	res := CycleResult{Timestamp: clean.Timestamp, Rejected: len(rejected)}
	if f.processed && clean.Timestamp <= f.lastProcessed {
		f.stats.FramesStale++
		res.Tracks = f.table.Snapshots()
		return res
	}
	f.lastProcessed = clean.Timestamp
	f.processed = true

	syncSet := f.syncer.Sync(clean)
	f.lastSync = syncSet

	f.table.PredictAll(clean.Timestamp)
	removed := f.table.Expire()
	outcome := f.assoc.Associate(syncSet)

	f.stats.Cycles++
	f.stats.TracksCreated += outcome.Created
	f.stats.TracksExpired += len(removed)
	f.stats.Association.Add(outcome)

	res.Fused = true
	res.Devices = len(syncSet)
	res.Outcome = outcome
	res.Removed = removed
	res.Tracks = f.table.Snapshots()
	return res
}

// publish must be called with f.mu held so watchers see cycles in the order
// they ran. Publishers must not block.
func (f *Fuser) publish(ts int64, tracks []l4tracks.Snapshot) {
	if f.publisher != nil {
		f.publisher.Publish(ts, tracks)
	}
}

// record runs outside f.mu; the store may be slow.
func (f *Fuser) record(removed []l4tracks.Snapshot) {
	if f.recorder != nil && len(removed) > 0 {
		if err := f.recorder.RecordRemovedTracks(removed); err != nil {
			logf("record %d removed tracks: %v", len(removed), err)
		}
	}
}

// Tracks returns the live track table.
func (f *Fuser) Tracks() []l4tracks.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table.Snapshots()
}

// MergedDetections runs the whole-frame merge over the most recent
// synchronised set. It does not touch the track table.
func (f *Fuser) MergedDetections() []l1frames.Detection {
	f.mu.Lock()
	frames := f.lastSync
	f.mu.Unlock()
	return l4tracks.MergeDetections(f.projector, frames, f.cfg.GetMergeMaxDistance())
}
