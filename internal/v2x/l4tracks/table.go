package l4tracks

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l3filter"
)

var errNonFinite = errors.New("filter state is not finite")

// DefaultTTL is how long a track survives without a correcting detection.
const DefaultTTL = time.Second

// TableConfig tunes track creation and lifetime.
type TableConfig struct {
	TTL   time.Duration
	Noise l3filter.Noise
}

// DefaultTableConfig returns the field defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{TTL: DefaultTTL, Noise: l3filter.DefaultNoise()}
}

type lockKey struct {
	dev   l1frames.DeviceID
	local int32
}

// Table holds the live tracks. It is not safe for concurrent use; the
// orchestrator serialises access.
type Table struct {
	projector *geo.Projector
	ids       IDAllocator
	ttl       float64
	noise     l3filter.Noise

	tracks map[int64]*Track
	order  []int64 // ascending ids
	index  map[lockKey]int64
}

// NewTable creates an empty table. A nil allocator starts ids at 1.
func NewTable(projector *geo.Projector, ids IDAllocator, cfg TableConfig) *Table {
	if ids == nil {
		ids = NewCounter(0)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Table{
		projector: projector,
		ids:       ids,
		ttl:       cfg.TTL.Seconds(),
		noise:     cfg.Noise,
		tracks:    make(map[int64]*Track),
		index:     make(map[lockKey]int64),
	}
}

// Projector returns the projector tracks are filtered in.
func (tb *Table) Projector() *geo.Projector { return tb.projector }

// Len returns the number of live tracks.
func (tb *Table) Len() int { return len(tb.tracks) }

// Get returns the track with the given id.
func (tb *Table) Get(id int64) (*Track, bool) {
	t, ok := tb.tracks[id]
	return t, ok
}

// Each calls fn for every track in ascending id order until fn returns false.
func (tb *Table) Each(fn func(*Track) bool) {
	for _, id := range tb.order {
		if !fn(tb.tracks[id]) {
			return
		}
	}
}

// Lookup finds the track locked to (dev, local).
func (tb *Table) Lookup(dev l1frames.DeviceID, local int32) (*Track, bool) {
	id, ok := tb.index[lockKey{dev, local}]
	if !ok {
		return nil, false
	}
	return tb.Get(id)
}

// Create starts a new track from d observed at ts and locks it to d's device
// and local id.
func (tb *Table) Create(d l1frames.Detection, ts int64) (*Track, error) {
	z := measurement(tb.projector, d)
	f := l3filter.New(tb.noise)
	f.Init(z)
	if !f.Finite() {
		return nil, fmt.Errorf("create track from device %d id %d: non-finite state", d.DeviceID, d.LocalID)
	}
	id := tb.ids.Next()
	if _, dup := tb.tracks[id]; dup {
		return nil, fmt.Errorf("id allocator reused track id %d", id)
	}
	t := &Track{
		ID:           id,
		Class:        d.Class,
		Length:       d.Length,
		Width:        d.Width,
		Height:       d.Height,
		Timestamp:    ts,
		CreatedAt:    ts,
		TTL:          tb.ttl,
		Observations: 1,
		Locks:        make(map[l1frames.DeviceID]int32),
		filter:       f,
	}
	t.appendHistory()
	tb.tracks[id] = t
	if n := len(tb.order); n == 0 || tb.order[n-1] < id {
		tb.order = append(tb.order, id)
	} else {
		i, _ := slices.BinarySearch(tb.order, id)
		tb.order = slices.Insert(tb.order, i, id)
	}
	tb.lock(t, d.DeviceID, d.LocalID)
	return t, nil
}

// lock records that dev reports t under local, replacing dev's previous id.
func (tb *Table) lock(t *Track, dev l1frames.DeviceID, local int32) {
	if old, ok := t.Locks[dev]; ok && old != local {
		k := lockKey{dev, old}
		if tb.index[k] == t.ID {
			delete(tb.index, k)
		}
	}
	t.Locks[dev] = local
	tb.index[lockKey{dev, local}] = t.ID
}

// Absorb corrects t with d observed at ts. The lock and timestamp are updated
// even if the filter rejects the measurement; TTL is only reset on success.
func (tb *Table) Absorb(t *Track, d l1frames.Detection, ts int64) error {
	tb.lock(t, d.DeviceID, d.LocalID)
	t.Timestamp = ts
	if err := t.filter.Correct(measurement(tb.projector, d)); err != nil {
		return fmt.Errorf("track %d: %w", t.ID, err)
	}
	if !t.filter.Finite() {
		t.TTL = -1
		return fmt.Errorf("track %d: %w", t.ID, errNonFinite)
	}
	t.TTL = tb.ttl
	t.Observations++
	t.Length, t.Width, t.Height = d.Length, d.Width, d.Height
	t.appendHistory()
	return nil
}

// PredictAll propagates every track to now and charges the elapsed time
// against its TTL. Tracks whose filter diverges are marked expired.
func (tb *Table) PredictAll(now int64) {
	for _, id := range tb.order {
		t := tb.tracks[id]
		dt := float64(now-t.Timestamp) / 1000
		if dt < 0 {
			dt = 0
		}
		t.filter.Predict(dt)
		t.Timestamp = now
		t.TTL -= dt
		if !t.filter.Finite() {
			t.TTL = -1
		}
	}
}

// Expire removes every track with negative TTL and returns their snapshots in
// ascending id order.
func (tb *Table) Expire() []Snapshot {
	var removed []Snapshot
	kept := tb.order[:0]
	for _, id := range tb.order {
		t := tb.tracks[id]
		if !t.Expired() {
			kept = append(kept, id)
			continue
		}
		removed = append(removed, t.snapshot(tb.projector))
		for dev, local := range t.Locks {
			k := lockKey{dev, local}
			if tb.index[k] == id {
				delete(tb.index, k)
			}
		}
		delete(tb.tracks, id)
	}
	tb.order = kept
	return removed
}

// Snapshots returns copies of all live tracks in ascending id order.
func (tb *Table) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(tb.order))
	for _, id := range tb.order {
		out = append(out, tb.tracks[id].snapshot(tb.projector))
	}
	return out
}

// Snapshot returns a copy of one track.
func (tb *Table) Snapshot(t *Track) Snapshot { return t.snapshot(tb.projector) }
