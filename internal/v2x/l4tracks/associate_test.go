package l4tracks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

func TestOffset(t *testing.T) {
	lon, lat := Offset(3, 1, 0)
	assert.InDelta(t, 3, lon, 1e-12)
	assert.InDelta(t, 1, lat, 1e-12)

	// heading north: east displacement is purely lateral
	lon, lat = Offset(2, 0, 1.5707963267948966)
	assert.InDelta(t, 0, lon, 1e-12)
	assert.InDelta(t, -2, lat, 1e-12)
}

func TestAssociate_Gate(t *testing.T) {
	tests := []struct {
		name      string
		trackHdg  float64
		e, n      float64
		wantMatch bool
	}{
		{"eastbound inside", 90, 3.5, 2.0, true},
		{"eastbound too far ahead", 90, 4.1, 0, false},
		{"eastbound too wide", 90, 0, 2.6, false},
		{"northbound inside", 0, 2.0, 3.5, true},
		{"northbound too wide", 0, 3.0, 0, false},
		{"northbound ahead past lateral limit", 0, 0, 3.9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestTable(t)
			p := tb.Projector()
			a := NewAssociator(tb, DefaultAssociatorConfig())
			_, err := tb.Create(detAt(p, 1, 7, 0, 0, tt.trackHdg, 36, l1frames.ClassCar), 1000)
			require.NoError(t, err)

			out := a.Associate([]l1frames.Frame{frameOf(1000, 2, detAt(p, 2, 3, tt.e, tt.n, tt.trackHdg, 36, l1frames.ClassCar))})
			if tt.wantMatch {
				assert.Equal(t, 1, out.Gated)
				assert.Equal(t, 1, tb.Len())
				tr, _ := tb.Get(1)
				assert.Equal(t, int32(3), tr.Locks[2])
			} else {
				assert.Equal(t, 1, out.Created)
				assert.Equal(t, 2, tb.Len())
			}
		})
	}
}

func TestAssociate_PedestrianNeverJoinsVehicle(t *testing.T) {
	tb := newTestTable(t)
	p := tb.Projector()
	a := NewAssociator(tb, DefaultAssociatorConfig())
	tb.Create(detAt(p, 1, 1, 0, 0, 90, 5, l1frames.ClassCar), 1000)
	tb.Create(detAt(p, 1, 2, 100, 0, 90, 5, l1frames.ClassPedestrian), 1000)

	out := a.Associate([]l1frames.Frame{frameOf(1000, 2,
		detAt(p, 2, 10, 0.5, 0, 90, 5, l1frames.ClassPedestrian),
		detAt(p, 2, 11, 100.5, 0, 90, 5, l1frames.ClassCar),
	)})
	assert.Equal(t, 2, out.Created)
	assert.Equal(t, 4, tb.Len())
}

func TestAssociate_SameDeviceDifferentIDStartsNewTrack(t *testing.T) {
	tb := newTestTable(t)
	p := tb.Projector()
	a := NewAssociator(tb, DefaultAssociatorConfig())
	tb.Create(detAt(p, 1, 7, 0, 0, 90, 36, l1frames.ClassCar), 1000)

	out := a.Associate([]l1frames.Frame{frameOf(1000, 1, detAt(p, 1, 9, 0.2, 0, 90, 36, l1frames.ClassCar))})
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 2, tb.Len())
}

func TestAssociate_ExactReacquisitionIgnoresDistance(t *testing.T) {
	tb := newTestTable(t)
	p := tb.Projector()
	a := NewAssociator(tb, DefaultAssociatorConfig())
	tr, _ := tb.Create(detAt(p, 1, 7, 0, 0, 90, 36, l1frames.ClassCar), 1000)

	out := a.Associate([]l1frames.Frame{frameOf(1100, 1, detAt(p, 1, 7, 30, 0, 90, 36, l1frames.ClassCar))})
	assert.Equal(t, 1, out.Reacquired)
	assert.Equal(t, 1, tb.Len())
	assert.Equal(t, int64(1100), tr.Timestamp)
	assert.Greater(t, tr.Position().E, 15.0)
}

func TestAssociate_DuplicateLocalIDInOneFrame(t *testing.T) {
	tb := newTestTable(t)
	p := tb.Projector()
	a := NewAssociator(tb, DefaultAssociatorConfig())

	out := a.Associate([]l1frames.Frame{frameOf(1000, 1,
		detAt(p, 1, 7, 0, 0, 90, 36, l1frames.ClassCar),
		detAt(p, 1, 7, 0.5, 0, 90, 36, l1frames.ClassCar),
	)})
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 1, out.Duplicates)
	tr, _ := tb.Get(1)
	assert.Equal(t, 1, tr.Observations)
}

func TestAssociate_CandidatePolicy(t *testing.T) {
	setup := func(t *testing.T, policy CandidatePolicy) (*Table, Outcome) {
		tb := newTestTable(t)
		p := tb.Projector()
		tb.Create(detAt(p, 1, 1, 0, 0, 90, 36, l1frames.ClassCar), 1000)
		tb.Create(detAt(p, 1, 2, 1, 0, 90, 36, l1frames.ClassCar), 1000)
		cfg := DefaultAssociatorConfig()
		cfg.Policy = policy
		out := NewAssociator(tb, cfg).Associate([]l1frames.Frame{
			frameOf(1000, 2, detAt(p, 2, 5, 1.2, 0, 90, 36, l1frames.ClassCar)),
		})
		return tb, out
	}

	tb, out := setup(t, FirstMatch)
	assert.Equal(t, 1, out.Gated)
	first, _ := tb.Get(1)
	assert.Contains(t, first.Locks, l1frames.DeviceID(2))

	tb, _ = setup(t, NearestMatch)
	second, _ := tb.Get(2)
	assert.Contains(t, second.Locks, l1frames.DeviceID(2))

	_, ok := PolicyByName("nearest")
	assert.True(t, ok)
	_, ok = PolicyByName("random")
	assert.False(t, ok)
}

func TestAssociate_LockIndexConsistent(t *testing.T) {
	tb := newTestTable(t)
	p := tb.Projector()
	a := NewAssociator(tb, DefaultAssociatorConfig())

	for step := int64(0); step < 5; step++ {
		ts := 1000 + step*100
		e := float64(step)
		a.Associate([]l1frames.Frame{
			frameOf(ts, 1, detAt(p, 1, 7, e, 0, 90, 36, l1frames.ClassCar), detAt(p, 1, 8, e, 20, 90, 36, l1frames.ClassCar)),
			frameOf(ts, 2, detAt(p, 2, 30, e+0.3, 0.2, 90, 36, l1frames.ClassCar)),
		})
	}

	assert.Equal(t, 2, tb.Len())
	tb.Each(func(tr *Track) bool {
		for dev, local := range tr.Locks {
			got, ok := tb.Lookup(dev, local)
			if assert.True(t, ok, "lock %d->%d not indexed", dev, local) {
				assert.Equal(t, tr.ID, got.ID)
			}
		}
		return true
	})
	assert.Len(t, tb.index, 3)
}
