package l4tracks

import (
	"math"

	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

// Gate half-extents in the track's heading frame.
const (
	DefaultGateLongitudinal = 4.0
	DefaultGateLateral      = 2.5
)

var logf = monitoring.Tagged("tracks")

// Candidate is a track that passed gating for a detection, with the
// detection's offset expressed along and across the track heading.
type Candidate struct {
	Track        *Track
	Longitudinal float64
	Lateral      float64
}

// CandidatePolicy chooses among gated candidates, which arrive in ascending
// track id order. It returns nil when none should be used.
type CandidatePolicy func(cands []Candidate) *Track

// FirstMatch picks the lowest-id candidate.
func FirstMatch(cands []Candidate) *Track {
	if len(cands) == 0 {
		return nil
	}
	return cands[0].Track
}

// NearestMatch picks the candidate closest to the detection.
func NearestMatch(cands []Candidate) *Track {
	var best *Track
	bestD := math.Inf(1)
	for _, c := range cands {
		if d := math.Hypot(c.Longitudinal, c.Lateral); d < bestD {
			best, bestD = c.Track, d
		}
	}
	return best
}

// PolicyByName resolves a configured policy name. Unknown names report false.
func PolicyByName(name string) (CandidatePolicy, bool) {
	switch name {
	case "", "first":
		return FirstMatch, true
	case "nearest":
		return NearestMatch, true
	}
	return nil, false
}

// AssociatorConfig holds the gate and candidate policy.
type AssociatorConfig struct {
	GateLongitudinal float64
	GateLateral      float64
	Policy           CandidatePolicy
}

// DefaultAssociatorConfig returns the field defaults.
func DefaultAssociatorConfig() AssociatorConfig {
	return AssociatorConfig{
		GateLongitudinal: DefaultGateLongitudinal,
		GateLateral:      DefaultGateLateral,
		Policy:           FirstMatch,
	}
}

// Outcome counts what one Associate call did with its detections.
type Outcome struct {
	Reacquired int `json:"reacquired"`
	Gated      int `json:"gated"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Add accumulates o2 into o.
func (o *Outcome) Add(o2 Outcome) {
	o.Reacquired += o2.Reacquired
	o.Gated += o2.Gated
	o.Created += o2.Created
	o.Duplicates += o2.Duplicates
	o.Failed += o2.Failed
}

// Associator matches synchronized detections to tracks in a Table.
type Associator struct {
	table *Table
	cfg   AssociatorConfig
}

// NewAssociator creates an Associator over table.
func NewAssociator(table *Table, cfg AssociatorConfig) *Associator {
	if cfg.GateLongitudinal <= 0 {
		cfg.GateLongitudinal = DefaultGateLongitudinal
	}
	if cfg.GateLateral <= 0 {
		cfg.GateLateral = DefaultGateLateral
	}
	if cfg.Policy == nil {
		cfg.Policy = FirstMatch
	}
	return &Associator{table: table, cfg: cfg}
}

type claimKey struct {
	track int64
	dev   l1frames.DeviceID
}

// Associate processes every detection of every frame at the set's common
// timestamp. Per detection: a track already locked to the detection's
// (device, local id) is corrected directly; otherwise the first acceptable
// gated track (per policy) is corrected and locked; otherwise a new track is
// created. A device contributes at most one detection per track per call.
func (a *Associator) Associate(frames []l1frames.Frame) Outcome {
	var out Outcome
	claimed := make(map[claimKey]struct{})
	for _, f := range frames {
		for _, d := range f.Detections {
			d.DeviceID = f.DeviceID
			a.associateOne(d, f.Timestamp, claimed, &out)
		}
	}
	return out
}

func (a *Associator) associateOne(d l1frames.Detection, ts int64, claimed map[claimKey]struct{}, out *Outcome) {
	if t, ok := a.table.Lookup(d.DeviceID, d.LocalID); ok {
		k := claimKey{t.ID, d.DeviceID}
		if _, dup := claimed[k]; dup {
			out.Duplicates++
			return
		}
		claimed[k] = struct{}{}
		if err := a.table.Absorb(t, d, ts); err != nil {
			logf("reacquire device=%d id=%d: %v", d.DeviceID, d.LocalID, err)
			out.Failed++
			return
		}
		out.Reacquired++
		return
	}

	if t := a.cfg.Policy(a.Candidates(d)); t != nil {
		claimed[claimKey{t.ID, d.DeviceID}] = struct{}{}
		if err := a.table.Absorb(t, d, ts); err != nil {
			logf("gate device=%d id=%d: %v", d.DeviceID, d.LocalID, err)
			out.Failed++
			return
		}
		out.Gated++
		return
	}

	t, err := a.table.Create(d, ts)
	if err != nil {
		logf("create device=%d id=%d: %v", d.DeviceID, d.LocalID, err)
		out.Failed++
		return
	}
	claimed[claimKey{t.ID, d.DeviceID}] = struct{}{}
	out.Created++
}

// Candidates returns every track that passes the class and box gates for d,
// in ascending id order. Tracks already locked to d's device are skipped: a
// device that reports an object under one id is not allowed to claim it
// under another.
func (a *Associator) Candidates(d l1frames.Detection) []Candidate {
	p := a.table.projector
	pos := p.ToENU(d.Position())
	var cands []Candidate
	a.table.Each(func(t *Track) bool {
		if t.Class.IsPedestrian() != d.Class.IsPedestrian() {
			return true
		}
		if _, locked := t.Locks[d.DeviceID]; locked {
			return true
		}
		lon, lat := Offset(pos.E-t.Position().E, pos.N-t.Position().N, t.HeadingRad())
		if math.Abs(lon) < a.cfg.GateLongitudinal && math.Abs(lat) < a.cfg.GateLateral {
			cands = append(cands, Candidate{Track: t, Longitudinal: lon, Lateral: lat})
		}
		return true
	})
	return cands
}

// Offset rotates an ENU displacement into a frame whose x axis points along
// heading (ENU radians), returning the along-track and cross-track parts.
func Offset(de, dn, heading float64) (lon, lat float64) {
	sin, cos := math.Sincos(heading)
	return de*cos + dn*sin, -de*sin + dn*cos
}
