package l4tracks

import (
	"math"

	"github.com/banshee-data/roadside.fusion/internal/geo"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
)

// Merge scoring: score = ScoreScale * max(0, maxDist - dist).
const (
	ScoreScale         = 2.5
	DefaultMergeRadius = 10.0
	// ProbeMinScore is the lowest score MatchProbe accepts.
	ProbeMinScore = 10.0
)

// MatchScore scores a pair of positions dist metres apart.
func MatchScore(dist, maxDist float64) float64 {
	return ScoreScale * math.Max(0, maxDist-dist)
}

// MergeDetections deduplicates simultaneous detections across frames. The
// first frame seeds the fused list; each following frame is matched against
// it by maximum total score, and only its unmatched detections are appended.
// Pairs scoring zero never match.
func MergeDetections(p *geo.Projector, frames []l1frames.Frame, maxDist float64) []l1frames.Detection {
	if maxDist <= 0 {
		maxDist = DefaultMergeRadius
	}
	var fused []l1frames.Detection
	var fusedENU []geo.ENU
	for _, f := range frames {
		if len(f.Detections) == 0 {
			continue
		}
		incoming := make([]geo.ENU, len(f.Detections))
		for j, d := range f.Detections {
			incoming[j] = p.ToENU(d.Position())
		}
		if len(fused) == 0 {
			for j, d := range f.Detections {
				d.DeviceID = f.DeviceID
				fused = append(fused, d)
				fusedENU = append(fusedENU, incoming[j])
			}
			continue
		}

		// Minimising the negated score maximises total score.
		cost := make([][]float64, len(incoming))
		for j, e := range incoming {
			cost[j] = make([]float64, len(fusedENU))
			for i, fe := range fusedENU {
				s := MatchScore(math.Hypot(e.E-fe.E, e.N-fe.N), maxDist)
				if s <= 0 {
					cost[j][i] = Forbidden
				} else {
					cost[j][i] = -s
				}
			}
		}
		assign := HungarianAssign(cost)
		for j, col := range assign {
			if col >= 0 {
				continue
			}
			d := f.Detections[j]
			d.DeviceID = f.DeviceID
			fused = append(fused, d)
			fusedENU = append(fusedENU, incoming[j])
		}
	}
	return fused
}

// MatchProbe returns the index of the candidate position best matching an
// externally reported probe position, or -1 when the best score is below
// ProbeMinScore.
func MatchProbe(p *geo.Projector, probe geo.LLH, candidates []geo.LLH, maxDist float64) int {
	if maxDist <= 0 {
		maxDist = DefaultMergeRadius
	}
	pe := p.ToENU(probe)
	best, bestScore := -1, math.Inf(-1)
	for i, c := range candidates {
		e := p.ToENU(c)
		if s := MatchScore(math.Hypot(e.E-pe.E, e.N-pe.N), maxDist); s > bestScore {
			best, bestScore = i, s
		}
	}
	if bestScore < ProbeMinScore {
		return -1
	}
	return best
}
