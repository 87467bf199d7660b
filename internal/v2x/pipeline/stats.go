package pipeline

import "github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"

// Stats are cumulative counters since the Fuser was built.
type Stats struct {
	FramesReceived     int              `json:"frames_received"`
	FramesStale        int              `json:"frames_stale"`
	DetectionsRejected int              `json:"detections_rejected"`
	Cycles             int              `json:"cycles"`
	Batches            int              `json:"batches"`
	TracksCreated      int              `json:"tracks_created"`
	TracksExpired      int              `json:"tracks_expired"`
	LiveTracks         int              `json:"live_tracks"`
	LastProcessed      int64            `json:"last_processed_ms"`
	Association        l4tracks.Outcome `json:"association"`
}

// Stats returns a copy of the counters.
func (f *Fuser) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.LiveTracks = f.table.Len()
	s.LastProcessed = f.lastProcessed
	return s
}
