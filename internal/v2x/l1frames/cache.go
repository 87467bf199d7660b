package l1frames

import (
	"slices"
	"time"
)

// DefaultRetention is how far behind a device's newest frame the cache keeps
// history.
const DefaultRetention = 1500 * time.Millisecond

// frameWindow is a timestamp-ordered set of frames with at most one frame per
// timestamp.
type frameWindow struct {
	stamps []int64
	frames map[int64]Frame
}

func newFrameWindow() *frameWindow {
	return &frameWindow{frames: make(map[int64]Frame)}
}

func (w *frameWindow) put(f Frame) {
	i, found := slices.BinarySearch(w.stamps, f.Timestamp)
	if !found {
		w.stamps = slices.Insert(w.stamps, i, f.Timestamp)
	}
	w.frames[f.Timestamp] = f
}

// evict drops every frame strictly older than newest-retention.
func (w *frameWindow) evict(retentionMs int64) {
	if len(w.stamps) == 0 {
		return
	}
	cutoff := w.stamps[len(w.stamps)-1] - retentionMs
	n, _ := slices.BinarySearch(w.stamps, cutoff)
	for _, ts := range w.stamps[:n] {
		delete(w.frames, ts)
	}
	w.stamps = slices.Delete(w.stamps, 0, n)
}

// atOrBefore returns the frame with the greatest timestamp <= ts.
func (w *frameWindow) atOrBefore(ts int64) (Frame, bool) {
	i, found := slices.BinarySearch(w.stamps, ts)
	if found {
		return w.frames[ts], true
	}
	if i == 0 {
		return Frame{}, false
	}
	return w.frames[w.stamps[i-1]], true
}

// Cache holds recent frames per device plus a combined view across devices.
// It is not safe for concurrent use; the orchestrator serialises access.
type Cache struct {
	retentionMs int64
	devices     map[DeviceID]*frameWindow
	all         *frameWindow
}

// NewCache creates a cache with the given retention window. A non-positive
// retention uses DefaultRetention.
func NewCache(retention time.Duration) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cache{
		retentionMs: retention.Milliseconds(),
		devices:     make(map[DeviceID]*frameWindow),
		all:         newFrameWindow(),
	}
}

// Push inserts f, replacing any frame from the same device with the same
// timestamp, and evicts frames that fell out of the window.
func (c *Cache) Push(f Frame) {
	w, ok := c.devices[f.DeviceID]
	if !ok {
		w = newFrameWindow()
		c.devices[f.DeviceID] = w
	}
	w.put(f)
	w.evict(c.retentionMs)

	c.all.put(f)
	c.all.evict(c.retentionMs)
}

// NearestAtOrBefore returns device dev's latest frame with timestamp <= ts.
func (c *Cache) NearestAtOrBefore(ts int64, dev DeviceID) (Frame, bool) {
	w, ok := c.devices[dev]
	if !ok {
		return Frame{}, false
	}
	return w.atOrBefore(ts)
}

// Devices lists every device with at least one cached frame, ascending.
func (c *Cache) Devices() []DeviceID {
	out := make([]DeviceID, 0, len(c.devices))
	for id, w := range c.devices {
		if len(w.stamps) > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Span returns the oldest and newest cached timestamps for dev.
func (c *Cache) Span(dev DeviceID) (oldest, newest int64, ok bool) {
	w, found := c.devices[dev]
	if !found || len(w.stamps) == 0 {
		return 0, 0, false
	}
	return w.stamps[0], w.stamps[len(w.stamps)-1], true
}

// Len returns the number of frames cached for dev.
func (c *Cache) Len(dev DeviceID) int {
	if w, ok := c.devices[dev]; ok {
		return len(w.stamps)
	}
	return 0
}

// AllLen returns the number of distinct timestamps in the combined view.
func (c *Cache) AllLen() int { return len(c.all.stamps) }
