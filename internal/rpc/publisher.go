package rpc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/roadside.fusion/internal/v2x/l4tracks"
)

// subscriberBuffer is the number of updates queued per watcher before
// further updates are dropped for that watcher.
const subscriberBuffer = 10

// TrackUpdate is one published view of the live track table.
type TrackUpdate struct {
	Timestamp int64               `json:"timestamp_ms"`
	Tracks    []l4tracks.Snapshot `json:"tracks"`
}

// Publisher fans track updates out to the connected watchers. A slow
// watcher loses updates rather than stalling the fusion cycle.
type Publisher struct {
	mu      sync.RWMutex
	clients map[string]chan TrackUpdate

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewPublisher() *Publisher {
	return &Publisher{clients: make(map[string]chan TrackUpdate)}
}

// Publish implements pipeline.SnapshotPublisher.
func (p *Publisher) Publish(ts int64, tracks []l4tracks.Snapshot) {
	u := TrackUpdate{Timestamp: ts, Tracks: tracks}
	p.published.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ch := range p.clients {
		select {
		case ch <- u:
		default:
			n := p.dropped.Add(1)
			logf("watcher %s is slow, dropped update at %d (total dropped: %d)", id, ts, n)
		}
	}
}

// Subscribe registers a watcher and returns its id and update channel.
func (p *Publisher) Subscribe() (string, <-chan TrackUpdate) {
	id := uuid.NewString()
	ch := make(chan TrackUpdate, subscriberBuffer)
	p.mu.Lock()
	p.clients[id] = ch
	n := len(p.clients)
	p.mu.Unlock()
	logf("watcher connected: %s (total: %d)", id, n)
	return id, ch
}

// Unsubscribe removes a watcher. Its channel is left open; the watcher
// stops reading from it once it returns.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	n := len(p.clients)
	p.mu.Unlock()
	if ok {
		logf("watcher disconnected: %s (remaining: %d)", id, n)
	}
}

// PublisherStats contains publisher counters.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Watchers  int    `json:"watchers"`
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	n := len(p.clients)
	p.mu.RUnlock()
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Watchers:  n,
	}
}
