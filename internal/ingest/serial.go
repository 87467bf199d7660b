package ingest

import (
	"context"
	"strings"

	"github.com/banshee-data/roadside.fusion/internal/serialmux"
)

// SerialSource reads JSON lines from a serial gateway.
type SerialSource struct {
	mux      serialmux.Mux
	sink     Sink
	counters Counters
}

func NewSerialSource(mux serialmux.Mux, sink Sink) *SerialSource {
	return &SerialSource{mux: mux, sink: sink}
}

func (s *SerialSource) Counters() CounterSnapshot { return s.counters.Snapshot() }

// Run consumes lines until ctx is done or the mux closes the subscription.
// The mux's Monitor loop must be running for lines to arrive.
func (s *SerialSource) Run(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)
	logf("serial source subscribed as %s", id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				logf("serial subscription closed")
				return nil
			}
			line = strings.TrimSpace(line)
			if serialmux.ClassifyLine(line) == serialmux.LineTypeStatus {
				logf("gateway: %s", line)
			}
			if err := dispatch(s.sink, &s.counters, []byte(line)); err != nil {
				logf("serial: %v", err)
			}
		}
	}
}
