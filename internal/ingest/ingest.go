// Package ingest feeds gateway payloads into the fusion pipeline. Gateways
// send one JSON frame or batch package per serial line or UDP datagram.
package ingest

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/roadside.fusion/internal/monitoring"
	"github.com/banshee-data/roadside.fusion/internal/serialmux"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
)

var logf = monitoring.Tagged("ingest")

// Sink is the part of the pipeline a source drives. *pipeline.Fuser
// implements it.
type Sink interface {
	Ingest(l1frames.Frame) (pipeline.CycleResult, error)
	ProcessBatch(pipeline.BatchPackage) (pipeline.BatchResult, error)
}

// Counters are per-source payload counts.
type Counters struct {
	Payloads     atomic.Uint64
	Frames       atomic.Uint64
	Batches      atomic.Uint64
	DecodeErrors atomic.Uint64
	Rejected     atomic.Uint64
	Ignored      atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Payloads     uint64 `json:"payloads"`
	Frames       uint64 `json:"frames"`
	Batches      uint64 `json:"batches"`
	DecodeErrors uint64 `json:"decode_errors"`
	Rejected     uint64 `json:"rejected"`
	Ignored      uint64 `json:"ignored"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Payloads:     c.Payloads.Load(),
		Frames:       c.Frames.Load(),
		Batches:      c.Batches.Load(),
		DecodeErrors: c.DecodeErrors.Load(),
		Rejected:     c.Rejected.Load(),
		Ignored:      c.Ignored.Load(),
	}
}

// dispatch decodes one payload and hands it to sink. Errors are counted and
// returned for logging; a bad payload never stops the source.
func dispatch(sink Sink, c *Counters, payload []byte) error {
	c.Payloads.Add(1)
	switch serialmux.ClassifyLine(string(payload)) {
	case serialmux.LineTypeBatch:
		var pkg pipeline.BatchPackage
		if err := json.Unmarshal(payload, &pkg); err != nil {
			c.DecodeErrors.Add(1)
			return fmt.Errorf("decode batch: %w", err)
		}
		if _, err := sink.ProcessBatch(pkg); err != nil {
			c.Rejected.Add(1)
			return fmt.Errorf("batch rejected (code %d): %w", pipeline.ResultCode(err), err)
		}
		c.Batches.Add(1)
	case serialmux.LineTypeFrame:
		var f l1frames.Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.DecodeErrors.Add(1)
			return fmt.Errorf("decode frame: %w", err)
		}
		if _, err := sink.Ingest(f); err != nil {
			c.Rejected.Add(1)
			return fmt.Errorf("frame rejected: %w", err)
		}
		c.Frames.Add(1)
	default:
		c.Ignored.Add(1)
	}
	return nil
}
