package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roadside.fusion/internal/serialmux"
	"github.com/banshee-data/roadside.fusion/internal/testutil"
	"github.com/banshee-data/roadside.fusion/internal/v2x/l1frames"
	"github.com/banshee-data/roadside.fusion/internal/v2x/pipeline"
)

type recordingSink struct {
	mu      sync.Mutex
	frames  []l1frames.Frame
	batches []pipeline.BatchPackage
}

func (s *recordingSink) Ingest(f l1frames.Frame) (pipeline.CycleResult, error) {
	if f.Timestamp <= 0 {
		return pipeline.CycleResult{}, pipeline.ErrInvalidFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return pipeline.CycleResult{Fused: true}, nil
}

func (s *recordingSink) ProcessBatch(pkg pipeline.BatchPackage) (pipeline.BatchResult, error) {
	if len(pkg.Frames) == 0 {
		return pipeline.BatchResult{}, pipeline.ErrNoDeviceRecords
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, pkg)
	return pipeline.BatchResult{}, nil
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), len(s.batches)
}

func (s *recordingSink) lastTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1].Timestamp
}

func frameJSON(t *testing.T, dev l1frames.DeviceID, ts int64) string {
	t.Helper()
	b, err := json.Marshal(testutil.Frame(dev, ts, testutil.Car(t, 1, 8, 8, 45, 20)))
	require.NoError(t, err)
	return string(b)
}

func TestDispatch(t *testing.T) {
	sink := &recordingSink{}
	var c Counters

	require.NoError(t, dispatch(sink, &c, []byte(frameJSON(t, 1, 1000))))
	require.NoError(t, dispatch(sink, &c, []byte(`{"end_timestamp_ms":1000,"frames":[`+frameJSON(t, 2, 1000)+`]}`)))
	require.NoError(t, dispatch(sink, &c, []byte("GW READY")))

	err := dispatch(sink, &c, []byte(`{"device_id":1,"timestamp_ms":"x"}`))
	assert.ErrorContains(t, err, "decode frame")
	err = dispatch(sink, &c, []byte(frameJSON(t, 1, 0)))
	assert.ErrorIs(t, err, pipeline.ErrInvalidFrame)
	err = dispatch(sink, &c, []byte(`{"end_timestamp_ms":1000,"frames":[]}`))
	assert.ErrorContains(t, err, "code -1")

	assert.Equal(t, CounterSnapshot{Payloads: 6, Frames: 1, Batches: 1, DecodeErrors: 1, Rejected: 2, Ignored: 1}, c.Snapshot())
	frames, batches := sink.counts()
	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, batches)
	assert.Equal(t, l1frames.DeviceID(2), sink.batches[0].Frames[0].DeviceID)
}

func TestSerialSource(t *testing.T) {
	port := serialmux.NewTestablePort()
	mux := serialmux.NewSerialMux(port)
	sink := &recordingSink{}
	src := NewSerialSource(mux, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// Lines sent before the source subscribes are not replayed.
	require.Eventually(t, func() bool {
		port.AddLines(frameJSON(t, 5, 1000))
		n, _ := sink.counts()
		return n > 0
	}, 2*time.Second, 20*time.Millisecond)

	port.AddLines("not json", frameJSON(t, 5, 1100))
	require.Eventually(t, func() bool {
		return src.Counters().Ignored >= 1 && sink.lastTimestamp() == 1100
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serial source did not stop after mux close")
	}
}

func TestUDPSource(t *testing.T) {
	sink := &recordingSink{}
	src := NewUDPSource(UDPSourceConfig{Address: "127.0.0.1:0", RcvBuf: 1 << 16}, sink)
	addr, err := src.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(frameJSON(t, 9, 1000)))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"device_id":`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := src.Counters()
		return s.Frames == 1 && s.DecodeErrors == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("UDP source did not stop")
	}
}
