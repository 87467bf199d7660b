package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// maxDatagram is the largest UDP payload.
	maxDatagram = 65535
	// readPoll bounds each blocking read so cancellation is noticed.
	readPoll = 100 * time.Millisecond
)

// UDPSourceConfig configures a UDPSource.
type UDPSourceConfig struct {
	Address string
	RcvBuf  int
}

// UDPSource receives one JSON payload per datagram.
type UDPSource struct {
	cfg      UDPSourceConfig
	sink     Sink
	counters Counters

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewUDPSource(cfg UDPSourceConfig, sink Sink) *UDPSource {
	return &UDPSource{cfg: cfg, sink: sink}
}

func (s *UDPSource) Counters() CounterSnapshot { return s.counters.Snapshot() }

// Listen binds the socket and returns its local address. Run calls it when
// the socket is not yet bound.
func (s *UDPSource) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr(), nil
	}
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if s.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.cfg.RcvBuf); err != nil {
			logf("warning: failed to set UDP receive buffer size to %d: %v", s.cfg.RcvBuf, err)
		}
	}
	s.conn = conn
	logf("UDP source listening on %s", conn.LocalAddr())
	return conn.LocalAddr(), nil
}

// Run reads datagrams until ctx is done, then closes the socket.
func (s *UDPSource) Run(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			logf("UDP source stopping: %v", err)
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readPoll))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logf("UDP read error: %v", err)
			continue
		}
		if err := dispatch(s.sink, &s.counters, buf[:n]); err != nil {
			logf("UDP payload from %v: %v", addr, err)
		}
	}
}
