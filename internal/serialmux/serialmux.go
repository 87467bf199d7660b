// Package serialmux shares one serial-attached sensor gateway between
// several readers. Lines read from the port are fanned out to every
// subscriber and commands from any caller are serialised onto the port.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/roadside.fusion/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

var logf = monitoring.Tagged("serial")

const (
	// subscriberBuffer is the per-subscriber line queue. Lines beyond it are
	// dropped for that subscriber so one slow reader cannot stall the port.
	subscriberBuffer = 64
	// maxLineBytes bounds one gateway line; a full frame of detections fits
	// well inside it.
	maxLineBytes = 1 << 20
)

// SerialMux multiplexes a single gateway port.
type SerialMux[T SerialPorter] struct {
	port T

	mu     sync.Mutex // guards subs and closed
	subs   map[string]chan string
	closed bool
	nextID atomic.Uint64

	writeMu sync.Mutex
	dropped atomic.Uint64
}

// Mux is the interface ingest sources and admin routes depend on.
type Mux interface {
	// Subscribe creates a channel receiving each line read from the port.
	// The id is passed to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command to the port.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error
	AttachAdminRoutes(*http.ServeMux)
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subs: make(map[string]chan string)}
}

// Subscribe registers a new reader. After Close the returned channel is
// already closed.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := "sub-" + strconv.FormatUint(s.nextID.Add(1), 10)
	ch := make(chan string, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Initialize sends the gateway start-up commands in order.
func (s *SerialMux[T]) Initialize(commands ...string) error {
	for _, command := range commands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// Dropped returns the number of lines dropped for slow subscribers.
func (s *SerialMux[T]) Dropped() uint64 { return s.dropped.Load() }

// Monitor returns ctx.Err() on cancellation, nil once the mux is closed, and
// the read error otherwise. The reader goroutine outlives a cancelled Monitor
// until the port is closed, but forwards nothing after cancellation.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.pump(ctx) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *SerialMux[T]) pump(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scan.Scan() {
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		s.broadcast(scan.Text())
	}
	if s.isClosed() {
		return nil
	}
	return scan.Err()
}

func (s *SerialMux[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SerialMux[T]) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- line:
		default:
			n := s.dropped.Add(1)
			logf("subscriber %s is full, dropped line (total dropped: %d)", id, n)
		}
	}
}

// Close closes every subscriber channel and then the port.
func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes adds a command endpoint and a live line tail to the
// /debug/ mux.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("serial-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	// Server-sent events, one per gateway line.
	debug.HandleFunc("serial-tail", "live tail of gateway lines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
