package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestablePort is an in-memory SerialPorter. Reads block until data is
// added or the port is closed, which is how a quiet gateway behaves.
type TestablePort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ReadError is returned by the next Read call if set.
	ReadError error

	closed bool
}

func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 && p.ReadError == nil {
		p.cond.Wait()
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.readBuf.Len() > 0 {
		return p.readBuf.Read(b)
	}
	return 0, errPortClosed
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// AddLines queues lines for reading, appending a newline to each.
func (p *TestablePort) AddLines(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.readBuf.WriteString(l)
		p.readBuf.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// FailRead makes the next blocked or future Read return err.
func (p *TestablePort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.cond.Broadcast()
}

// Written returns everything written to the port so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}
