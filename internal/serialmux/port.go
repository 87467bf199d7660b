package serialmux

import "io"

// SerialPorter is the part of a serial port the mux needs. go.bug.st/serial
// ports satisfy it, as does TestablePort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
