package scanner

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrReadTimeout is returned by ReadLine when no full line arrived in time.
	ErrReadTimeout = errors.New("read timeout")
	// ErrNotConnected is returned when reading from a closed port.
	ErrNotConnected = errors.New("not connected")
)

// Port is a line-oriented connection to the scanner firmware (real or
// simulated). ReadLine is called from a single goroutine; Close may be called
// from any goroutine and unblocks a pending ReadLine.
type Port interface {
	Connect() error
	ReadLine(timeout time.Duration) (string, error)
	Close() error
	IsConnected() bool
}

// SerialPorter is the minimal byte-level interface of an opened serial device.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by devices whose Read can be bounded.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Ensure Serial implements Port.
var _ Port = (*Serial)(nil)

// Ensure Mock implements Port.
var _ Port = (*Mock)(nil)
