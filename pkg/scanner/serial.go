// Package scanner talks to the raster-scanning microcontroller: it opens the
// serial link, splits the byte stream into lines and parses readings.
package scanner

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itohio/capgrid/pkg/monitoring"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate matches the lab firmware.
	DefaultBaudRate = 115200
	// DefaultPollInterval bounds a single Read on the device.
	DefaultPollInterval = 50 * time.Millisecond
	// maxLineLength drops runaway input that never terminates a line.
	maxLineLength = 4096
)

// PortInfo describes an available serial port.
type PortInfo struct {
	Name        string
	Description string
}

// Opener opens a serial device. It is replaced in tests.
type Opener func(name string, mode *serial.Mode) (SerialPorter, error)

// OpenSerial opens a real device with go.bug.st/serial.
func OpenSerial(name string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(name, mode)
}

// Serial is a connection to the scanner over a serial port.
type Serial struct {
	name     string
	baudRate int
	poll     time.Duration
	open     Opener

	mu        sync.Mutex
	conn      SerialPorter
	connected bool

	pending []byte
	buf     []byte
}

// New creates a Serial for the named port. A zero baud rate selects
// DefaultBaudRate and a nil opener selects OpenSerial.
func New(name string, baudRate int, open Opener) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if open == nil {
		open = OpenSerial
	}
	return &Serial{
		name:     name,
		baudRate: baudRate,
		poll:     DefaultPollInterval,
		open:     open,
		buf:      make([]byte, 256),
	}
}

// Ports returns the serial ports present on the system.
func Ports() ([]PortInfo, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(names))
	for _, name := range names {
		result = append(result, PortInfo{Name: name, Description: name})
	}
	return result, nil
}

// Name returns the device path.
func (s *Serial) Name() string {
	return s.name
}

// Connect opens the port.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	conn, err := s.open(s.name, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.name, err)
	}
	if ts, ok := conn.(TimeoutSerialPorter); ok {
		if err := ts.SetReadTimeout(s.poll); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set read timeout on %s: %w", s.name, err)
		}
	}

	s.conn = conn
	s.connected = true
	s.pending = s.pending[:0]
	return nil
}

// Close closes the port. Closing an unconnected port is a no-op.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false

	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.name, err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ReadLine returns the next line without its terminator. It returns
// ErrReadTimeout when no full line arrived within timeout; a partial line is
// kept for the next call.
func (s *Serial) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(s.pending[:i]), "\r")
			s.pending = append(s.pending[:0], s.pending[i+1:]...)
			return line, nil
		}
		if len(s.pending) > maxLineLength {
			monitoring.Logf("Serial %s: dropping %d bytes without line terminator", s.name, len(s.pending))
			s.pending = s.pending[:0]
		}
		if !time.Now().Before(deadline) {
			return "", ErrReadTimeout
		}

		s.mu.Lock()
		conn, connected := s.conn, s.connected
		s.mu.Unlock()
		if !connected {
			return "", ErrNotConnected
		}

		n, err := conn.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
		}
		if err != nil {
			if !s.IsConnected() {
				return "", ErrNotConnected
			}
			return "", fmt.Errorf("failed to read from serial port %s: %w", s.name, err)
		}
	}
}
