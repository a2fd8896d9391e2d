package modbus

import (
	"errors"
	"strings"
)

// Domain errors for the Modbus sniffer bridge package.
var (
	// ErrBadMagic is reported when the capture stream's global header
	// carries no pcap magic number in either byte order.
	ErrBadMagic = errors.New("modbus: pcap magic not found")

	// ErrRecordTooLarge is reported when a record header declares a
	// captured length above the maximum snapshot length.
	ErrRecordTooLarge = errors.New("modbus: capture record too large")

	// ErrInvalidMap is matched by every register map validation failure.
	ErrInvalidMap = errors.New("modbus: invalid register map")

	// ErrNoMapPath is returned when a reload or watch is requested before
	// the map was ever loaded from a file.
	ErrNoMapPath = errors.New("modbus: register map has no file path")

	// ErrSessionStarted is returned when Start is called twice.
	ErrSessionStarted = errors.New("modbus: capture session already started")

	// ErrBridgeStarted is returned when Bridge.Start is called twice.
	ErrBridgeStarted = errors.New("modbus: bridge already started")
)

// ValidationError lists every problem found in a register map document.
// The previously active map stays in place when one is returned.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "register map validation failed: " + strings.Join(e.Problems, "; ")
}

// Unwrap makes errors.Is(err, ErrInvalidMap) hold.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidMap
}
