package pci

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPattern     = errors.New("invalid device pattern")
	ErrDeviceUnavailable  = errors.New("control device unavailable")
	ErrNoBackendAvailable = errors.New("no pci backend available")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrBusy               = errors.New("resource busy")
	ErrUnsupported        = errors.New("operation not supported by backend")
	ErrRegionMapped       = errors.New("region already mapped")
	ErrInvalidRegion      = errors.New("invalid region")
)

// OpError records a failed operation against a single device. Offset is only
// meaningful for config-space transactions.
type OpError struct {
	Op     string
	Addr   Address
	Offset uint64
	Err    error
}

func (e *OpError) Error() string {
	switch e.Op {
	case "read", "write":
		return fmt.Sprintf("pci %s %s@%#x: %v", e.Op, e.Addr, e.Offset, e.Err)
	default:
		return fmt.Sprintf("pci %s %s: %v", e.Op, e.Addr, e.Err)
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}
