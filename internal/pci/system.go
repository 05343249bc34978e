package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/pciaccess/internal/debug"
)

// System is the device registry of one access session: the bound Backend and
// every device it reported. Devices live until Close.
//
// A System is not safe for concurrent use.
type System struct {
	backend Backend
	devices []Device

	log   *slog.Logger
	trace debug.Debug

	closed bool
}

// Option configures a System.
type Option func(*System)

// WithLogger routes the System's log records to l.
func WithLogger(l *slog.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDebug records backend selection and config faults in a transcript.
func WithDebug(log *debug.Log) Option {
	return func(s *System) {
		s.trace = log.WithSource("pci")
	}
}

// New binds the first candidate that opens and scans its devices. A candidate
// failing either step is skipped; if every candidate fails New returns
// ErrNoBackendAvailable joined with each candidate's error.
func New(candidates []Constructor, opts ...Option) (*System, error) {
	s := newSystem(opts)

	var errs []error
	for _, c := range candidates {
		b, err := c.Open()
		if err != nil {
			s.log.Debug("pci backend unavailable", "backend", c.Name, "error", err)
			s.trace.Writef("backend %s unavailable: %v", c.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		if err := s.bind(b); err != nil {
			s.log.Debug("pci backend scan failed", "backend", c.Name, "error", err)
			s.trace.Writef("backend %s scan failed: %v", c.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		return s, nil
	}

	return nil, errors.Join(append([]error{ErrNoBackendAvailable}, errs...)...)
}

// NewWithBackend binds b directly.
func NewWithBackend(b Backend, opts ...Option) (*System, error) {
	s := newSystem(opts)
	if err := s.bind(b); err != nil {
		return nil, err
	}
	return s, nil
}

func newSystem(opts []Option) *System {
	s := &System{
		log:   slog.Default(),
		trace: debug.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *System) bind(b Backend) error {
	devices, err := b.Scan()
	if err != nil {
		b.Close()
		return fmt.Errorf("pci: scan devices with %s backend: %w", b.Name(), err)
	}

	for i := range devices {
		devices[i].initRegions()
		devices[i].identity = ""
	}

	s.backend = b
	s.devices = slices.Clip(devices)

	s.log.Debug("pci backend selected", "backend", b.Name(), "devices", len(devices))
	s.trace.Writef("backend %s selected, %d devices", b.Name(), len(devices))
	return nil
}

// Backend returns the backend bound to the System.
func (s *System) Backend() Backend { return s.backend }

// Len returns the number of devices in the registry.
func (s *System) Len() int { return len(s.devices) }

// Device returns the device at index i in registry order.
func (s *System) Device(i int) *Device {
	if i < 0 || i >= len(s.devices) {
		return nil
	}
	return &s.devices[i]
}

// FindSlot returns the device at addr, or nil.
func (s *System) FindSlot(addr Address) *Device {
	for i := range s.devices {
		if s.devices[i].Address == addr {
			return &s.devices[i]
		}
	}
	return nil
}

// Probe fills the identity fields of dev. It is a no-op for an already probed
// device.
func (s *System) Probe(dev *Device) error {
	if dev.probed {
		return nil
	}
	if err := s.backend.Probe(dev); err != nil {
		return wrapOp("probe", dev, err)
	}
	dev.probed = true
	return nil
}

// Identity returns the extended identity string of dev, probing it first if
// needed. The string is computed once and cached on the device.
func (s *System) Identity(dev *Device) (string, error) {
	if dev.identity != "" {
		return dev.identity, nil
	}
	if err := s.Probe(dev); err != nil {
		return "", err
	}
	dev.identity = dev.formatIdentity()
	return dev.identity, nil
}

// ReadConfig reads len(p) bytes of dev's config space at off. n is the number
// of bytes read before any error.
func (s *System) ReadConfig(dev *Device, p []byte, off uint64) (int, error) {
	n, err := s.backend.ReadConfig(dev, p, off)
	if err != nil {
		s.trace.Writef("read %s@%#x size %d: %d done: %v", dev.Address, off, len(p), n, err)
		return n, wrapOp("read", dev, err)
	}
	return n, nil
}

// WriteConfig writes p to dev's config space at off. n is the number of bytes
// written before any error.
func (s *System) WriteConfig(dev *Device, p []byte, off uint64) (int, error) {
	n, err := s.backend.WriteConfig(dev, p, off)
	if err != nil {
		s.trace.Writef("write %s@%#x size %d: %d done: %v", dev.Address, off, len(p), n, err)
		return n, wrapOp("write", dev, err)
	}
	return n, nil
}

func (s *System) readFull(dev *Device, p []byte, off uint64) error {
	_, err := s.ReadConfig(dev, p, off)
	return err
}

func (s *System) ReadConfig8(dev *Device, off uint64) (uint8, error) {
	var b [1]byte
	if err := s.readFull(dev, b[:], off); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *System) ReadConfig16(dev *Device, off uint64) (uint16, error) {
	var b [2]byte
	if err := s.readFull(dev, b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (s *System) ReadConfig32(dev *Device, off uint64) (uint32, error) {
	var b [4]byte
	if err := s.readFull(dev, b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *System) WriteConfig8(dev *Device, off uint64, v uint8) error {
	_, err := s.WriteConfig(dev, []byte{v}, off)
	return err
}

func (s *System) WriteConfig16(dev *Device, off uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := s.WriteConfig(dev, b[:], off)
	return err
}

func (s *System) WriteConfig32(dev *Device, off uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := s.WriteConfig(dev, b[:], off)
	return err
}

// MapRegion maps BAR index of dev. The region holds the returned Mapping until
// it is closed; mapping a region that is already mapped fails with
// ErrRegionMapped.
func (s *System) MapRegion(dev *Device, index int, writable bool) (*Mapping, error) {
	if index < 0 || index >= NumRegions {
		return nil, wrapOp("map", dev, fmt.Errorf("%w: index %d", ErrInvalidRegion, index))
	}
	region := &dev.Regions[index]
	if region.Size == 0 {
		return nil, wrapOp("map", dev, fmt.Errorf("%w: BAR %d is not implemented", ErrInvalidRegion, index))
	}
	if region.mapping != nil {
		return nil, wrapOp("map", dev, fmt.Errorf("%w: BAR %d", ErrRegionMapped, index))
	}

	mem, err := s.backend.Map(dev, region, writable)
	if err != nil {
		return nil, wrapOp("map", dev, err)
	}

	m := &Mapping{
		sys:      s,
		dev:      dev,
		region:   region,
		mem:      mem,
		writable: writable,
	}
	region.mapping = m
	return m, nil
}

// ReadROM returns dev's expansion ROM image, or ErrUnsupported when the bound
// backend cannot read ROMs.
func (s *System) ReadROM(dev *Device) ([]byte, error) {
	r, ok := s.backend.(ROMReader)
	if !ok {
		return nil, wrapOp("rom", dev, ErrUnsupported)
	}
	rom, err := r.ReadROM(dev)
	if err != nil {
		return nil, wrapOp("rom", dev, err)
	}
	return rom, nil
}

// FillCapabilities walks dev's capability lists once and caches the result on
// the device.
func (s *System) FillCapabilities(dev *Device) error {
	if dev.capsFilled {
		return nil
	}

	var err error
	if f, ok := s.backend.(CapabilityFiller); ok {
		err = f.FillCapabilities(dev)
	} else {
		err = fillCapabilitiesGeneric(s, dev)
	}
	if err != nil {
		return wrapOp("capabilities", dev, err)
	}
	dev.capsFilled = true
	return nil
}

// Close unmaps every live mapping and releases the backend. The System must
// not be used afterwards.
func (s *System) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := range s.devices {
		for j := range s.devices[i].Regions {
			if m := s.devices[i].Regions[j].mapping; m != nil {
				errs = append(errs, m.Close())
			}
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pci: close %s backend: %w", s.backend.Name(), err))
	}
	return errors.Join(errs...)
}

func wrapOp(op string, dev *Device, err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Addr: dev.Address, Err: err}
}
