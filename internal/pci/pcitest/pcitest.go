// Package pcitest provides an in-memory pci.Backend for tests.
package pcitest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/pciaccess/internal/pci"
)

// ConfigSize is the size of each fake function's config space.
const ConfigSize = 4096

// Function describes one fake PCI function.
type Function struct {
	Addr      pci.Address
	Vendor    uint16
	Device    uint16
	Subvendor uint16
	Subdevice uint16
	Class     uint32
	Regions   [pci.NumRegions]pci.Region

	// Config overrides the generated config space when non-nil.
	Config []byte
}

// Transaction records one config-space access.
type Transaction struct {
	Addr   pci.Address
	Write  bool
	Offset uint64
	Width  int
}

// Backend is a pci.Backend whose devices live in memory. Every config access is
// split into transactions of at most pci.MaxTransaction bytes, like a kernel
// transport.
type Backend struct {
	Functions []Function
	config    map[pci.Address][]byte

	ScanErr  error
	ProbeErr map[pci.Address]error
	// FailAt fails the transaction that starts at the given config offset.
	FailAt    map[uint64]error
	MapErr    error
	UnmapErr  error
	ROMs      map[pci.Address][]byte
	CloseErr  error
	BackendID string

	Transactions []Transaction
	ProbeCalls   int
	MapCalls     int
	UnmapCalls   int
	Closed       bool
}

// New returns a backend serving fns, with headers generated from their fields.
func New(fns ...Function) *Backend {
	b := &Backend{
		Functions: fns,
		config:    make(map[pci.Address][]byte),
		ProbeErr:  make(map[pci.Address]error),
		FailAt:    make(map[uint64]error),
		ROMs:      make(map[pci.Address][]byte),
	}
	for _, fn := range fns {
		cfg := fn.Config
		if cfg == nil {
			cfg = Header(fn)
		}
		b.config[fn.Addr] = cfg
	}
	return b
}

// Header builds a type 0 config space for fn.
func Header(fn Function) []byte {
	cfg := make([]byte, ConfigSize)
	binary.LittleEndian.PutUint16(cfg[0x00:], fn.Vendor)
	binary.LittleEndian.PutUint16(cfg[0x02:], fn.Device)
	binary.LittleEndian.PutUint32(cfg[0x08:], fn.Class<<8)
	binary.LittleEndian.PutUint16(cfg[0x2c:], fn.Subvendor)
	binary.LittleEndian.PutUint16(cfg[0x2e:], fn.Subdevice)
	return cfg
}

// Config returns the live config space of addr.
func (b *Backend) Config(addr pci.Address) []byte { return b.config[addr] }

func (b *Backend) Name() string {
	if b.BackendID != "" {
		return b.BackendID
	}
	return "pcitest"
}

func (b *Backend) Scan() ([]pci.Device, error) {
	if b.ScanErr != nil {
		return nil, b.ScanErr
	}
	devices := make([]pci.Device, len(b.Functions))
	for i, fn := range b.Functions {
		devices[i].Address = fn.Addr
		devices[i].Regions = fn.Regions
	}
	return devices, nil
}

func (b *Backend) Probe(dev *pci.Device) error {
	b.ProbeCalls++
	if err := b.ProbeErr[dev.Address]; err != nil {
		return err
	}
	cfg, ok := b.config[dev.Address]
	if !ok {
		return fmt.Errorf("pcitest: no device at %s", dev.Address)
	}
	return pci.FillHeader(dev, cfg)
}

func (b *Backend) ReadWord(dev *pci.Device, off uint64, width int) (uint32, error) {
	b.Transactions = append(b.Transactions, Transaction{Addr: dev.Address, Offset: off, Width: width})
	if err := b.FailAt[off]; err != nil {
		return 0, err
	}
	cfg, ok := b.config[dev.Address]
	if !ok || off+uint64(width) > uint64(len(cfg)) {
		return 0, errors.New("pcitest: access outside config space")
	}
	var word [4]byte
	copy(word[:width], cfg[off:])
	return binary.NativeEndian.Uint32(word[:]), nil
}

func (b *Backend) WriteWord(dev *pci.Device, off uint64, width int, value uint32) error {
	b.Transactions = append(b.Transactions, Transaction{Addr: dev.Address, Write: true, Offset: off, Width: width})
	if err := b.FailAt[off]; err != nil {
		return err
	}
	cfg, ok := b.config[dev.Address]
	if !ok || off+uint64(width) > uint64(len(cfg)) {
		return errors.New("pcitest: access outside config space")
	}
	var word [4]byte
	binary.NativeEndian.PutUint32(word[:], value)
	copy(cfg[off:off+uint64(width)], word[:width])
	return nil
}

func (b *Backend) ReadConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.ReadChunked(b, dev, p, off)
}

func (b *Backend) WriteConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.WriteChunked(b, dev, p, off)
}

// Widths returns the widths of the recorded transactions in order.
func (b *Backend) Widths() []int {
	widths := make([]int, len(b.Transactions))
	for i, t := range b.Transactions {
		widths[i] = t.Width
	}
	return widths
}

func (b *Backend) Map(dev *pci.Device, region *pci.Region, writable bool) ([]byte, error) {
	b.MapCalls++
	if b.MapErr != nil {
		return nil, b.MapErr
	}
	return make([]byte, region.Size), nil
}

func (b *Backend) Unmap(dev *pci.Device, region *pci.Region, mem []byte) error {
	b.UnmapCalls++
	return b.UnmapErr
}

func (b *Backend) Close() error {
	b.Closed = true
	return b.CloseErr
}

// ROMBackend adds expansion ROM support to Backend.
type ROMBackend struct {
	*Backend
}

func (b ROMBackend) ReadROM(dev *pci.Device) ([]byte, error) {
	rom, ok := b.ROMs[dev.Address]
	if !ok {
		return nil, errors.New("pcitest: device has no ROM")
	}
	return append([]byte(nil), rom...), nil
}

// Constructor wraps backend as a pci.Constructor named name.
func Constructor(name string, backend pci.Backend) pci.Constructor {
	return pci.Constructor{Name: name, Open: func() (pci.Backend, error) { return backend, nil }}
}

// Failing returns a pci.Constructor that always fails with err.
func Failing(name string, err error) pci.Constructor {
	return pci.Constructor{Name: name, Open: func() (pci.Backend, error) { return nil, err }}
}

var (
	_ pci.Backend    = (*Backend)(nil)
	_ pci.Transactor = (*Backend)(nil)
	_ pci.ROMReader  = ROMBackend{}
)
