//go:build unix

// Package devpci implements pci.Backend over a BSD style /dev/pci control node:
// config transactions and BAR queries are ioctls on the node, and regions are
// mapped through /dev/mem.
package devpci

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/pciaccess/internal/pci"
	"golang.org/x/sys/unix"
)

const barRegister = 0x10

// Entry is one function reported by the kernel's device list.
type Entry struct {
	Addr       pci.Address
	Vendor     uint16
	Device     uint16
	Subvendor  uint16
	Subdevice  uint16
	Class      uint32
	Revision   uint8
	HeaderType uint8
}

// BAR is the kernel's view of one base address register.
type BAR struct {
	Base    uint64
	Length  uint64
	Enabled bool
}

// Controller issues requests on the control node.
type Controller interface {
	ListDevices() ([]Entry, error)
	ReadRegister(addr pci.Address, reg uint32, width int) (uint32, error)
	WriteRegister(addr pci.Address, reg uint32, width int, value uint32) error
	GetBAR(addr pci.Address, reg uint32) (BAR, error)
	Close() error
}

// Memory maps physical address ranges.
type Memory interface {
	Map(base uint64, size int, writable bool) ([]byte, error)
	Unmap(mem []byte) error
}

// Backend is the /dev/pci backend.
type Backend struct {
	ctl Controller
	mem Memory
	log *slog.Logger
}

// New returns a backend over an already open controller.
func New(ctl Controller, mem Memory, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{ctl: ctl, mem: mem, log: log}
}

func (b *Backend) Name() string { return "devpci" }

func (b *Backend) Scan() ([]pci.Device, error) {
	entries, err := b.ctl.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("devpci: list devices: %w", err)
	}
	devices := make([]pci.Device, len(entries))
	for i, e := range entries {
		devices[i] = pci.Device{
			Address:     e.Addr,
			VendorID:    e.Vendor,
			DeviceID:    e.Device,
			SubvendorID: e.Subvendor,
			SubdeviceID: e.Subdevice,
			Class:       e.Class,
			Revision:    e.Revision,
			HeaderType:  e.HeaderType,
		}
	}
	return devices, nil
}

// Probe rereads the standard header and asks the kernel for every BAR's
// decoded base and length.
func (b *Backend) Probe(dev *pci.Device) error {
	hdr := make([]byte, pci.HeaderSize)
	if _, err := pci.ReadChunked(b, dev, hdr, 0); err != nil {
		return err
	}
	if err := pci.FillHeader(dev, hdr); err != nil {
		return err
	}
	if dev.HeaderType&0x7f != 0 {
		return nil
	}
	pci.DecodeBARs(dev, hdr)

	for i := 0; i < pci.NumRegions; i++ {
		r := &dev.Regions[i]
		bar, err := b.ctl.GetBAR(dev.Address, uint32(barRegister+4*i))
		switch {
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENODEV):
			// Unimplemented BAR.
			r.Size = 0
		case err != nil:
			return fmt.Errorf("devpci: query BAR %d: %w", i, err)
		default:
			r.Base = bar.Base
			r.Size = bar.Length
		}
		if r.Is64Bit() {
			i++
		}
	}
	return nil
}

func (b *Backend) ReadWord(dev *pci.Device, off uint64, width int) (uint32, error) {
	return b.ctl.ReadRegister(dev.Address, uint32(off), width)
}

func (b *Backend) WriteWord(dev *pci.Device, off uint64, width int, value uint32) error {
	return b.ctl.WriteRegister(dev.Address, uint32(off), width, value)
}

func (b *Backend) ReadConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.ReadChunked(b, dev, p, off)
}

func (b *Backend) WriteConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.WriteChunked(b, dev, p, off)
}

func (b *Backend) Map(dev *pci.Device, region *pci.Region, writable bool) ([]byte, error) {
	if region.IsIO() {
		return nil, fmt.Errorf("devpci: BAR %d is an I/O port range: %w", region.Index, pci.ErrInvalidRegion)
	}
	mem, err := b.mem.Map(region.Base, int(region.Size), writable)
	if err != nil {
		return nil, fmt.Errorf("devpci: map %#x+%#x: %w", region.Base, region.Size, err)
	}
	b.log.Debug("devpci region mapped", "device", dev.Address.String(), "region", region.Index, "writable", writable)
	return mem, nil
}

func (b *Backend) Unmap(dev *pci.Device, region *pci.Region, mem []byte) error {
	return b.mem.Unmap(mem)
}

func (b *Backend) Close() error {
	return b.ctl.Close()
}

// PhysMemory maps ranges of a physical memory node with mmap(2).
type PhysMemory struct {
	Path string
}

// Map opens the node for the duration of the call only; the mapping outlives
// the descriptor.
func (m PhysMemory) Map(base uint64, size int, writable bool) ([]byte, error) {
	flags, prot := accessMode(writable)

	f, err := os.OpenFile(m.Path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), int64(base), size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", m.Path, err)
	}
	return mem, nil
}

// accessMode returns the open flags and page protection for a mapping.
func accessMode(writable bool) (flags int, prot int) {
	if writable {
		return os.O_RDWR, unix.PROT_READ | unix.PROT_WRITE
	}
	return os.O_RDONLY, unix.PROT_READ
}

func (m PhysMemory) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

var (
	_ pci.Backend    = (*Backend)(nil)
	_ pci.Transactor = (*Backend)(nil)
	_ Memory         = PhysMemory{}
)
