//go:build linux

// Package sysfs implements pci.Backend on Linux sysfs: discovery through
// /sys/bus/pci/devices, config space through each function's config
// attribute, and regions through its resourceN files.
package sysfs

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
	"github.com/tinyrange/pciaccess/internal/pci"
	"golang.org/x/sys/unix"
)

// Resource flags from include/linux/ioport.h.
const (
	resourceIO       = 0x0000_0100
	resourceMem      = 0x0000_0200
	resourcePrefetch = 0x0000_2000
	resourceMem64    = 0x0010_0000

	romResourceIndex = 6
)

// DefaultMount is where sysfs is normally mounted.
const DefaultMount = "/sys"

// Backend is the sysfs backend.
type Backend struct {
	fs    sysfs.FS
	mount string
	log   *slog.Logger

	config map[pci.Address]*os.File

	// setROMEnabled toggles the rom attribute around a read.
	setROMEnabled func(path string, enabled bool) error
}

// Open returns a backend over the sysfs tree mounted at mount.
func Open(mount string, log *slog.Logger) (*Backend, error) {
	if mount == "" {
		mount = DefaultMount
	}
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(filepath.Join(mount, "bus", "pci", "devices")); err != nil {
		return nil, fmt.Errorf("sysfs: %w: %w", pci.ErrDeviceUnavailable, err)
	}
	fs, err := sysfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("sysfs: open %s: %w", mount, err)
	}
	return &Backend{
		fs:            fs,
		mount:         mount,
		log:           log,
		config:        make(map[pci.Address]*os.File),
		setROMEnabled: writeROMAttribute,
	}, nil
}

func (b *Backend) Name() string { return "sysfs" }

func (b *Backend) devicePath(addr pci.Address, attr string) string {
	return filepath.Join(b.mount, "bus", "pci", "devices", addr.String(), attr)
}

func compareAddress(a, b pci.Address) int {
	return cmp.Or(
		cmp.Compare(a.Domain, b.Domain),
		cmp.Compare(a.Bus, b.Bus),
		cmp.Compare(a.Slot, b.Slot),
		cmp.Compare(a.Function, b.Function),
	)
}

func (b *Backend) Scan() ([]pci.Device, error) {
	found, err := b.fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("sysfs: read pci devices: %w", err)
	}

	devices := make([]pci.Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, pci.Device{
			Address: pci.Address{
				Domain:   uint32(d.Location.Segment),
				Bus:      uint8(d.Location.Bus),
				Slot:     uint8(d.Location.Device),
				Function: uint8(d.Location.Function),
			},
			VendorID:    uint16(d.Vendor),
			DeviceID:    uint16(d.Device),
			SubvendorID: uint16(d.SubsystemVendor),
			SubdeviceID: uint16(d.SubsystemDevice),
			Class:       d.Class & 0xff_ffff,
		})
	}
	slices.SortFunc(devices, func(x, y pci.Device) int {
		return compareAddress(x.Address, y.Address)
	})
	return devices, nil
}

// Probe reads the standard header from the config attribute and the region
// layout from the resource attribute.
func (b *Backend) Probe(dev *pci.Device) error {
	hdr := make([]byte, pci.HeaderSize)
	if _, err := pci.ReadChunked(b, dev, hdr, 0); err != nil {
		return err
	}
	if err := pci.FillHeader(dev, hdr); err != nil {
		return err
	}

	resources, err := readResources(b.devicePath(dev.Address, "resource"))
	if err != nil {
		return err
	}
	for i, r := range resources {
		switch {
		case i < pci.NumRegions:
			dev.Regions[i].Base = r.start
			dev.Regions[i].Size = r.size()
			dev.Regions[i].Flags = r.regionFlags()
		case i == romResourceIndex:
			dev.ROMSize = r.size()
		}
	}
	return nil
}

type resource struct {
	start, end, flags uint64
}

func (r resource) size() uint64 {
	if r.end == 0 && r.start == 0 {
		return 0
	}
	return r.end - r.start + 1
}

func (r resource) regionFlags() pci.RegionFlags {
	var f pci.RegionFlags
	if r.flags&resourceIO != 0 {
		f |= pci.RegionIO
	}
	if r.flags&resourcePrefetch != 0 {
		f |= pci.RegionPrefetchable
	}
	if r.flags&resourceMem64 != 0 {
		f |= pci.Region64Bit
	}
	return f
}

// readResources parses the "start end flags" lines of a resource attribute.
func readResources(path string) ([]resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sysfs: %w", err)
	}
	defer f.Close()

	var out []resource
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("sysfs: %s: malformed line %q", path, scanner.Text())
		}
		var vals [3]uint64
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("sysfs: %s: %w", path, err)
			}
			vals[i] = v
		}
		out = append(out, resource{start: vals[0], end: vals[1], flags: vals[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sysfs: %s: %w", path, err)
	}
	return out, nil
}

func (b *Backend) configFile(addr pci.Address) (*os.File, error) {
	if f, ok := b.config[addr]; ok {
		return f, nil
	}
	path := b.devicePath(addr, "config")
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		// Unprivileged readers get the first 64 bytes.
		f, err = os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, err
		}
	}
	b.config[addr] = f
	return f, nil
}

func (b *Backend) ReadWord(dev *pci.Device, off uint64, width int) (uint32, error) {
	f, err := b.configFile(dev.Address)
	if err != nil {
		return 0, err
	}
	var word [4]byte
	n, err := f.ReadAt(word[:width], int64(off))
	if n < width {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.NativeEndian.Uint32(word[:]), nil
}

func (b *Backend) WriteWord(dev *pci.Device, off uint64, width int, value uint32) error {
	f, err := b.configFile(dev.Address)
	if err != nil {
		return err
	}
	var word [4]byte
	binary.NativeEndian.PutUint32(word[:], value)
	_, err = f.WriteAt(word[:width], int64(off))
	return err
}

func (b *Backend) ReadConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.ReadChunked(b, dev, p, off)
}

func (b *Backend) WriteConfig(dev *pci.Device, p []byte, off uint64) (int, error) {
	return pci.WriteChunked(b, dev, p, off)
}

func (b *Backend) Map(dev *pci.Device, region *pci.Region, writable bool) ([]byte, error) {
	if region.IsIO() {
		return nil, fmt.Errorf("sysfs: BAR %d is an I/O port range: %w", region.Index, pci.ErrInvalidRegion)
	}

	flags, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flags, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}

	path := b.devicePath(dev.Address, fmt.Sprintf("resource%d", region.Index))
	f, err := os.OpenFile(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(region.Size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return mem, nil
}

func (b *Backend) Unmap(dev *pci.Device, region *pci.Region, mem []byte) error {
	return unix.Munmap(mem)
}

// ReadROM enables the expansion ROM decoder, reads the image and disables it
// again.
func (b *Backend) ReadROM(dev *pci.Device) ([]byte, error) {
	path := b.devicePath(dev.Address, "rom")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sysfs: %w: %w", pci.ErrUnsupported, err)
	}

	if err := b.setROMEnabled(path, true); err != nil {
		return nil, fmt.Errorf("sysfs: enable rom: %w", err)
	}
	defer func() {
		if err := b.setROMEnabled(path, false); err != nil {
			b.log.Warn("disable expansion rom", "device", dev.Address.String(), "error", err)
		}
	}()

	rom, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sysfs: read rom: %w", err)
	}
	return rom, nil
}

func writeROMAttribute(path string, enabled bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	v := "0"
	if enabled {
		v = "1"
	}
	_, err = f.WriteString(v)
	return err
}

func (b *Backend) Close() error {
	var errs []error
	for addr, f := range b.config {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s config: %w", addr, err))
		}
		delete(b.config, addr)
	}
	return errors.Join(errs...)
}

var (
	_ pci.Backend    = (*Backend)(nil)
	_ pci.Transactor = (*Backend)(nil)
	_ pci.ROMReader  = (*Backend)(nil)
)
