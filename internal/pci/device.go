// Package pci models the PCI devices visible to one process and dispatches
// config-space and BAR access to an OS-specific Backend.
//
// Nothing in this package is safe for concurrent use. A System, its Devices and
// any Iterators or Mappings derived from it must be used from one goroutine at a
// time; callers that share them must provide their own locking.
package pci

import (
	"fmt"
	"strings"
)

const (
	// NumRegions is the number of BAR slots in a type 0 header.
	NumRegions = 6

	// MaxTransaction is the widest single config-space access a transport performs.
	MaxTransaction = 4
)

// Address is the domain:bus:slot.function location of a PCI function.
type Address struct {
	Domain   uint32
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// ParseAddress parses "DDDD:BB:SS.F" or "BB:SS.F" (domain 0). All fields are hex.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	var (
		a                        Address
		domain, bus, slot, funct uint32
	)

	if n, err := fmt.Sscanf(s, "%x:%x:%x.%x", &domain, &bus, &slot, &funct); err == nil && n == 4 {
		a = Address{Domain: domain}
	} else if n, err := fmt.Sscanf(s, "%x:%x.%x", &bus, &slot, &funct); err == nil && n == 3 {
		a = Address{}
	} else {
		return Address{}, fmt.Errorf("invalid pci address %q: expected DDDD:BB:SS.F or BB:SS.F", s)
	}

	if bus > 0xff || slot > 0x1f || funct > 7 {
		return Address{}, fmt.Errorf("invalid pci address %q: field out of range", s)
	}
	a.Bus = uint8(bus)
	a.Slot = uint8(slot)
	a.Function = uint8(funct)
	return a, nil
}

// RegionFlags describe the decode type of a BAR.
type RegionFlags uint8

const (
	RegionIO RegionFlags = 1 << iota
	RegionPrefetchable
	Region64Bit
)

// Region is one BAR window of a device.
type Region struct {
	Index int
	Base  uint64
	Size  uint64
	Flags RegionFlags

	mapping *Mapping
}

func (r *Region) IsIO() bool           { return r.Flags&RegionIO != 0 }
func (r *Region) IsPrefetchable() bool { return r.Flags&RegionPrefetchable != 0 }
func (r *Region) Is64Bit() bool        { return r.Flags&Region64Bit != 0 }

// Mapping returns the live mapping of the region, if any.
func (r *Region) Mapping() (*Mapping, bool) {
	if r.mapping == nil {
		return nil, false
	}
	return r.mapping, true
}

// Capability is one entry of the standard (ID < 0x100) or extended capability list.
type Capability struct {
	ID      uint16
	Version uint8
	Offset  uint16
}

// Device is a single PCI function known to a System.
type Device struct {
	Address

	VendorID    uint16
	DeviceID    uint16
	SubvendorID uint16
	SubdeviceID uint16
	Class       uint32 // class << 16 | subclass << 8 | prog-if
	Revision    uint8
	HeaderType  uint8

	Regions [NumRegions]Region
	ROMSize uint64

	Capabilities         []Capability
	ExtendedCapabilities []Capability

	probed     bool
	capsFilled bool
	identity   string
}

func (d *Device) BaseClass() uint8 { return uint8(d.Class >> 16) }
func (d *Device) SubClass() uint8  { return uint8(d.Class >> 8) }
func (d *Device) ProgIF() uint8    { return uint8(d.Class) }

// IsVGA reports whether the device claims the legacy VGA programming interface.
func (d *Device) IsVGA() bool {
	return d.Class>>8 == 0x0300 || d.Class>>8 == 0x0001
}

// MarkProbed records that the backend already filled the identity fields, so
// System.Probe never calls the backend for this device.
func (d *Device) MarkProbed() { d.probed = true }

// Probed reports whether the device's identity fields are populated.
func (d *Device) Probed() bool { return d.probed }

func (d *Device) formatIdentity() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x:%04x:%04x:%04x:%04x:%06x",
		d.Domain,
		d.Bus,
		d.Slot,
		d.Function,
		d.VendorID,
		d.DeviceID,
		d.SubvendorID,
		d.SubdeviceID,
		d.Class&0xffffff,
	)
}

func (d *Device) initRegions() {
	for i := range d.Regions {
		d.Regions[i].Index = i
	}
}
