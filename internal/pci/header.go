package pci

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the standard config header.
	HeaderSize = 64

	type0BAROffset = 0x10
	type0BARStride = 4
)

// FillHeader decodes the identity fields of a standard config header into dev.
// Subsystem IDs are only present in type 0 headers.
func FillHeader(dev *Device, hdr []byte) error {
	if len(hdr) < HeaderSize {
		return fmt.Errorf("config header too short: %d bytes", len(hdr))
	}
	dev.VendorID = binary.LittleEndian.Uint16(hdr[0x00:])
	dev.DeviceID = binary.LittleEndian.Uint16(hdr[0x02:])
	dev.Revision = hdr[0x08]
	dev.Class = binary.LittleEndian.Uint32(hdr[0x08:]) >> 8
	dev.HeaderType = hdr[0x0e]
	if dev.HeaderType&0x7f == 0 {
		dev.SubvendorID = binary.LittleEndian.Uint16(hdr[0x2c:])
		dev.SubdeviceID = binary.LittleEndian.Uint16(hdr[0x2e:])
	}
	return nil
}

// DecodeBARs fills the base address and flags of each region from a type 0
// header. Sizes are left untouched: sizing a BAR needs a write cycle and is the
// backend's business.
func DecodeBARs(dev *Device, hdr []byte) {
	if len(hdr) < HeaderSize || dev.HeaderType&0x7f != 0 {
		return
	}
	for i := 0; i < NumRegions; i++ {
		lo := binary.LittleEndian.Uint32(hdr[type0BAROffset+i*type0BARStride:])
		r := &dev.Regions[i]
		if lo&0x1 != 0 {
			r.Flags = RegionIO
			r.Base = uint64(lo &^ 0x3)
			continue
		}
		r.Flags = 0
		r.Base = uint64(lo &^ 0xf)
		if lo&0x8 != 0 {
			r.Flags |= RegionPrefetchable
		}
		if (lo>>1)&0x3 == 0x2 && i+1 < NumRegions {
			hi := binary.LittleEndian.Uint32(hdr[type0BAROffset+(i+1)*type0BARStride:])
			r.Base |= uint64(hi) << 32
			r.Flags |= Region64Bit
			i++
		}
	}
}
