package pci

const (
	cfgStatus         = 0x06
	cfgHeaderType     = 0x0e
	cfgCapPointer     = 0x34
	cfgCardbusCapPtr  = 0x14
	statusCapList     = 0x10
	extCapabilityBase = 0x100

	// Loop guards: 48 standard entries fit between 0x40 and 0x100, and 960
	// dword-aligned extended entries fit in the 4 KiB extended space.
	maxStandardCaps = 48
	maxExtendedCaps = 960
)

const (
	CapPowerManagement uint16 = 0x01
	CapAGP             uint16 = 0x02
	CapVPD             uint16 = 0x03
	CapMSI             uint16 = 0x05
	CapPCIX            uint16 = 0x07
	CapVendorSpecific  uint16 = 0x09
	CapPCIExpress      uint16 = 0x10
	CapMSIX            uint16 = 0x11
)

var capabilityNames = map[uint16]string{
	CapPowerManagement: "Power Management",
	CapAGP:             "AGP",
	CapVPD:             "Vital Product Data",
	0x04:               "Slot ID",
	CapMSI:             "MSI",
	0x06:               "CompactPCI Hot Swap",
	CapPCIX:            "PCI-X",
	0x08:               "HyperTransport",
	CapVendorSpecific:  "Vendor Specific",
	0x0a:               "Debug Port",
	0x0c:               "PCI Hot Plug",
	0x0d:               "Bridge Subsystem Vendor ID",
	0x0e:               "AGP 8x",
	CapPCIExpress:      "PCI Express",
	CapMSIX:            "MSI-X",
	0x12:               "SATA Data Index",
	0x13:               "Advanced Features",
}

var extCapabilityNames = map[uint16]string{
	0x0001: "Advanced Error Reporting",
	0x0002: "Virtual Channel",
	0x0003: "Device Serial Number",
	0x0004: "Power Budgeting",
	0x000b: "Vendor Specific",
	0x000d: "Access Control Services",
	0x000e: "Alternative Routing-ID",
	0x000f: "Address Translation Services",
	0x0010: "SR-IOV",
	0x0015: "Resizable BAR",
	0x0018: "Latency Tolerance Reporting",
	0x0019: "Secondary PCI Express",
	0x001b: "PASID",
	0x001e: "L1 PM Substates",
	0x001f: "Precision Time Measurement",
}

// CapabilityName returns a human readable name for a standard capability ID.
func CapabilityName(id uint16) string {
	if name, ok := capabilityNames[id]; ok {
		return name
	}
	return "Unknown"
}

// ExtendedCapabilityName returns a human readable name for an extended capability ID.
func ExtendedCapabilityName(id uint16) string {
	if name, ok := extCapabilityNames[id]; ok {
		return name
	}
	return "Unknown"
}

// HasCapability reports whether the standard list of dev contains id.
func (d *Device) HasCapability(id uint16) bool {
	for _, c := range d.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

func fillCapabilitiesGeneric(s *System, dev *Device) error {
	dev.Capabilities = nil
	dev.ExtendedCapabilities = nil

	status, err := s.ReadConfig16(dev, cfgStatus)
	if err != nil {
		return err
	}
	if status&statusCapList == 0 {
		return nil
	}

	headerType, err := s.ReadConfig8(dev, cfgHeaderType)
	if err != nil {
		return err
	}
	ptrOffset := uint64(cfgCapPointer)
	if headerType&0x7f == 2 {
		ptrOffset = cfgCardbusCapPtr
	}

	ptr, err := s.ReadConfig8(dev, ptrOffset)
	if err != nil {
		return err
	}

	for i := 0; i < maxStandardCaps; i++ {
		ptr &^= 3
		if ptr < 0x40 {
			break
		}
		var hdr [2]byte
		if _, err := s.ReadConfig(dev, hdr[:], uint64(ptr)); err != nil {
			return err
		}
		if hdr[0] == 0xff {
			break
		}
		dev.Capabilities = append(dev.Capabilities, Capability{ID: uint16(hdr[0]), Offset: uint16(ptr)})
		ptr = hdr[1]
	}

	if !dev.HasCapability(CapPCIExpress) {
		return nil
	}

	// Conventional config space ends at 0x100 on many transports; an unreadable
	// extended space simply has no extended capabilities.
	off := uint64(extCapabilityBase)
	for i := 0; i < maxExtendedCaps; i++ {
		hdr, err := s.ReadConfig32(dev, off)
		if err != nil || hdr == 0 || hdr == 0xffff_ffff {
			break
		}
		dev.ExtendedCapabilities = append(dev.ExtendedCapabilities, Capability{
			ID:      uint16(hdr),
			Version: uint8(hdr>>16) & 0xf,
			Offset:  uint16(off),
		})
		next := uint64(hdr>>20) &^ 3
		if next < extCapabilityBase {
			break
		}
		off = next
	}
	return nil
}
