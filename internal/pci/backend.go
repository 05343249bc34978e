package pci

// Backend is the set of operations an OS-specific PCI implementation provides.
// A Backend is bound to exactly one System for the System's lifetime.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string

	// Scan returns every PCI function the OS reports. It is called once, when
	// the System is created.
	Scan() ([]Device, error)

	// Probe fills the identity fields and regions of a device. System.Probe
	// guarantees it is called at most once per successfully probed device.
	Probe(dev *Device) error

	// ReadConfig reads len(p) bytes of config space starting at off. It returns
	// the number of bytes read before any error.
	ReadConfig(dev *Device, p []byte, off uint64) (int, error)

	// WriteConfig writes p to config space starting at off. It returns the
	// number of bytes written before any error.
	WriteConfig(dev *Device, p []byte, off uint64) (int, error)

	// Map maps the full extent of region into the process.
	Map(dev *Device, region *Region, writable bool) ([]byte, error)

	// Unmap releases a mapping previously returned by Map.
	Unmap(dev *Device, region *Region, mem []byte) error

	// Close releases the backend's control handles.
	Close() error
}

// ROMReader is implemented by backends that can read a device's expansion ROM.
type ROMReader interface {
	ReadROM(dev *Device) ([]byte, error)
}

// CapabilityFiller is implemented by backends with a native capability walker.
// Backends without one get the generic config-space walker.
type CapabilityFiller interface {
	FillCapabilities(dev *Device) error
}

// Constructor opens one candidate backend.
type Constructor struct {
	Name string
	Open func() (Backend, error)
}
