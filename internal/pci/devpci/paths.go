package devpci

const (
	// ControlPath is the PCI control node.
	ControlPath = "/dev/pci"
	// MemPath is the physical memory node regions are mapped from.
	MemPath = "/dev/mem"
)
