package vgaarb

// DefaultDevicePath is the kernel arbiter node.
const DefaultDevicePath = "/dev/vga_arbiter"

// MaxMessage is the longest command the arbiter accepts in one write.
const MaxMessage = 128

// Conn is an open arbiter node.
//
// Write must issue exactly one write(2) for msg and report the count the
// kernel accepted; it must not loop on short writes. An EBUSY from the kernel
// is reported as an error matching pci.ErrBusy.
type Conn interface {
	Write(msg []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}
