//go:build unix

package vgaarb

import (
	"fmt"

	"github.com/tinyrange/pciaccess/internal/pci"
	"golang.org/x/sys/unix"
)

// fdConn talks to the node with raw syscalls; os.File.Write retries short
// writes, which would split one command into two.
type fdConn struct {
	fd int
}

func openConn(path string) (Conn, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &fdConn{fd: fd}, nil
	}
}

// writeError maps a write errno to the error reported by Conn.Write. EBUSY
// means another handle holds the resources.
func writeError(err error) error {
	if err == unix.EBUSY {
		return fmt.Errorf("%w: %w", pci.ErrBusy, err)
	}
	return err
}

func (c *fdConn) Write(msg []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, msg)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, writeError(err)
		}
		return n, nil
	}
}

func (c *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		default:
			return 0, err
		}
	}
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}
