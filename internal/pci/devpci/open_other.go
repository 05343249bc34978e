//go:build !freebsd

package devpci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pciaccess/internal/pci"
)

// Open fails on hosts without a /dev/pci ioctl interface.
func Open(log *slog.Logger) (pci.Backend, error) {
	return nil, fmt.Errorf("devpci: %s ioctls: %w", ControlPath, pci.ErrUnsupported)
}
