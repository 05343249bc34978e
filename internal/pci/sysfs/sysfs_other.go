//go:build !linux

package sysfs

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pciaccess/internal/pci"
)

// DefaultMount is where sysfs is normally mounted.
const DefaultMount = "/sys"

// Open fails on hosts without Linux sysfs.
func Open(mount string, log *slog.Logger) (pci.Backend, error) {
	return nil, fmt.Errorf("sysfs: %w on this platform", pci.ErrUnsupported)
}
