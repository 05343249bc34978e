//go:build !unix

package vgaarb

import (
	"fmt"

	"github.com/tinyrange/pciaccess/internal/pci"
)

func openConn(path string) (Conn, error) {
	return nil, fmt.Errorf("%s: %w", path, pci.ErrUnsupported)
}
