// Package factory lists the PCI backends available on this host.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/pci/devpci"
	"github.com/tinyrange/pciaccess/internal/pci/sysfs"
)

// DefaultOrder is the order backends are tried in when none is configured.
var DefaultOrder = []string{"sysfs", "devpci"}

// Options selects and configures backends.
type Options struct {
	// Backends overrides DefaultOrder.
	Backends   []string
	SysfsMount string
	Logger     *slog.Logger
}

type opener func(Options) (pci.Backend, error)

var openers = map[string]opener{
	"sysfs": func(o Options) (pci.Backend, error) {
		b, err := sysfs.Open(o.SysfsMount, o.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	},
	"devpci": func(o Options) (pci.Backend, error) {
		return devpci.Open(o.Logger)
	},
}

// Candidates returns the constructors for opts in priority order.
func Candidates(opts Options) ([]pci.Constructor, error) {
	order := opts.Backends
	if len(order) == 0 {
		order = DefaultOrder
	}

	candidates := make([]pci.Constructor, 0, len(order))
	for _, name := range order {
		open, ok := openers[name]
		if !ok {
			return nil, fmt.Errorf("unknown pci backend %q", name)
		}
		candidates = append(candidates, pci.Constructor{
			Name: name,
			Open: func() (pci.Backend, error) { return open(opts) },
		})
	}
	return candidates, nil
}

// Open creates a System over the first backend in opts that works.
func Open(opts Options, sysOpts ...pci.Option) (*pci.System, error) {
	candidates, err := Candidates(opts)
	if err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		sysOpts = append([]pci.Option{pci.WithLogger(opts.Logger)}, sysOpts...)
	}
	return pci.New(candidates, sysOpts...)
}
