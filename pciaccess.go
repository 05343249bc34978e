// Package pciaccess gives user space access to PCI devices: enumeration,
// configuration space, BAR mappings, expansion ROMs and the kernel VGA
// arbiter.
//
//	sys, err := pciaccess.Open(pciaccess.DefaultConfig())
//	if err != nil { ... }
//	defer sys.Close()
//
//	it, _ := sys.Iterate(":10de:")
//	for it.Next() {
//		fmt.Println(it.Device().Address)
//	}
package pciaccess

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tinyrange/pciaccess/internal/config"
	"github.com/tinyrange/pciaccess/internal/debug"
	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/pci/factory"
	"github.com/tinyrange/pciaccess/internal/vgaarb"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// System is the device registry bound to one backend.
type System = pci.System

// Device is a single PCI function.
type Device = pci.Device

// Address is a domain:bus:slot.function tuple.
type Address = pci.Address

type Region = pci.Region

type Capability = pci.Capability

// Iterator walks the devices of a System whose identity matches a pattern.
type Iterator = pci.Iterator

// Mapping is a live mapping of a memory BAR.
type Mapping = pci.Mapping

// OpError describes a failed operation on one device.
type OpError = pci.OpError

// Arbiter is a session with the kernel VGA arbiter.
type Arbiter = vgaarb.Client

// Resource is a set of legacy VGA resources.
type Resource = vgaarb.Resource

// ArbiterStatus is a decoded arbiter status line.
type ArbiterStatus = vgaarb.Status

// Config selects backends and the arbiter node. It is the same structure
// pcictl reads from pciaccess.yaml. Open and OpenArbiter read Backends,
// SysfsMount and ArbiterDevice only; DebugFile and Tracing are applied by
// pcictl, and library callers pass WithTranscript and WithTracerProvider
// instead.
type Config = config.Config

// Legacy VGA resources.
const (
	ResourceNone  = vgaarb.ResourceNone
	ResourceIO    = vgaarb.ResourceIO
	ResourceMem   = vgaarb.ResourceMem
	ResourceIOMem = vgaarb.ResourceIOMem
)

// Common sentinel errors.
var (
	ErrInvalidPattern    = pci.ErrInvalidPattern
	ErrDeviceUnavailable = pci.ErrDeviceUnavailable
	ErrProtocolViolation = pci.ErrProtocolViolation
	ErrBusy              = pci.ErrBusy
	ErrUnsupported       = pci.ErrUnsupported
	ErrRegionMapped      = pci.ErrRegionMapped
	ErrInvalidRegion     = pci.ErrInvalidRegion

	// ErrNoBackendAvailable is returned by Open when no backend could be
	// opened on this host, typically for lack of privileges or because the
	// platform has neither sysfs nor /dev/pci.
	//
	// Use errors.Is(err, pciaccess.ErrNoBackendAvailable) to skip tests in CI.
	ErrNoBackendAvailable = pci.ErrNoBackendAvailable
)

// ParseAddress parses the DDDD:BB:SS.F form.
func ParseAddress(s string) (Address, error) { return pci.ParseAddress(s) }

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML configuration file. A missing file yields
// DefaultConfig.
func LoadConfig(path string) (Config, error) { return config.LoadOrDefault(path) }

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures Open and OpenArbiter.
type Option func(*options)

type options struct {
	log    *slog.Logger
	debug  *debug.Log
	traces trace.TracerProvider
}

// WithLogger routes log records to l instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTracerProvider records one span per arbiter operation with tp instead
// of the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.traces = tp }
}

// TranscriptWriter is the sink of a binary transcript, usually an *os.File.
type TranscriptWriter = debug.Writer

// WithTranscript records config-space faults and arbiter traffic in w. Pass
// the same Option to Open and OpenArbiter to share one transcript; the caller
// closes w once both are closed.
func WithTranscript(w TranscriptWriter) Option {
	l := debug.New(w)
	return func(o *options) { o.debug = l }
}

func collect(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open binds a System to the first backend in cfg.Backends that can be opened.
func Open(cfg Config, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collect(opts)
	sys, err := factory.Open(factory.Options{
		Backends:   cfg.Backends,
		SysfsMount: cfg.SysfsMount,
		Logger:     o.log,
	}, pci.WithDebug(o.debug))
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// OpenArbiter connects to the VGA arbiter node named by cfg. sys is used to
// resolve the kernel's default VGA device and may be nil.
func OpenArbiter(ctx context.Context, sys *System, cfg Config, opts ...Option) (*Arbiter, error) {
	o := collect(opts)
	return vgaarb.Open(ctx, sys,
		vgaarb.WithDevicePath(cfg.ArbiterDevice),
		vgaarb.WithLogger(o.log),
		vgaarb.WithDebug(o.debug),
		vgaarb.WithTracerProvider(o.traces),
	)
}
