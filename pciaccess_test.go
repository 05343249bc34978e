package pciaccess_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tinyrange/pciaccess"
)

func TestEndToEnd(t *testing.T) {
	sys, err := pciaccess.Open(pciaccess.DefaultConfig())
	if err != nil {
		if errors.Is(err, pciaccess.ErrNoBackendAvailable) {
			t.Skip("Skipping: no PCI backend on this host")
		}
		t.Fatalf("Open() error = %v", err)
	}
	defer sys.Close()

	it, err := sys.Iterate("")
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	defer it.Close()

	var prev pciaccess.Address
	for i := 0; it.Next(); i++ {
		dev := it.Device()
		if _, err := sys.Identity(dev); err != nil {
			t.Fatalf("Identity(%s) error = %v", dev.Address, err)
		}
		if i > 0 && !less(prev, dev.Address) {
			t.Fatalf("devices out of order: %s before %s", prev, dev.Address)
		}
		prev = dev.Address
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration error = %v", err)
	}
}

func less(a, b pciaccess.Address) bool {
	if a.Domain != b.Domain {
		return a.Domain < b.Domain
	}
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.Function < b.Function
}

func TestOpenWithoutBackend(t *testing.T) {
	cfg := pciaccess.DefaultConfig()
	cfg.Backends = []string{"sysfs"}
	cfg.SysfsMount = t.TempDir()

	if _, err := pciaccess.Open(cfg); !errors.Is(err, pciaccess.ErrNoBackendAvailable) {
		t.Fatalf("Open() error = %v, want ErrNoBackendAvailable", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := pciaccess.DefaultConfig()
	cfg.Backends = []string{"vfio"}
	if _, err := pciaccess.Open(cfg); err == nil {
		t.Fatalf("Open() accepted an unknown backend")
	}
}

func TestOpenArbiterMissingNode(t *testing.T) {
	cfg := pciaccess.DefaultConfig()
	cfg.ArbiterDevice = filepath.Join(t.TempDir(), "vga_arbiter")

	_, err := pciaccess.OpenArbiter(context.Background(), nil, cfg)
	if !errors.Is(err, pciaccess.ErrDeviceUnavailable) {
		t.Fatalf("OpenArbiter() error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpenArbiterUsesTracerProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping: no arbiter node support on windows")
	}
	node := filepath.Join(t.TempDir(), "vga_arbiter")
	if err := os.WriteFile(node, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	cfg := pciaccess.DefaultConfig()
	cfg.ArbiterDevice = node
	arb, err := pciaccess.OpenArbiter(context.Background(), nil, cfg,
		pciaccess.WithTracerProvider(tp),
		pciaccess.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("OpenArbiter() error = %v", err)
	}
	defer arb.Close()

	// An empty node has no status line; the session is still usable.
	if arb.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", arb.Count())
	}
	var found bool
	for _, s := range exporter.GetSpans() {
		found = found || s.Name == "vgaarb.open"
	}
	if !found {
		t.Fatalf("vgaarb.open span not recorded with the supplied provider")
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := pciaccess.ParseAddress("0001:af:1f.7")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	want := pciaccess.Address{Domain: 1, Bus: 0xaf, Slot: 0x1f, Function: 7}
	if addr != want {
		t.Fatalf("ParseAddress() = %+v, want %+v", addr, want)
	}
	if addr.String() != "0001:af:1f.7" {
		t.Fatalf("String() = %q", addr.String())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := pciaccess.LoadConfig(filepath.Join(t.TempDir(), "pciaccess.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ArbiterDevice == "" || len(cfg.Backends) == 0 {
		t.Fatalf("LoadConfig() did not fill defaults: %+v", cfg)
	}
}
