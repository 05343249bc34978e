//go:build linux

package sysfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/pciaccess/internal/pci"
)

type fakeFunction struct {
	id                                   string
	vendor, device, subvendor, subdevice uint16
	class                                uint32
	resources                            []string
	rom                                  []byte
}

func writeFakeFunction(t *testing.T, root string, fn fakeFunction) string {
	t.Helper()

	parent := "pci0000:00"
	devDir := filepath.Join(root, "devices", parent, fn.id)
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", devDir, err)
	}

	attrs := map[string]string{
		"class":            fmt.Sprintf("0x%06x", fn.class),
		"vendor":           fmt.Sprintf("0x%04x", fn.vendor),
		"device":           fmt.Sprintf("0x%04x", fn.device),
		"subsystem_vendor": fmt.Sprintf("0x%04x", fn.subvendor),
		"subsystem_device": fmt.Sprintf("0x%04x", fn.subdevice),
		"revision":         "0x01",
		"resource":         strings.Join(fn.resources, "\n"),
	}
	for name, val := range attrs {
		path := filepath.Join(devDir, name)
		if err := os.WriteFile(path, []byte(val+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	config := make([]byte, 256)
	binary.LittleEndian.PutUint16(config[0x00:], fn.vendor)
	binary.LittleEndian.PutUint16(config[0x02:], fn.device)
	binary.LittleEndian.PutUint32(config[0x08:], fn.class<<8|0x01)
	binary.LittleEndian.PutUint16(config[0x2c:], fn.subvendor)
	binary.LittleEndian.PutUint16(config[0x2e:], fn.subdevice)
	if err := os.WriteFile(filepath.Join(devDir, "config"), config, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if fn.rom != nil {
		if err := os.WriteFile(filepath.Join(devDir, "rom"), fn.rom, 0o644); err != nil {
			t.Fatalf("write rom: %v", err)
		}
	}

	busDevicesDir := filepath.Join(root, "bus", "pci", "devices")
	if err := os.MkdirAll(busDevicesDir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", busDevicesDir, err)
	}
	target := filepath.Join("..", "..", "..", "devices", parent, fn.id)
	if err := os.Symlink(target, filepath.Join(busDevicesDir, fn.id)); err != nil {
		t.Fatalf("symlink %s: %v", fn.id, err)
	}
	return devDir
}

const emptyResource = "0x0000000000000000 0x0000000000000000 0x0000000000000000"

func gpuFunction() fakeFunction {
	return fakeFunction{
		id:        "0000:01:00.0",
		vendor:    0x10de,
		device:    0x2204,
		subvendor: 0x1458,
		subdevice: 0x403b,
		class:     0x030000,
		resources: []string{
			"0x00000000f6000000 0x00000000f6ffffff 0x0000000000040200",
			"0x000000e000000000 0x000000efffffffff 0x000000000014220c",
			emptyResource,
			emptyResource,
			emptyResource,
			"0x000000000000e000 0x000000000000e07f 0x0000000000040101",
			"0x00000000f7000000 0x00000000f707ffff 0x0000000000046200",
		},
		rom: []byte{0x55, 0xaa, 0x40, 0x01},
	}
}

func openFake(t *testing.T, fns ...fakeFunction) (*pci.System, string) {
	t.Helper()
	root := t.TempDir()
	for _, fn := range fns {
		writeFakeFunction(t, root, fn)
	}
	b, err := Open(root, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sys, err := pci.NewWithBackend(b)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys, root
}

func TestScanSortsByAddress(t *testing.T) {
	bridge := fakeFunction{id: "0000:00:00.0", vendor: 0x8086, device: 0x1237, class: 0x060000, resources: []string{emptyResource}}
	nic := fakeFunction{id: "0001:00:02.0", vendor: 0x8086, device: 0x15b8, class: 0x020000, resources: []string{emptyResource}}
	sys, _ := openFake(t, nic, gpuFunction(), bridge)

	want := []pci.Address{{}, {Bus: 1}, {Domain: 1, Slot: 2}}
	if sys.Len() != len(want) {
		t.Fatalf("expected %d devices, got %d", len(want), sys.Len())
	}
	for i, addr := range want {
		if got := sys.Device(i).Address; got != addr {
			t.Fatalf("device %d: expected %s, got %s", i, addr, got)
		}
	}

	gpu := sys.Device(1)
	if gpu.VendorID != 0x10de || gpu.SubdeviceID != 0x403b || gpu.Class != 0x030000 {
		t.Fatalf("scan did not fill identity: %+v", gpu)
	}
}

func TestOpenMissingTree(t *testing.T) {
	if _, err := Open(t.TempDir(), nil); !errors.Is(err, pci.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestProbeReadsResources(t *testing.T) {
	sys, _ := openFake(t, gpuFunction())
	dev := sys.Device(0)
	if err := sys.Probe(dev); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if dev.Revision != 0x01 {
		t.Fatalf("expected revision 1, got %d", dev.Revision)
	}
	r0 := dev.Regions[0]
	if r0.Base != 0xf600_0000 || r0.Size != 0x100_0000 || r0.IsIO() || r0.IsPrefetchable() {
		t.Fatalf("BAR0 = %+v", r0)
	}
	r1 := dev.Regions[1]
	if r1.Base != 0xe0_0000_0000 || r1.Size != 0x10_0000_0000 || !r1.Is64Bit() || !r1.IsPrefetchable() {
		t.Fatalf("BAR1 = %+v", r1)
	}
	if dev.Regions[2].Size != 0 {
		t.Fatalf("empty resource reported size %#x", dev.Regions[2].Size)
	}
	if r5 := dev.Regions[5]; !r5.IsIO() || r5.Size != 0x80 {
		t.Fatalf("BAR5 = %+v", r5)
	}
	if dev.ROMSize != 0x8_0000 {
		t.Fatalf("expected ROM size 0x80000, got %#x", dev.ROMSize)
	}
}

func TestConfigThroughAttribute(t *testing.T) {
	sys, _ := openFake(t, gpuFunction())
	dev := sys.Device(0)

	id, err := sys.Identity(dev)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if want := "0000:01:00.0:10de:2204:1458:403b:030000"; id != want {
		t.Fatalf("expected %q, got %q", want, id)
	}

	if err := sys.WriteConfig32(dev, 0x44, 0x1234_5678); err != nil {
		t.Fatalf("WriteConfig32: %v", err)
	}
	buf := make([]byte, 7)
	n, err := sys.ReadConfig(dev, buf, 0x41)
	if err != nil || n != 7 {
		t.Fatalf("ReadConfig = %d, %v", n, err)
	}
	if got := binary.LittleEndian.Uint32(buf[3:]); got != 0x1234_5678 {
		t.Fatalf("read back %#x", got)
	}
}

func TestReadPastEndReportsProgress(t *testing.T) {
	sys, _ := openFake(t, gpuFunction())
	dev := sys.Device(0)

	n, err := sys.ReadConfig(dev, make([]byte, 8), 0xfa)
	if n != 4 {
		t.Fatalf("expected 4 bytes before the end of config space, got %d", n)
	}
	var opErr *pci.OpError
	if !errors.As(err, &opErr) || opErr.Offset != 0xfe {
		t.Fatalf("expected OpError at 0xfe, got %v", err)
	}
}

func TestMapResourceFile(t *testing.T) {
	fn := gpuFunction()
	fn.resources[0] = "0x00000000f6000000 0x00000000f6000fff 0x0000000000040200"
	root := t.TempDir()
	devDir := writeFakeFunction(t, root, fn)

	bar := make([]byte, 0x1000)
	bar[0x10] = 0x42
	if err := os.WriteFile(filepath.Join(devDir, "resource0"), bar, 0o644); err != nil {
		t.Fatalf("write resource0: %v", err)
	}

	b, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sys, err := pci.NewWithBackend(b)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	defer sys.Close()

	dev := sys.Device(0)
	if err := sys.Probe(dev); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	m, err := sys.MapRegion(dev, 0, true)
	if err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if m.Bytes()[0x10] != 0x42 {
		t.Fatalf("mapping does not reflect resource0")
	}
	if _, err := m.WriteAt([]byte{0x99}, 0x20); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(devDir, "resource0"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got[0x20] != 0x99 {
		t.Fatalf("write through mapping not visible")
	}

	if _, err := sys.MapRegion(dev, 5, false); !errors.Is(err, pci.ErrInvalidRegion) {
		t.Fatalf("expected I/O BAR to be rejected, got %v", err)
	}
}

func TestReadROMTogglesAttribute(t *testing.T) {
	root := t.TempDir()
	writeFakeFunction(t, root, gpuFunction())
	b, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var toggles []bool
	b.setROMEnabled = func(path string, enabled bool) error {
		toggles = append(toggles, enabled)
		return nil
	}

	sys, err := pci.NewWithBackend(b)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	defer sys.Close()

	rom, err := sys.ReadROM(sys.Device(0))
	if err != nil {
		t.Fatalf("ReadROM: %v", err)
	}
	if len(rom) != 4 || rom[0] != 0x55 || rom[1] != 0xaa {
		t.Fatalf("unexpected ROM %x", rom)
	}
	if len(toggles) != 2 || !toggles[0] || toggles[1] {
		t.Fatalf("expected enable then disable, got %v", toggles)
	}
}

func TestReadROMMissingAttribute(t *testing.T) {
	fn := gpuFunction()
	fn.rom = nil
	sys, _ := openFake(t, fn)

	if _, err := sys.ReadROM(sys.Device(0)); !errors.Is(err, pci.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
