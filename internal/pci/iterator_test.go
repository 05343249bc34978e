package pci_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/pci/pcitest"
)

func testFunctions() []pcitest.Function {
	return []pcitest.Function{
		{Addr: pci.Address{Bus: 0, Slot: 0, Function: 0}, Vendor: 0x8086, Device: 0x1237, Class: 0x060000},
		{Addr: pci.Address{Bus: 2, Slot: 3, Function: 1}, Vendor: 0x1002, Device: 0x5159, Class: 0x030000},
		{Addr: pci.Address{Bus: 0, Slot: 4, Function: 0}, Vendor: 0x10de, Device: 0x2204, Subvendor: 0x1458, Subdevice: 0x403b, Class: 0x030000},
		{Addr: pci.Address{Domain: 1, Bus: 0x10, Slot: 0, Function: 0}, Vendor: 0x8086, Device: 0x15b8, Class: 0x020000},
	}
}

func newSystem(t *testing.T, b pci.Backend) *pci.System {
	t.Helper()
	sys, err := pci.NewWithBackend(b)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

func collect(t *testing.T, it *pci.Iterator) []*pci.Device {
	t.Helper()
	var out []*pci.Device
	for it.Next() {
		out = append(out, it.Device())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return out
}

func TestIterateAllInRegistryOrder(t *testing.T) {
	b := pcitest.New(testFunctions()...)
	sys := newSystem(t, b)

	it, err := sys.Iterate("")
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()

	got := collect(t, it)
	if len(got) != sys.Len() {
		t.Fatalf("expected %d devices, got %d", sys.Len(), len(got))
	}
	for i, dev := range got {
		if dev != sys.Device(i) {
			t.Fatalf("device %d out of registry order: %s", i, dev.Address)
		}
	}
	if b.ProbeCalls != 0 {
		t.Fatalf("match-all iteration should not probe, got %d probes", b.ProbeCalls)
	}
	if it.Next() {
		t.Fatalf("Next after end returned true")
	}
}

func TestIteratePatternFilters(t *testing.T) {
	sys := newSystem(t, pcitest.New(testFunctions()...))

	tests := []struct {
		pattern string
		want    []pci.Address
	}{
		{".+:1002:.+", []pci.Address{{Bus: 2, Slot: 3, Function: 1}}},
		{":03[[:xdigit:]]{4}$", []pci.Address{{Bus: 2, Slot: 3, Function: 1}, {Bus: 0, Slot: 4, Function: 0}}},
		{"^0001:", []pci.Address{{Domain: 1, Bus: 0x10}}},
		{":1458:403b:", []pci.Address{{Bus: 0, Slot: 4, Function: 0}}},
		{"^ffff:", nil},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			it, err := sys.Iterate(tt.pattern)
			if err != nil {
				t.Fatalf("Iterate(%q): %v", tt.pattern, err)
			}
			defer it.Close()

			got := collect(t, it)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d matches, got %d", len(tt.want), len(got))
			}
			for i, dev := range got {
				if dev.Address != tt.want[i] {
					t.Fatalf("match %d: expected %s, got %s", i, tt.want[i], dev.Address)
				}
			}
		})
	}
}

func TestIdentityString(t *testing.T) {
	sys := newSystem(t, pcitest.New(testFunctions()...))

	dev := sys.FindSlot(pci.Address{Bus: 2, Slot: 3, Function: 1})
	if dev == nil {
		t.Fatalf("FindSlot: device not found")
	}
	id, err := sys.Identity(dev)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if want := "0000:02:03.1:1002:5159:0000:0000:030000"; id != want {
		t.Fatalf("expected identity %q, got %q", want, id)
	}
}

func TestIdentityIsCached(t *testing.T) {
	b := pcitest.New(testFunctions()...)
	sys := newSystem(t, b)

	for range 3 {
		it, err := sys.Iterate("^0000:")
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		collect(t, it)
		it.Close()
	}

	if b.ProbeCalls != sys.Len() {
		t.Fatalf("expected one probe per device (%d), got %d", sys.Len(), b.ProbeCalls)
	}
}

func TestIterateInvalidPattern(t *testing.T) {
	sys := newSystem(t, pcitest.New(testFunctions()...))

	it, err := sys.Iterate("([unclosed")
	if !errors.Is(err, pci.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if it != nil {
		t.Fatalf("expected no iterator on invalid pattern")
	}
}

func TestIterateProbeFailureIsDistinguishable(t *testing.T) {
	b := pcitest.New(testFunctions()...)
	probeErr := errors.New("probe exploded")
	b.ProbeErr[pci.Address{Bus: 2, Slot: 3, Function: 1}] = probeErr
	sys := newSystem(t, b)

	it, err := sys.Iterate(".*")
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()

	var seen int
	for it.Next() {
		seen++
	}
	if seen != 1 {
		t.Fatalf("expected 1 device before the failure, got %d", seen)
	}
	if !errors.Is(it.Err(), probeErr) {
		t.Fatalf("expected probe error from Err, got %v", it.Err())
	}
}

func TestIteratorCloseIsSafe(t *testing.T) {
	var nilIt *pci.Iterator
	nilIt.Close()

	sys := newSystem(t, pcitest.New(testFunctions()...))
	it, err := sys.Iterate(".+")
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	it.Close()
	it.Close()
	if it.Next() {
		t.Fatalf("Next on closed iterator returned true")
	}
	if sys.Len() != len(testFunctions()) {
		t.Fatalf("closing an iterator changed the registry")
	}
}

func TestIteratorsAreIndependent(t *testing.T) {
	sys := newSystem(t, pcitest.New(testFunctions()...))

	a, _ := sys.Iterate("")
	b, _ := sys.Iterate("")
	defer a.Close()
	defer b.Close()

	a.Next()
	a.Next()
	if !b.Next() || b.Device() != sys.Device(0) {
		t.Fatalf("second iterator did not start at the first device")
	}
}
