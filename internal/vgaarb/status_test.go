package vgaarb

import (
	"testing"

	"github.com/tinyrange/pciaccess/internal/pci"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		line string
		want Status
	}{
		{
			line: "count:2,PCI:0000:01:00.0,decodes=io+mem,owns=io+mem,locks=none(0:0)",
			want: Status{Count: 2, Device: pci.Address{Bus: 1}, HasDevice: true, Decodes: ResourceIOMem, Owns: ResourceIOMem},
		},
		{
			line: "count:1,PCI:0000:00:02.0,decodes=none,owns=none,locks=none(0:0)\n",
			want: Status{Count: 1, Device: pci.Address{Slot: 2}, HasDevice: true},
		},
		{
			line: "count:3,PCI:0001:af:00.0,decodes=mem,owns=mem,locks=mem(0:1)",
			want: Status{Count: 3, Device: pci.Address{Domain: 1, Bus: 0xaf}, HasDevice: true, Decodes: ResourceMem, Owns: ResourceMem, Locks: ResourceMem},
		},
		{
			line: "count:0,PCI:invalid,decodes=none,owns=none,locks=none(0:0)",
			want: Status{Count: 0},
		},
		{
			line: "count:x,PCI:0000:01:00.0,decodes=io",
			want: Status{Count: -1, Device: pci.Address{Bus: 1}, HasDevice: true, Defaulted: true},
		},
		{
			line: "count:2,PCI:0000:01:00.0,decodes=vga",
			want: Status{Count: 2, Device: pci.Address{Bus: 1}, HasDevice: true, Defaulted: true},
		},
		{
			line: "count:2",
			want: Status{Count: 2, Defaulted: true},
		},
		{
			line: "",
			want: Status{Count: -1, Defaulted: true},
		},
	}
	for _, tt := range tests {
		got := ParseStatus(tt.line)
		if got != tt.want {
			t.Fatalf("ParseStatus(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestResourceStrings(t *testing.T) {
	for _, r := range []Resource{ResourceNone, ResourceIO, ResourceMem, ResourceIOMem} {
		back, err := ParseResource(r.String())
		if err != nil || back != r {
			t.Fatalf("ParseResource(%q) = %v, %v", r.String(), back, err)
		}
	}
	if ResourceIOMem.String() != "io+mem" {
		t.Fatalf("unexpected name %q", ResourceIOMem.String())
	}
	if _, err := ParseResource("vga"); err == nil {
		t.Fatalf("expected error for unknown resource")
	}
}
