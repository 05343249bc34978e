package vgaarb

import "fmt"

// Resource is a set of legacy VGA resources a device decodes.
type Resource uint8

const (
	ResourceNone  Resource = 0
	ResourceIO    Resource = 1 << 0
	ResourceMem   Resource = 1 << 1
	ResourceIOMem          = ResourceIO | ResourceMem
)

// String returns the arbiter's wire name for r.
func (r Resource) String() string {
	switch r {
	case ResourceIOMem:
		return "io+mem"
	case ResourceIO:
		return "io"
	case ResourceMem:
		return "mem"
	default:
		return "none"
	}
}

// ParseResource parses a wire name.
func ParseResource(s string) (Resource, error) {
	switch s {
	case "none":
		return ResourceNone, nil
	case "io":
		return ResourceIO, nil
	case "mem":
		return ResourceMem, nil
	case "io+mem":
		return ResourceIOMem, nil
	}
	return ResourceNone, fmt.Errorf("unknown vga resource %q", s)
}
