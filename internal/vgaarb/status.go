package vgaarb

import (
	"strconv"
	"strings"

	"github.com/tinyrange/pciaccess/internal/pci"
)

// Status is one status line read from the arbiter:
//
//	count:N,PCI:DDDD:BB:SS.F,decodes=R,owns=R,locks=R(I:M)
type Status struct {
	// Count is the number of VGA devices the kernel knows, or -1 when the
	// count group was malformed.
	Count int

	// Device is the arbiter's current target. HasDevice is false when the
	// kernel reports no target.
	Device    pci.Address
	HasDevice bool

	Decodes Resource
	Owns    Resource
	Locks   Resource

	// Defaulted reports that the count or decodes group could not be parsed
	// and Decodes was set to ResourceNone instead of read from the kernel.
	Defaulted bool
}

// ParseStatus decodes a status line. It never fails: malformed input yields
// Decodes == ResourceNone with Defaulted set.
func ParseStatus(line string) Status {
	st := Status{Count: -1}
	line = strings.TrimRight(line, "\x00\r\n ")

	fields := strings.Split(line, ",")

	count, ok := strings.CutPrefix(fields[0], "count:")
	if n, err := strconv.Atoi(count); ok && err == nil && n >= 0 {
		st.Count = n
	} else {
		st.Defaulted = true
	}

	decodesSeen := false
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			if addr, found := strings.CutPrefix(field, "PCI:"); found {
				if a, err := pci.ParseAddress(addr); err == nil {
					st.Device = a
					st.HasDevice = true
				}
			}
			continue
		}

		// locks=io+mem(1:2) carries per-resource lock counts.
		if i := strings.IndexByte(value, '('); i >= 0 {
			value = value[:i]
		}
		r, err := ParseResource(value)
		switch key {
		case "decodes":
			decodesSeen = true
			if err != nil {
				st.Defaulted = true
				continue
			}
			st.Decodes = r
		case "owns":
			st.Owns = r
		case "locks":
			st.Locks = r
		}
	}
	if !decodesSeen {
		st.Defaulted = true
	}
	if st.Defaulted {
		st.Decodes = ResourceNone
	}
	return st
}
