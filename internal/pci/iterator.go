package pci

import (
	"fmt"
	"regexp"
)

// Iterator walks the devices of a System in registry order, optionally keeping
// only devices whose extended identity string matches a POSIX extended regular
// expression.
//
// The identity string has the form
//
//	domain:bus:slot.function:vendor:device:subvendor:subdevice:class
//
// with every field in lower-case hex. To select every ATI device use
// ".+:1002:.+"; to select display controllers use ":03[[:xdigit:]]{4}$".
//
// Usage follows bufio.Scanner:
//
//	for it.Next() {
//		dev := it.Device()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	sys  *System
	next int
	re   *regexp.Regexp // nil matches every device

	cur *Device
	err error
}

// Iterate creates an iterator over s. An empty pattern matches every device.
func (s *System) Iterate(pattern string) (*Iterator, error) {
	it := &Iterator{sys: s}
	if pattern != "" {
		re, err := regexp.CompilePOSIX(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidPattern, pattern, err)
		}
		it.re = re
	}
	return it, nil
}

// Next advances to the next matching device. It returns false at the end of
// the registry or when materializing a device's identity string fails; Err
// tells the two apart.
func (it *Iterator) Next() bool {
	it.cur = nil
	if it.err != nil || it.sys == nil {
		return false
	}

	devices := it.sys.devices
	if it.re == nil {
		if it.next >= len(devices) {
			return false
		}
		it.cur = &devices[it.next]
		it.next++
		return true
	}

	for it.next < len(devices) {
		dev := &devices[it.next]
		id, err := it.sys.Identity(dev)
		if err != nil {
			it.err = fmt.Errorf("pci: identity of %s: %w", dev.Address, err)
			return false
		}
		it.next++
		if it.re.MatchString(id) {
			it.cur = dev
			return true
		}
	}
	return false
}

// Device returns the device found by the last successful Next.
func (it *Iterator) Device() *Device { return it.cur }

// Err returns the error that stopped iteration, or nil at a normal end.
func (it *Iterator) Err() error { return it.err }

// Close releases the compiled pattern. It is safe to call on a nil Iterator
// and more than once; the System is unaffected.
func (it *Iterator) Close() {
	if it == nil {
		return
	}
	it.re = nil
	it.sys = nil
	it.cur = nil
}
