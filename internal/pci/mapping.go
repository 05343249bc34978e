package pci

import (
	"fmt"
	"io"
)

// Mapping is the single live mapping of one Region. The Region owns it until
// Close, after which Bytes returns nil and the Region reports no mapping.
type Mapping struct {
	sys      *System
	dev      *Device
	region   *Region
	mem      []byte
	writable bool
}

// Bytes returns the mapped memory, or nil once the mapping is closed.
func (m *Mapping) Bytes() []byte { return m.mem }

// Closed reports whether the mapping has been released.
func (m *Mapping) Closed() bool { return m.mem == nil }

func (m *Mapping) Writable() bool  { return m.writable }
func (m *Mapping) Region() *Region { return m.region }
func (m *Mapping) Device() *Device { return m.dev }

// ReadAt implements io.ReaderAt over the mapped window.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.mem == nil {
		return 0, fmt.Errorf("pci: read from closed mapping of %s BAR %d", m.dev.Address, m.region.Index)
	}
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the mapped window.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if m.mem == nil {
		return 0, fmt.Errorf("pci: write to closed mapping of %s BAR %d", m.dev.Address, m.region.Index)
	}
	if !m.writable {
		return 0, fmt.Errorf("pci: mapping of %s BAR %d is read-only", m.dev.Address, m.region.Index)
	}
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("pci: write offset %#x outside BAR %d", off, m.region.Index)
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close unmaps the region. The region's reference is cleared even when the
// backend fails to release the memory; that failure is still returned.
func (m *Mapping) Close() error {
	if m == nil || m.mem == nil {
		return nil
	}

	mem := m.mem
	m.mem = nil
	if m.region.mapping == m {
		m.region.mapping = nil
	}

	if err := m.sys.backend.Unmap(m.dev, m.region, mem); err != nil {
		m.sys.log.Warn("unmap failed", "device", m.dev.Address.String(), "region", m.region.Index, "error", err)
		return wrapOp("unmap", m.dev, err)
	}
	return nil
}
