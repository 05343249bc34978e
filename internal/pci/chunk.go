package pci

import "encoding/binary"

// Transactor performs single config-space accesses of 1 to MaxTransaction
// bytes. The value occupies the low width bytes of the word in host byte order,
// which is how the kernel transports lay out their data word.
type Transactor interface {
	ReadWord(dev *Device, off uint64, width int) (uint32, error)
	WriteWord(dev *Device, off uint64, width int, value uint32) error
}

func chunkWidth(remaining int) int {
	if remaining < MaxTransaction {
		return remaining
	}
	return MaxTransaction
}

// ReadChunked fills p from config space at off using transactions of at most
// MaxTransaction bytes. On failure it returns the bytes transferred by the
// transactions that completed.
func ReadChunked(t Transactor, dev *Device, p []byte, off uint64) (int, error) {
	var word [4]byte

	done := 0
	for done < len(p) {
		width := chunkWidth(len(p) - done)

		value, err := t.ReadWord(dev, off, width)
		if err != nil {
			return done, &OpError{Op: "read", Addr: dev.Address, Offset: off, Err: err}
		}

		binary.NativeEndian.PutUint32(word[:], value)
		copy(p[done:done+width], word[:width])

		off += uint64(width)
		done += width
	}
	return done, nil
}

// WriteChunked writes p to config space at off using transactions of at most
// MaxTransaction bytes. On failure it returns the bytes transferred by the
// transactions that completed.
func WriteChunked(t Transactor, dev *Device, p []byte, off uint64) (int, error) {
	done := 0
	for done < len(p) {
		width := chunkWidth(len(p) - done)

		var word [4]byte
		copy(word[:width], p[done:done+width])

		if err := t.WriteWord(dev, off, width, binary.NativeEndian.Uint32(word[:])); err != nil {
			return done, &OpError{Op: "write", Addr: dev.Address, Offset: off, Err: err}
		}

		off += uint64(width)
		done += width
	}
	return done, nil
}
