//go:build freebsd

package devpci

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"unsafe"

	"github.com/tinyrange/pciaccess/internal/pci"
	"golang.org/x/sys/unix"
)

// <sys/pciio.h>
const (
	pciocRead    = 0xc0147002
	pciocWrite   = 0xc0147003
	pciocGetBAR  = 0xc0207006
	pciocGetConf = 0xc030700a

	getconfLastDevice  = 0
	getconfListChanged = 1
	getconfMoreDevs    = 2
	getconfError       = 3

	confBatch = 64
)

type pcisel struct {
	Domain uint32
	Bus    uint8
	Dev    uint8
	Func   uint8
	_      uint8
}

type pciIO struct {
	Sel   pcisel
	Reg   int32
	Width int32
	Data  uint32
}

type pciBarIO struct {
	Sel     pcisel
	Reg     int32
	Enabled int32
	Base    uint64
	Length  uint64
}

type pciConf struct {
	Sel       pcisel
	Hdr       uint8
	_         uint8
	Subvendor uint16
	Subdevice uint16
	Vendor    uint16
	Device    uint16
	Class     uint8
	Subclass  uint8
	Progif    uint8
	Revid     uint8
	Name      [17]byte
	_         [1]byte
	Unit      uint64

	NUMADomain  int32
	_           [4]byte
	ReportedLen uint64
	_           [64]byte
}

// pciConfSize is sizeof(struct pci_conf) for pciocGetConf. The pre-14 request
// (0xc0307005) used a 48 byte record without the trailing fields.
const pciConfSize = 128

type pciConfIO struct {
	PatBufLen   uint32
	NumPatterns uint32
	Patterns    uintptr
	MatchBufLen uint32
	NumMatches  uint32
	Matches     uintptr
	Offset      uint32
	Generation  uint32
	Status      uint32
	_           uint32
}

func selector(addr pci.Address) pcisel {
	return pcisel{Domain: addr.Domain, Bus: addr.Bus, Dev: addr.Slot, Func: addr.Function}
}

func ioctl(fd uintptr, request uint64, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) error {
	for {
		err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

type control struct {
	f *os.File
}

func openControl(path string) (*control, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		// Enumeration and config reads only need read access.
		f, err = os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, err
		}
	}
	return &control{f: f}, nil
}

// ListDevices pages through the kernel's device list, starting over if the
// list changes underneath.
func (c *control) ListDevices() ([]Entry, error) {
	for {
		entries, changed, err := c.listDevices()
		if err != nil || !changed {
			return entries, err
		}
	}
}

func (c *control) listDevices() (entries []Entry, changed bool, err error) {
	buf := make([]pciConf, confBatch)
	req := pciConfIO{
		MatchBufLen: uint32(len(buf)) * uint32(unsafe.Sizeof(buf[0])),
		Matches:     uintptr(unsafe.Pointer(&buf[0])),
	}

	for {
		err := ioctlWithRetry(c.f.Fd(), pciocGetConf, uintptr(unsafe.Pointer(&req)))
		runtime.KeepAlive(buf)
		if err != nil {
			return nil, false, fmt.Errorf("PCIOCGETCONF: %w", err)
		}

		switch req.Status {
		case getconfListChanged:
			return nil, true, nil
		case getconfError:
			return nil, false, errors.New("PCIOCGETCONF: kernel reported an error")
		}

		for _, pc := range buf[:req.NumMatches] {
			entries = append(entries, Entry{
				Addr: pci.Address{
					Domain:   pc.Sel.Domain,
					Bus:      pc.Sel.Bus,
					Slot:     pc.Sel.Dev,
					Function: pc.Sel.Func,
				},
				Vendor:     pc.Vendor,
				Device:     pc.Device,
				Subvendor:  pc.Subvendor,
				Subdevice:  pc.Subdevice,
				Class:      uint32(pc.Class)<<16 | uint32(pc.Subclass)<<8 | uint32(pc.Progif),
				Revision:   pc.Revid,
				HeaderType: pc.Hdr,
			})
		}

		if req.Status != getconfMoreDevs {
			return entries, false, nil
		}
	}
}

func (c *control) ReadRegister(addr pci.Address, reg uint32, width int) (uint32, error) {
	io := pciIO{Sel: selector(addr), Reg: int32(reg), Width: int32(width)}
	if err := ioctlWithRetry(c.f.Fd(), pciocRead, uintptr(unsafe.Pointer(&io))); err != nil {
		return 0, err
	}
	return io.Data, nil
}

func (c *control) WriteRegister(addr pci.Address, reg uint32, width int, value uint32) error {
	io := pciIO{Sel: selector(addr), Reg: int32(reg), Width: int32(width), Data: value}
	return ioctlWithRetry(c.f.Fd(), pciocWrite, uintptr(unsafe.Pointer(&io)))
}

func (c *control) GetBAR(addr pci.Address, reg uint32) (BAR, error) {
	io := pciBarIO{Sel: selector(addr), Reg: int32(reg)}
	if err := ioctlWithRetry(c.f.Fd(), pciocGetBAR, uintptr(unsafe.Pointer(&io))); err != nil {
		return BAR{}, err
	}
	return BAR{Base: io.Base, Length: io.Length, Enabled: io.Enabled != 0}, nil
}

func (c *control) Close() error {
	return c.f.Close()
}

// Open opens the control node and returns the backend.
func Open(log *slog.Logger) (pci.Backend, error) {
	ctl, err := openControl(ControlPath)
	if err != nil {
		return nil, fmt.Errorf("devpci: open %s: %w: %w", ControlPath, pci.ErrDeviceUnavailable, err)
	}
	return New(ctl, PhysMemory{Path: MemPath}, log), nil
}
