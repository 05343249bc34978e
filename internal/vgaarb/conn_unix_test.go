//go:build unix

package vgaarb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pciaccess/internal/pci"
	"golang.org/x/sys/unix"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		in      error
		busy    bool
		wantNil bool
		errno   unix.Errno
	}{
		{in: unix.EBUSY, busy: true, errno: unix.EBUSY},
		{in: unix.EIO, errno: unix.EIO},
		{in: nil, wantNil: true},
	}
	for _, tt := range tests {
		err := writeError(tt.in)
		if tt.wantNil {
			if err != nil {
				t.Fatalf("writeError(nil) = %v", err)
			}
			continue
		}
		if got := errors.Is(err, pci.ErrBusy); got != tt.busy {
			t.Fatalf("writeError(%v): errors.Is(ErrBusy) = %v, want %v", tt.in, got, tt.busy)
		}
		if !errors.Is(err, tt.errno) {
			t.Fatalf("writeError(%v) = %v, lost the errno", tt.in, err)
		}
	}
}

func TestFdConnWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	conn, err := openConn(path)
	if err != nil {
		t.Fatalf("openConn: %v", err)
	}
	defer conn.Close()

	n, err := conn.Write([]byte("lock io"))
	if err != nil || n != 7 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "lock io" {
		t.Fatalf("node contains %q", got)
	}
}
