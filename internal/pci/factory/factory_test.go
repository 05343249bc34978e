package factory

import (
	"errors"
	"testing"

	"github.com/tinyrange/pciaccess/internal/pci"
)

func TestCandidatesDefaultOrder(t *testing.T) {
	candidates, err := Candidates(Options{})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 2 || candidates[0].Name != "sysfs" || candidates[1].Name != "devpci" {
		t.Fatalf("unexpected default order %+v", candidates)
	}
}

func TestCandidatesOverride(t *testing.T) {
	candidates, err := Candidates(Options{Backends: []string{"devpci"}})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "devpci" {
		t.Fatalf("override not honoured: %+v", candidates)
	}

	if _, err := Candidates(Options{Backends: []string{"devpci", "vfio"}}); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestOpenWithoutHardware(t *testing.T) {
	_, err := Open(Options{Backends: []string{"sysfs"}, SysfsMount: t.TempDir()})
	if !errors.Is(err, pci.ErrNoBackendAvailable) {
		t.Fatalf("expected ErrNoBackendAvailable, got %v", err)
	}
}
