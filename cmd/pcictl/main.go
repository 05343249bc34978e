package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/pciaccess/internal/cmd/pcictl"
)

func main() {
	if err := pcictl.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pcictl: %v\n", err)
		os.Exit(1)
	}
}
