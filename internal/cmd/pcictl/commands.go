package pcictl

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/pciaccess/internal/config"
	"github.com/tinyrange/pciaccess/internal/debug"
	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/vgaarb"
)

func (a *app) listCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "list [pattern]",
		Short: "List devices whose identity matches a POSIX regular expression",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system()
			if err != nil {
				return err
			}
			defer sys.Close()

			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			it, err := sys.Iterate(pattern)
			if err != nil {
				return err
			}
			defer it.Close()

			for it.Next() {
				dev := it.Device()
				id, err := sys.Identity(dev)
				if err != nil {
					return err
				}
				if long {
					fmt.Fprintln(a.out, id)
					continue
				}
				fmt.Fprintf(a.out, "%s %04x:%04x class %06x\n", dev.Address, dev.VendorID, dev.DeviceID, dev.Class)
			}
			return it.Err()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "print full identity strings")
	return cmd
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}

func (a *app) readCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <address> <offset> <size>",
		Short: "Hex dump a range of configuration space",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := parseUint(args[1], 16)
			if err != nil {
				return err
			}
			size, err := parseUint(args[2], 16)
			if err != nil {
				return err
			}

			sys, err := a.system()
			if err != nil {
				return err
			}
			defer sys.Close()

			dev, err := lookup(sys, args[0])
			if err != nil {
				return err
			}
			buf := make([]byte, size)
			n, err := sys.ReadConfig(dev, buf, off)
			if n > 0 {
				fmt.Fprint(a.out, hex.Dump(buf[:n]))
			}
			if err != nil {
				return fmt.Errorf("read stopped after %d of %d bytes: %w", n, size, err)
			}
			return nil
		},
	}
}

func (a *app) capsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caps <address>",
		Short: "Show a device's regions and capability lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system()
			if err != nil {
				return err
			}
			defer sys.Close()

			dev, err := lookup(sys, args[0])
			if err != nil {
				return err
			}
			if err := sys.Probe(dev); err != nil {
				return err
			}
			if err := sys.FillCapabilities(dev); err != nil {
				return err
			}

			for i := range dev.Regions {
				r := &dev.Regions[i]
				if r.Size == 0 {
					continue
				}
				kind := "mem"
				if r.IsIO() {
					kind = "io"
				}
				fmt.Fprintf(a.out, "region %d: %s %#x size %#x", i, kind, r.Base, r.Size)
				if r.Is64Bit() {
					fmt.Fprint(a.out, " 64-bit")
				}
				if r.IsPrefetchable() {
					fmt.Fprint(a.out, " prefetchable")
				}
				fmt.Fprintln(a.out)
			}
			if dev.ROMSize != 0 {
				fmt.Fprintf(a.out, "rom: size %#x\n", dev.ROMSize)
			}
			for _, c := range dev.Capabilities {
				fmt.Fprintf(a.out, "cap 0x%02x @ 0x%03x %s\n", c.ID, c.Offset, pci.CapabilityName(c.ID))
			}
			for _, c := range dev.ExtendedCapabilities {
				fmt.Fprintf(a.out, "ecap 0x%04x v%d @ 0x%03x %s\n", c.ID, c.Version, c.Offset, pci.ExtendedCapabilityName(c.ID))
			}
			return nil
		},
	}
}

func (a *app) romCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "rom <address>",
		Short: "Dump a device's expansion ROM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := a.system()
			if err != nil {
				return err
			}
			defer sys.Close()

			dev, err := lookup(sys, args[0])
			if err != nil {
				return err
			}
			rom, err := sys.ReadROM(dev)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			defer f.Close()

			var w io.Writer = f
			if term.IsTerminal(int(os.Stderr.Fd())) {
				bar := progressbar.DefaultBytes(int64(len(rom)), "rom "+dev.Address.String())
				defer bar.Close()
				w = io.MultiWriter(f, bar)
			}
			if _, err := w.Write(rom); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", output, err)
			}
			a.log.Info("rom written", "device", dev.Address, "size", len(rom), "path", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "rom.bin", "output file")
	return cmd
}

func (a *app) vgaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vga",
		Short: "Talk to the VGA arbiter",
	}

	// withTarget opens the arbiter, targets the device named by args[0] and
	// runs fn.
	withTarget := func(run func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, st vgaarb.Status, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			sys, err := a.system()
			if err != nil {
				return err
			}
			defer sys.Close()

			dev, err := lookup(sys, args[0])
			if err != nil {
				return err
			}
			c, err := a.arbiter(cmd.Context(), sys)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.SetTarget(cmd.Context(), dev)
			if err != nil {
				return err
			}
			return run(cmd, c, dev, st, args[1:])
		}
	}

	status := &cobra.Command{
		Use:   "status <address>",
		Short: "Print the arbiter state of a device",
		Args:  cobra.ExactArgs(1),
		RunE: withTarget(func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, st vgaarb.Status, _ []string) error {
			fmt.Fprintf(a.out, "count: %d\n", c.Count())
			if def := c.DefaultDevice(); def != nil {
				fmt.Fprintf(a.out, "default: %s\n", def.Address)
			}
			fmt.Fprintf(a.out, "%s decodes=%s owns=%s locks=%s\n", dev.Address, st.Decodes, st.Owns, st.Locks)
			return nil
		}),
	}

	lock := &cobra.Command{
		Use:   "lock <address>",
		Short: "Block until the device's legacy resources are granted, then release them",
		Args:  cobra.ExactArgs(1),
		RunE: withTarget(func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, _ vgaarb.Status, _ []string) error {
			if err := c.Lock(cmd.Context(), dev); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "locked %s\n", dev.Address)
			return c.Unlock(cmd.Context(), dev)
		}),
	}

	trylock := &cobra.Command{
		Use:   "trylock <address>",
		Short: "Report whether the device's legacy resources are free",
		Args:  cobra.ExactArgs(1),
		RunE: withTarget(func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, _ vgaarb.Status, _ []string) error {
			ok, err := c.TryLock(cmd.Context(), dev)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(a.out, "%s busy\n", dev.Address)
				return nil
			}
			fmt.Fprintf(a.out, "%s acquired\n", dev.Address)
			return c.Unlock(cmd.Context(), dev)
		}),
	}

	unlock := &cobra.Command{
		Use:   "unlock <address>",
		Short: "Release the device's legacy resources",
		Args:  cobra.ExactArgs(1),
		RunE: withTarget(func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, _ vgaarb.Status, _ []string) error {
			return c.Unlock(cmd.Context(), dev)
		}),
	}

	decodes := &cobra.Command{
		Use:   "decodes <address> <none|io|mem|io+mem>",
		Short: "Tell the arbiter which legacy resources a device decodes",
		Args:  cobra.ExactArgs(2),
		RunE: withTarget(func(cmd *cobra.Command, c *vgaarb.Client, dev *pci.Device, _ vgaarb.Status, args []string) error {
			r, err := vgaarb.ParseResource(args[0])
			if err != nil {
				return err
			}
			return c.SetDecodes(cmd.Context(), dev, r)
		}),
	}

	cmd.AddCommand(status, lock, trylock, unlock, decodes)
	return cmd
}

func (a *app) traceCommand() *cobra.Command {
	var sources []string
	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Print a debug transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return debug.EachFile(args[0], func(r debug.Record) error {
				_, err := fmt.Fprintf(a.out, "%s [%s] %s %s\n", r.Time.Format(time.RFC3339Nano), r.Source, r.Kind, formatPayload(r))
				return err
			}, sources...)
		},
	}
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "only show records from these sources")
	return cmd
}

// formatPayload quotes text records and hex encodes the rest.
func formatPayload(r debug.Record) string {
	if r.Kind == debug.KindNote {
		return string(r.Data)
	}
	for _, b := range r.Data {
		if b < 0x20 || b > 0x7e {
			return hex.EncodeToString(r.Data)
		}
	}
	return strconv.Quote(string(r.Data))
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the effective configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Filename
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Write(path, a.cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
