// Package pcictl implements the pcictl command line tool.
package pcictl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinyrange/pciaccess/internal/config"
	"github.com/tinyrange/pciaccess/internal/debug"
	"github.com/tinyrange/pciaccess/internal/pci"
	"github.com/tinyrange/pciaccess/internal/pci/factory"
	"github.com/tinyrange/pciaccess/internal/tracing"
	"github.com/tinyrange/pciaccess/internal/vgaarb"
)

const envPrefix = "PCIACCESS"

// app holds the state shared by every subcommand of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	out io.Writer
	err io.Writer
	log *slog.Logger

	debugLog *debug.Log
	traces   *tracing.Provider

	// Overridable for tests.
	openSystem  func(opts factory.Options, sysOpts ...pci.Option) (*pci.System, error)
	arbiterOpts []vgaarb.Option
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		v:          viper.New(),
		out:        out,
		err:        errOut,
		openSystem: factory.Open,
	}
}

// Execute runs pcictl with os.Args.
func Execute() error {
	return newApp(os.Stdout, os.Stderr).run(context.Background(), os.Args[1:])
}

func (a *app) run(ctx context.Context, args []string) error {
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown(ctx))
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pcictl",
		Short:         "Inspect PCI devices and drive the VGA arbiter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.err)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default: "+config.Filename+" if present)")
	flags.String("arbiter-device", "", "VGA arbiter node")
	flags.StringSlice("backend", nil, "backend priority order (sysfs, devpci)")
	flags.String("debug-file", "", "write a binary transcript of backend and arbiter traffic")
	flags.CountP("verbose", "v", "increase log verbosity")

	for _, name := range []string{"arbiter-device", "backend", "debug-file", "verbose"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.listCommand(),
		a.readCommand(),
		a.capsCommand(),
		a.romCommand(),
		a.vgaCommand(),
		a.traceCommand(),
		a.configCommand(),
	)
	return root
}

func (a *app) setup() error {
	level := slog.LevelWarn
	switch v := a.v.GetInt("verbose"); {
	case v >= 2:
		level = slog.LevelDebug
	case v == 1:
		level = slog.LevelInfo
	}
	a.log = slog.New(slog.NewTextHandler(a.err, &slog.HandlerOptions{Level: level}))

	path := a.cfgFile
	if path == "" {
		path = config.Filename
	}
	var err error
	if a.cfgFile != "" {
		a.cfg, err = config.Load(path)
	} else {
		a.cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return err
	}

	if s := a.v.GetString("arbiter-device"); s != "" {
		a.cfg.ArbiterDevice = s
	}
	if b := a.v.GetStringSlice("backend"); len(b) > 0 {
		a.cfg.Backends = b
	}
	if s := a.v.GetString("debug-file"); s != "" {
		a.cfg.DebugFile = s
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	if a.cfg.DebugFile != "" {
		a.debugLog, err = debug.OpenFile(a.cfg.DebugFile)
		if err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
	}

	a.traces, err = tracing.NewProvider(a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.traces != nil {
		errs = append(errs, a.traces.Shutdown(ctx))
	}
	if a.debugLog != nil {
		errs = append(errs, a.debugLog.Close())
	}
	return errors.Join(errs...)
}

func (a *app) system() (*pci.System, error) {
	return a.openSystem(factory.Options{
		Backends:   a.cfg.Backends,
		SysfsMount: a.cfg.SysfsMount,
		Logger:     a.log,
	}, pci.WithLogger(a.log), pci.WithDebug(a.debugLog))
}

func (a *app) arbiter(ctx context.Context, sys *pci.System) (*vgaarb.Client, error) {
	opts := []vgaarb.Option{
		vgaarb.WithDevicePath(a.cfg.ArbiterDevice),
		vgaarb.WithLogger(a.log),
		vgaarb.WithDebug(a.debugLog),
		vgaarb.WithTracerProvider(a.traces.TracerProvider()),
	}
	return vgaarb.Open(ctx, sys, append(opts, a.arbiterOpts...)...)
}

// lookup resolves a DDDD:BB:SS.F argument against the registry.
func lookup(sys *pci.System, arg string) (*pci.Device, error) {
	addr, err := pci.ParseAddress(arg)
	if err != nil {
		return nil, err
	}
	dev := sys.FindSlot(addr)
	if dev == nil {
		return nil, fmt.Errorf("no device at %s", addr)
	}
	return dev, nil
}
