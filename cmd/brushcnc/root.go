package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/botross/brushcnc/internal/config"
	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/hw/gpio"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/botross/brushcnc/internal/logic/motion"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	debugLevel int // -1 = use config
	backend    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "brushcnc",
		Short: "Three-axis stepper controller for the brush CNC",
		Long: `brushcnc drives the X, Y (two motors in lockstep) and Z axes of the
brush CNC through four-coil unipolar steppers on Raspberry Pi GPIO.

Examples:
  # Home every axis against its limit switch
  brushcnc home

  # Move X 200 steps forward at 100 Hz
  brushcnc move --axis x --freq 100 --steps 200

  # Serve the control panel on port 8080
  brushcnc serve --port 8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", filepath.Join("configs", "default.yaml"), "path to config file")
	root.PersistentFlags().IntVar(&opts.debugLevel, "debug", -1, "override debug level 0-4")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "", "override GPIO backend (mock, rpio, gpiocdev)")

	root.AddCommand(
		newHomeCmd(opts),
		newMoveCmd(opts),
		newSpinCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// validateFlags checks global flag overrides. Unset values are ignored.
func validateFlags(opts *globalOptions) error {
	if opts.debugLevel != -1 && (opts.debugLevel < 0 || opts.debugLevel > 4) {
		return fmt.Errorf("--debug must be between 0 and 4, got %d", opts.debugLevel)
	}
	switch opts.backend {
	case "", gpio.BackendMock, gpio.BackendRPi, gpio.BackendGPIOCdev:
	default:
		return fmt.Errorf("--backend must be mock, rpio or gpiocdev, got %q", opts.backend)
	}
	return nil
}

// applyOverrides mutates cfg with the flag overrides that were set.
func applyOverrides(cfg *config.Config, opts *globalOptions) {
	if opts.debugLevel >= 0 {
		cfg.Defaults.DebugLevel = opts.debugLevel
	}
	if opts.backend != "" {
		cfg.Defaults.GPIOBackend = opts.backend
	}
}

// machine is the hardware opened for one command.
type machine struct {
	cfg  *config.Config
	gpio gpio.Driver
	ctrl *motion.Controller
}

// openMachine loads the config and builds the controller on the selected
// GPIO backend. Debug output goes to logOut.
func openMachine(opts *globalOptions, logOut io.Writer, homeOpts homing.Options) (*machine, error) {
	if err := validateFlags(opts); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, opts)

	debug.SetOutput(logOut)
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", opts.configPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO backend", cfg.Defaults.GPIOBackend)

	debug.Step(1, "Initializing GPIO driver")
	drv, err := gpio.NewDriver(cfg.Defaults.GPIOBackend, cfg.Defaults.GPIOChip)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(2, "Initializing axes")
	ctrl, err := motion.Build(drv, cfg, homeOpts)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("build machine: %w", err), drv.Close())
	}
	return &machine{cfg: cfg, gpio: drv, ctrl: ctrl}, nil
}

// Close de-energizes every coil and releases the GPIO backend.
func (m *machine) Close() error {
	return multierr.Append(m.ctrl.Release(), m.gpio.Close())
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printPositions writes one "axis: position" line per axis.
func printPositions(w io.Writer, st motion.Status) {
	for _, a := range st.Axes {
		if a.PositionMM != 0 {
			fmt.Fprintf(w, "%s: %d (%.3f mm)\n", a.Name, a.Position, a.PositionMM)
			continue
		}
		fmt.Fprintf(w, "%s: %d\n", a.Name, a.Position)
	}
}
