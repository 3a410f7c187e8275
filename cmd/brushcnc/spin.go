package main

import (
	"fmt"
	"math"
	"time"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// spinGoal is far enough that a spin never completes on its own.
const spinGoal = math.MaxInt32

func newSpinCmd(opts *globalOptions) *cobra.Command {
	var (
		axis     string
		freq     float64
		duration time.Duration
		dir      int
	)
	cmd := &cobra.Command{
		Use:   "spin",
		Short: "Run one axis for a fixed time (wiring check)",
		Long: `Runs one axis continuously in one direction for --len, then stops it.
Useful to check coil wiring and direction on the bench.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if dir != 1 && dir != -1 {
				return fmt.Errorf("--dir must be 1 or -1, got %d", dir)
			}
			if duration <= 0 {
				return fmt.Errorf("--len must be positive, got %s", duration)
			}
			m, err := openMachine(opts, cmd.ErrOrStderr(), homing.Options{})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Close()) }()

			debug.Info("Spinning %s at %.1f Hz for %s", axis, freq, duration)
			if err := m.ctrl.Move(axis, freq, dir*spinGoal); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			m.ctrl.Stop()

			printPositions(cmd.OutOrStdout(), m.ctrl.Status())
			return nil
		},
	}
	cmd.Flags().StringVarP(&axis, "axis", "a", "x", "axis to spin (x, y, z)")
	cmd.Flags().Float64VarP(&freq, "freq", "f", 10, "step frequency in Hz")
	cmd.Flags().DurationVar(&duration, "len", 10*time.Second, "how long to spin")
	cmd.Flags().IntVar(&dir, "dir", 1, "direction: 1 forward, -1 reverse")
	return cmd
}
