package main

import (
	"fmt"
	"math"

	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type moveOptions struct {
	axis     string
	freq     float64
	steps    float64
	absolute bool
	mm       bool
}

func (o *moveOptions) validate() error {
	if o.axis == "" {
		return fmt.Errorf("--axis is required")
	}
	if o.mm && o.absolute {
		return fmt.Errorf("--absolute takes a step position, not --mm")
	}
	if !o.mm && o.steps != math.Trunc(o.steps) {
		return fmt.Errorf("--steps must be a whole number without --mm, got %g", o.steps)
	}
	return nil
}

func newMoveCmd(opts *globalOptions) *cobra.Command {
	mo := &moveOptions{}
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move one axis and wait for it to arrive",
		Long: `Moves one axis by --steps steps at --freq steps per second.
With --absolute, --steps is a position relative to home.
With --mm, --steps is a distance in mm and --freq a feed rate in mm/s.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if err := mo.validate(); err != nil {
				return err
			}
			m, err := openMachine(opts, cmd.ErrOrStderr(), homing.Options{})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Close()) }()

			switch {
			case mo.mm:
				err = m.ctrl.MoveMM(mo.axis, mo.freq, mo.steps)
			case mo.absolute:
				err = m.ctrl.MoveTo(mo.axis, mo.freq, int(mo.steps))
			default:
				err = m.ctrl.Move(mo.axis, mo.freq, int(mo.steps))
			}
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			if err := m.ctrl.Wait(ctx); err != nil {
				m.ctrl.Stop()
				return err
			}
			printPositions(cmd.OutOrStdout(), m.ctrl.Status())
			return nil
		},
	}
	cmd.Flags().StringVarP(&mo.axis, "axis", "a", "", "axis to move (x, y, z)")
	cmd.Flags().Float64VarP(&mo.freq, "freq", "f", 100, "step frequency in Hz (mm/s with --mm)")
	cmd.Flags().Float64VarP(&mo.steps, "steps", "s", 0, "steps to move (mm with --mm)")
	cmd.Flags().BoolVar(&mo.absolute, "absolute", false, "treat --steps as an absolute position")
	cmd.Flags().BoolVar(&mo.mm, "mm", false, "use millimetres instead of steps")
	return cmd
}
