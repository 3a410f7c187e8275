package main

import (
	"context"
	"fmt"
	"time"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newHomeCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "home",
		Short: "Home every axis against its limit switch",
		Long: `Runs every axis toward its negative limit at half its maximum frequency
and zeroes each one as its switch trips. Without --timeout the pass
waits for every switch; Ctrl-C stops the axes still moving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			out := cmd.OutOrStdout()
			m, err := openMachine(opts, cmd.ErrOrStderr(), homing.Options{
				OnZeroed: func(axis string, iteration int) {
					fmt.Fprintf(out, "%s zeroed at poll %d\n", axis, iteration)
				},
			})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Close()) }()

			ctx, cancel := signalContext(cmd)
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			debug.Section("Homing")
			report, err := m.ctrl.Home(ctx)
			if err != nil {
				return fmt.Errorf("homing: %w", err)
			}
			fmt.Fprintf(out, "homed after %d polls\n", report.Iterations)
			printPositions(out, m.ctrl.Status())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = wait for every switch)")
	return cmd
}
