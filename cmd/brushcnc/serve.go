package main

import (
	"fmt"
	"io"

	"github.com/botross/brushcnc/internal/debug"
	"github.com/botross/brushcnc/internal/logic/homing"
	"github.com/botross/brushcnc/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control panel and status streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if port < 0 || port > 65535 {
				return fmt.Errorf("--port must be 1-65535, got %d", port)
			}
			broadcaster := web.NewStatusBroadcaster()
			logOut := io.MultiWriter(cmd.ErrOrStderr(), web.BroadcastWriter(broadcaster))

			m, err := openMachine(opts, logOut, homing.Options{})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, m.Close()) }()

			if port == 0 {
				port = m.cfg.Web.Port
			}
			srv, err := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, m.ctrl)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()
			debug.Section("Serving")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (0 = web.port from config)")
	return cmd
}
