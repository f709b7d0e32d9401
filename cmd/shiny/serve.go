package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/shiny/internal/config"
	"github.com/vango-dev/shiny/internal/demo"
	"github.com/vango-dev/shiny/internal/errors"
	"github.com/vango-dev/shiny/pkg/server"
)

type serveOptions struct {
	configPath string
	addr       string
	debug      bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo application",
		Long: `Serve the demo application until interrupted.

Configuration is read from the file given with --config, then from
SHINY_* environment variables. Flags override both.

Examples:
  shiny serve
  shiny serve --addr=:3000
  shiny serve --config=shiny.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, cfg, err := newServer(cmd, opts)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Address)
			if err != nil {
				return errors.New("S300").WithDetail("listen " + cfg.Address + ":").Wrap(err)
			}
			return runServer(ctx, cmd, srv, ln)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "", "Address to listen on (default from config)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	return cmd
}

// newServer loads the configuration, applies flags and registers the demo
// application.
func newServer(cmd *cobra.Command, opts serveOptions) (*server.Server, *config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.addr != "" {
		cfg.Address = opts.addr
	}
	if opts.debug {
		cfg.Debug = true
	}

	logger := cfg.Logger(cmd.ErrOrStderr())
	srv := server.New(cfg.ServerConfig(logger))
	demo.Register(srv)
	return srv, cfg, nil
}

func runServer(ctx context.Context, cmd *cobra.Command, srv *server.Server, ln net.Listener) error {
	out := cmd.OutOrStdout()
	success(out, "Serving on http://%s", ln.Addr())
	info(out, "Metrics at http://%s/metrics", ln.Addr())

	if err := srv.Serve(ctx, ln); err != nil {
		return errors.New("S300").Wrap(err)
	}
	return nil
}
