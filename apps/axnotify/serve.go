package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/axnotify/internal/config"
	"github.com/nkkko/axnotify/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type serveArgs struct {
	configPath      string
	addr            string
	demo            bool
	shutdownTimeout time.Duration
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	args := &serveArgs{
		shutdownTimeout: 10 * time.Second,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification center with its HTTP API and event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(args.configPath, args.addr, opts.logLevel)
			if err != nil {
				return err
			}
			if args.demo {
				cfg.Platform.Demo.Enabled = true
			}
			return runServe(cmd.Context(), cfg, args.shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&args.configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&args.addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&args.demo, "demo", false, "seed demo applications and generate synthetic events")
	cmd.Flags().DurationVar(&args.shutdownTimeout, "shutdown-timeout", args.shutdownTimeout, "grace period for shutdown")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}

	runErr := e.Start(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Engine stopped with error")
	} else {
		log.Info().Msg("Caught signal, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
