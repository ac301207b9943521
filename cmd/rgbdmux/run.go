package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/config"
	"github.com/e7canasta/orion-rgbd/service"
)

type runOptions struct {
	ConfigPath string
	Synthetic  bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the multiplexer daemon",
		Example: `  rgbdmux run --config config/rgbdmux.yaml
  rgbdmux run --config config/rgbdmux.yaml --synthetic --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.ConfigPath, "config", defaultConfigPath, "Path to configuration file")
	flags.BoolVar(&opts.Synthetic, "synthetic", false, "Replace every source with a synthetic producer")
	return cmd
}

func runDaemon(parent context.Context, opts *runOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Synthetic {
		forceSynthetic(cfg)
	}

	slog.Info("starting rgbdmux service",
		"config", opts.ConfigPath,
		"instance_id", cfg.InstanceID,
		"channels", len(cfg.Channels),
		"synthetic", opts.Synthetic,
	)

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := svc.Run(ctx)
	switch {
	case errors.Is(runErr, rgbdmux.ErrMuxerStopped):
		slog.Error("muxer stopped unexpectedly", "error", runErr)
	case runErr != nil:
		slog.Error("service error", "error", runErr)
	case ctx.Err() != nil:
		slog.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownTimeout())
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return runErr
}

// forceSynthetic swaps every source for a synthetic producer, keeping
// descriptors so negotiation is unchanged.
func forceSynthetic(cfg *config.Config) {
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Source == config.SourceSynthetic {
			continue
		}
		ch.Source = config.SourceSynthetic
		ch.Pipeline = ""
		if ch.FrameBytes <= 0 {
			ch.FrameBytes = 1024
		}
	}
}
