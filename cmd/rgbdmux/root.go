package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information
const version = "v0.1.0"

const defaultConfigPath = "config/rgbdmux.yaml"

type rootOptions struct {
	Debug bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rgbdmux",
		Short: "RGB-D synchronizing multiplexer",
		Long: `rgbdmux merges the elementary streams of an RGB-D camera (depth, infra,
color, metadata) into synchronised framesets and publishes them over MQTT
and websocket.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.Debug)
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rgbdmux %s\n", version)
		},
	})
	return cmd
}

func setupLogging(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}
