package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-rgbd/config"
	"github.com/e7canasta/orion-rgbd/service"
)

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration and print the negotiated descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			svc, err := service.New(cfg)
			if err != nil {
				return err
			}

			mux := svc.Muxer()
			desc, err := mux.Descriptor()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance:   %s\n", cfg.InstanceID)
			fmt.Fprintf(out, "streams:    %v\n", mux.OrderedNames())
			fmt.Fprintf(out, "descriptor: %s\n", desc.String())
			fmt.Fprintf(out, "settings:   %+v\n", mux.Settings())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	return cmd
}
