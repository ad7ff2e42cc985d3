package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func Execute(ctx context.Context) error {
	var (
		cfgPath string
		debug   bool
	)

	root := &cobra.Command{
		Use:   "whalepulse",
		Short: "Whale accumulation tracking pipeline",
		PersistentPreRun: func(*cobra.Command, []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config/whalepulse.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		snapshotCmd(ctx, &cfgPath),
		analyzeCmd(ctx, &cfgPath),
		validateCmd(ctx, &cfgPath),
		serveCmd(ctx, &cfgPath),
		versionCmd(),
	)
	return root.ExecuteContext(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "whalepulse %s\n", version)
		},
	}
}
