package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func snapshotCmd(ctx context.Context, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Run one balance snapshot and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()

			written, err := app.snapJob.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot committed: %d rows\n", written)
			return nil
		},
	}
}
