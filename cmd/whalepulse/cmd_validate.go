package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// validateCmd runs the data quality checks standalone. The process exit
// code encodes the verdict (0 healthy, 1 degraded, 2 critical) so cron and
// CI can gate on it directly.
func validateCmd(ctx context.Context, cfgPath *string) *cobra.Command {
	var reportDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the data quality checks and exit with the verdict",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}

			report, err := app.validator.Validate(ctx)
			if err != nil {
				app.Close()
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "overall: %s (score %.1f)\n", colorStatus(report.OverallStatus), report.OverallScore)
			for _, check := range report.Checks {
				fmt.Fprintf(out, "  %-22s %s", check.Name, colorStatus(check.Status))
				if len(check.Issues) > 0 {
					fmt.Fprintf(out, "  %s", strings.Join(check.Issues, "; "))
				}
				fmt.Fprintln(out)
			}

			dir := reportDir
			if dir == "" {
				dir = app.cfg.Quality.ReportDir
			}
			if dir != "" {
				if err := report.DumpJSON(dir); err != nil {
					app.Close()
					return err
				}
			}

			app.Close()
			os.Exit(report.OverallStatus.ExitCode())
			return nil
		},
	}
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "dump the JSON report to this directory")
	return cmd
}
