package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/whalepulse/whalepulse/internal/analysis"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/notify"
)

func analyzeCmd(ctx context.Context, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run one gated accumulation analysis and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.validator.Validate(ctx)
			if err != nil {
				return fmt.Errorf("quality validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "data quality: %s (score %.1f, %d warnings)\n",
				colorStatus(report.OverallStatus), report.OverallScore, report.WarningsCount())

			if report.OverallStatus == domain.StatusCritical {
				color.New(color.FgRed).Fprintln(out, "analysis blocked: "+report.TopIssue())
				return analysis.ErrQualityCritical
			}

			metric, err := app.calc.Run(ctx, analysis.QualityGate{
				Status:        report.OverallStatus,
				Score:         report.OverallScore,
				WarningsCount: report.WarningsCount(),
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, notify.FormatMetric(metric))
			return nil
		},
	}
}

func colorStatus(s domain.QualityStatus) string {
	switch s {
	case domain.StatusHealthy:
		return color.GreenString(string(s))
	case domain.StatusDegraded:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
