package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/httpapi"
	"github.com/whalepulse/whalepulse/internal/notify"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/scheduler"
)

// fanoutSink forwards pipeline events to every registered sink.
type fanoutSink []scheduler.EventSink

func (f fanoutSink) MetricComputed(ctx context.Context, m *persistence.AccumulationMetric) {
	for _, s := range f {
		s.MetricComputed(ctx, m)
	}
}

func (f fanoutSink) QualityChanged(ctx context.Context, status domain.QualityStatus, score float64, topIssue string) {
	for _, s := range f {
		s.QualityChanged(ctx, status, score, topIssue)
	}
}

func serveCmd(ctx context.Context, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline: scheduler plus the HTTP surface",
		RunE: func(*cobra.Command, []string) error {
			app, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()

			api := httpapi.NewServer(app.repos, app.validator, app.cfg.Network)
			sinks := fanoutSink{api}
			if app.cfg.Notify.Enabled {
				sender := notify.NewTelegramSender(
					app.cfg.Notify.TelegramBotToken,
					app.cfg.Notify.TelegramChatID,
					app.cfg.NotifyTimeout(),
				)
				sinks = append(sinks, notify.New(sender))
				log.Info().Msg("telegram notifications enabled")
			}

			sched := scheduler.New(
				app.snapJob, app.calc, app.validator, sinks,
				app.cfg.SnapshotInterval(), app.cfg.AnalysisInterval(),
				app.cfg.Quality.ReportDir,
			)

			srv := &http.Server{
				Addr:              app.cfg.HTTP.ListenAddr,
				Handler:           api,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server failed")
				}
			}()

			sched.Start(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown incomplete")
			}
			return nil
		},
	}
}
