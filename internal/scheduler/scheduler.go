// Package scheduler drives the pipeline cadence: hourly balance snapshots
// and periodic gated analysis ticks. Each job key runs at most once at a
// time; a tick that finds its job still running is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/analysis"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/quality"
	"github.com/whalepulse/whalepulse/internal/telemetry"
)

// ErrJobBusy is returned when a tick overlaps a still-running job.
var ErrJobBusy = errors.New("previous run still in progress")

// SnapshotRunner executes one balance snapshot.
type SnapshotRunner interface {
	Run(ctx context.Context) (int, error)
}

// AnalysisRunner executes one gated accumulation analysis.
type AnalysisRunner interface {
	Run(ctx context.Context, gate analysis.QualityGate) (*persistence.AccumulationMetric, error)
}

// QualityChecker produces the data quality verdict for the trailing window.
type QualityChecker interface {
	Validate(ctx context.Context) (*quality.Report, error)
}

// EventSink receives pipeline outcomes for outbound delivery.
type EventSink interface {
	MetricComputed(ctx context.Context, m *persistence.AccumulationMetric)
	QualityChanged(ctx context.Context, status domain.QualityStatus, score float64, topIssue string)
}

// Scheduler owns the tickers and the single-flight guards.
type Scheduler struct {
	snapshots SnapshotRunner
	analysis  AnalysisRunner
	validator QualityChecker
	events    EventSink // nil disables notifications

	snapshotEvery time.Duration
	analysisEvery time.Duration
	reportDir     string

	snapshotBusy atomic.Bool
	analysisBusy atomic.Bool
}

func New(snapshots SnapshotRunner, analyzer AnalysisRunner, validator QualityChecker, events EventSink, snapshotEvery, analysisEvery time.Duration, reportDir string) *Scheduler {
	return &Scheduler{
		snapshots:     snapshots,
		analysis:      analyzer,
		validator:     validator,
		events:        events,
		snapshotEvery: snapshotEvery,
		analysisEvery: analysisEvery,
		reportDir:     reportDir,
	}
}

// Start blocks until ctx is cancelled. One snapshot runs immediately so a
// fresh deployment has data before the first scheduled tick; its failure is
// logged but does not prevent the tickers from starting.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("snapshot_every", s.snapshotEvery).
		Dur("analysis_every", s.analysisEvery).
		Msg("scheduler started")

	if err := s.RunSnapshotOnce(ctx); err != nil {
		log.Error().Err(err).Msg("startup snapshot failed")
	}

	snapTicker := time.NewTicker(s.snapshotEvery)
	defer snapTicker.Stop()
	analysisTicker := time.NewTicker(s.analysisEvery)
	defer analysisTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-snapTicker.C:
			go func() {
				if err := s.RunSnapshotOnce(ctx); err != nil && !errors.Is(err, ErrJobBusy) {
					log.Error().Err(err).Msg("scheduled snapshot failed")
				}
			}()
		case <-analysisTicker.C:
			go func() {
				err := s.RunAnalysisOnce(ctx)
				if err != nil && !errors.Is(err, ErrJobBusy) && !errors.Is(err, analysis.ErrQualityCritical) {
					log.Error().Err(err).Msg("scheduled analysis failed")
				}
			}()
		}
	}
}

// RunSnapshotOnce executes a single snapshot tick.
func (s *Scheduler) RunSnapshotOnce(ctx context.Context) error {
	if !s.snapshotBusy.CompareAndSwap(false, true) {
		log.Warn().Msg("snapshot tick skipped, previous run still in progress")
		return ErrJobBusy
	}
	defer s.snapshotBusy.Store(false)

	runID := uuid.NewString()
	started := time.Now()
	written, err := s.snapshots.Run(ctx)
	if err != nil {
		return fmt.Errorf("snapshot run %s failed: %w", runID, err)
	}
	log.Info().
		Str("run_id", runID).
		Int("written", written).
		Dur("took", time.Since(started)).
		Msg("snapshot run finished")
	return nil
}

// RunAnalysisOnce validates the trailing window and, unless the verdict is
// critical, executes one analysis. The quality report is always published
// (telemetry, notifications, optional JSON dump) even when analysis is
// blocked.
func (s *Scheduler) RunAnalysisOnce(ctx context.Context) error {
	if !s.analysisBusy.CompareAndSwap(false, true) {
		log.Warn().Msg("analysis tick skipped, previous run still in progress")
		return ErrJobBusy
	}
	defer s.analysisBusy.Store(false)

	runID := uuid.NewString()
	started := time.Now()

	report, err := s.validator.Validate(ctx)
	if err != nil {
		telemetry.AnalysisRunsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("analysis run %s: quality validation failed: %w", runID, err)
	}
	s.publishReport(ctx, report)

	if report.OverallStatus == domain.StatusCritical {
		telemetry.AnalysisRunsTotal.WithLabelValues("gated").Inc()
		log.Warn().
			Str("run_id", runID).
			Float64("score", report.OverallScore).
			Str("top_issue", report.TopIssue()).
			Msg("analysis blocked by critical data quality")
		return analysis.ErrQualityCritical
	}

	gate := analysis.QualityGate{
		Status:        report.OverallStatus,
		Score:         report.OverallScore,
		WarningsCount: report.WarningsCount(),
	}
	metric, err := s.analysis.Run(ctx, gate)
	if err != nil {
		telemetry.AnalysisRunsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("analysis run %s failed: %w", runID, err)
	}

	telemetry.AnalysisRunsTotal.WithLabelValues("completed").Inc()
	if s.events != nil {
		s.events.MetricComputed(ctx, metric)
	}
	log.Info().
		Str("run_id", runID).
		Int64("metric_id", metric.ID).
		Dur("took", time.Since(started)).
		Msg("analysis run finished")
	return nil
}

func (s *Scheduler) publishReport(ctx context.Context, report *quality.Report) {
	telemetry.QualityScore.Set(report.OverallScore)
	telemetry.SetQualityStatus(string(report.OverallStatus))

	if s.events != nil {
		s.events.QualityChanged(ctx, report.OverallStatus, report.OverallScore, report.TopIssue())
	}
	if s.reportDir != "" {
		if err := report.DumpJSON(s.reportDir); err != nil {
			log.Error().Err(err).Msg("failed to dump quality report")
		}
	}
}
