// Package telemetry exposes the pipeline's Prometheus collectors. All
// collectors are registered on the default registry and served by the
// operational HTTP surface at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SnapshotRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whalepulse_snapshot_runs_total",
		Help: "Snapshot job executions by outcome.",
	}, []string{"outcome"})

	SnapshotRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whalepulse_snapshot_rows_written_total",
		Help: "Balance snapshot rows committed.",
	})

	SnapshotSkippedReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whalepulse_snapshot_skipped_reads_total",
		Help: "Whale entries skipped because their balance read failed.",
	})

	AnalysisRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whalepulse_analysis_runs_total",
		Help: "Analysis ticks by outcome (completed, gated, failed).",
	}, []string{"outcome"})

	QualityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whalepulse_data_quality_score",
		Help: "Latest data quality score in [0,100].",
	})

	QualityStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whalepulse_data_quality_status",
		Help: "Latest data quality status (1 for the active status).",
	}, []string{"status"})

	AccumulationScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whalepulse_accumulation_score_pct",
		Help: "Latest accumulation scores by kind (native, lst_adjusted).",
	}, []string{"kind"})

	MulticallChunkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whalepulse_multicall_chunk_failures_total",
		Help: "Multicall chunks whose aggregate call failed.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whalepulse_notifications_total",
		Help: "Outbound notifications by outcome.",
	}, []string{"outcome"})
)

// SetQualityStatus flips the status gauge so exactly one label is 1.
func SetQualityStatus(status string) {
	for _, s := range []string{"healthy", "degraded", "critical"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		QualityStatus.WithLabelValues(s).Set(v)
	}
}
