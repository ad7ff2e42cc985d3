// Package notify delivers analysis results and data-quality alerts to an
// outbound channel. Delivery is fire-and-forget: a failed send is logged
// and counted, never propagated into the pipeline.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/telemetry"
)

// Sender delivers one message to the configured channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notifier formats and dispatches pipeline events. Quality alerts are
// deduplicated on status transitions so a stuck-critical window produces
// one alert, not one per tick.
type Notifier struct {
	sender Sender

	mu          sync.Mutex
	lastQuality domain.QualityStatus
}

func New(sender Sender) *Notifier {
	// Starting healthy means a clean boot is silent and the first alert
	// is a genuine degradation.
	return &Notifier{sender: sender, lastQuality: domain.StatusHealthy}
}

// MetricComputed sends the post-analysis summary.
func (n *Notifier) MetricComputed(ctx context.Context, m *persistence.AccumulationMetric) {
	n.deliver(ctx, FormatMetric(m))
}

// QualityChanged sends a data-quality alert when the overall status differs
// from the previously reported one.
func (n *Notifier) QualityChanged(ctx context.Context, status domain.QualityStatus, score float64, topIssue string) {
	n.mu.Lock()
	changed := status != n.lastQuality
	n.lastQuality = status
	n.mu.Unlock()
	if !changed {
		return
	}
	n.deliver(ctx, FormatQualityAlert(status, score, topIssue))
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	if n.sender == nil {
		return
	}
	if err := n.sender.Send(ctx, text); err != nil {
		telemetry.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("notification delivery failed")
		return
	}
	telemetry.NotificationsTotal.WithLabelValues("sent").Inc()
}

func fmtPct(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", *p)
}

// FormatMetric renders the analysis summary message.
func FormatMetric(m *persistence.AccumulationMetric) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Whale accumulation update (%s, %dh lookback)\n", m.Network, m.LookbackHours)
	fmt.Fprintf(&b, "Score: %s native, %s LST-adjusted\n", fmtPct(m.ScoreNativePct), fmtPct(m.ScoreLSTAdjustedPct))
	fmt.Fprintf(&b, "Whales: %d analyzed (%d accumulating, %d distributing, %d neutral)\n",
		m.AnalyzedCount, m.AccumulatorsCount, m.DistributorsCount, m.NeutralCount)
	if m.ConcentrationGini != nil {
		fmt.Fprintf(&b, "Concentration (Gini): %.3f\n", *m.ConcentrationGini)
	}
	if m.LSTMigrationCount > 0 {
		fmt.Fprintf(&b, "LST migrations: %d (rate %.4f)\n", m.LSTMigrationCount, m.StETHRateUsed)
	}
	if len(m.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(m.Tags, ", "))
	}
	fmt.Fprintf(&b, "Interpretation: %s\n", interpret(m))
	fmt.Fprintf(&b, "Data quality: %s (%.1f)", m.DataQualityStatus, m.DataQualityScore)
	return b.String()
}

func interpret(m *persistence.AccumulationMetric) string {
	if m.ScoreNativePct == nil {
		return "insufficient history, no directional read"
	}
	var base string
	switch {
	case *m.ScoreNativePct > 0.2:
		base = "whales are collectively accumulating"
	case *m.ScoreNativePct < -0.2:
		base = "whales are collectively distributing"
	default:
		base = "no clear collective direction"
	}
	if m.IsAnomaly {
		if m.TopAnomalyAddress != nil {
			return base + fmt.Sprintf(", but the move is dominated by %s; treat with caution", *m.TopAnomalyAddress)
		}
		return base + ", but the signal is anomalous; treat with caution"
	}
	return base
}

// FormatQualityAlert renders a data-quality transition message. Critical
// alerts carry the top failing check and a remediation pointer.
func FormatQualityAlert(status domain.QualityStatus, score float64, topIssue string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Data quality is now %s (score %.1f)", status, score)
	if topIssue != "" {
		fmt.Fprintf(&b, "\nTop issue: %s", topIssue)
	}
	if status == domain.StatusCritical {
		b.WriteString("\nAnalysis is suspended until the window recovers. Check RPC health and snapshot job logs.")
	}
	return b.String()
}
