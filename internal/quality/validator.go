// Package quality implements the circuit-breaker validator that gates the
// accumulation calculator. Five independent checks run over the trailing
// window; any critical check blocks analysis for the tick.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/config"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
)

// CheckResult is one check's verdict.
type CheckResult struct {
	Name   string               `json:"name"`
	Status domain.QualityStatus `json:"status"`
	Score  float64              `json:"score"`
	Issues []string             `json:"issues,omitempty"`
}

// Report is the validator's full output. It is transient; when a report
// directory is configured it is also dumped as JSON for audit.
type Report struct {
	GeneratedAt   time.Time            `json:"generated_at"`
	Network       string               `json:"network"`
	WindowHours   int                  `json:"window_hours"`
	OverallStatus domain.QualityStatus `json:"overall_status"`
	OverallScore  float64              `json:"overall_score"`
	Checks        []CheckResult        `json:"checks"`
}

// WarningsCount is the total number of issues across all checks.
func (r *Report) WarningsCount() int {
	n := 0
	for _, c := range r.Checks {
		n += len(c.Issues)
	}
	return n
}

// TopIssue returns the first issue of the most severe failing check, or ""
// when everything is healthy.
func (r *Report) TopIssue() string {
	var top *CheckResult
	for i := range r.Checks {
		c := &r.Checks[i]
		if len(c.Issues) == 0 {
			continue
		}
		if top == nil || c.Status.Worst(top.Status) == c.Status && c.Status != top.Status {
			top = c
		}
	}
	if top == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", top.Name, top.Issues[0])
}

func statusScore(s domain.QualityStatus) float64 {
	switch s {
	case domain.StatusHealthy:
		return 100
	case domain.StatusDegraded:
		return 60
	default:
		return 20
	}
}

// Validator runs the five data quality checks.
type Validator struct {
	cfg       config.QualityConfig
	snapshots persistence.SnapshotRepo
	metrics   persistence.MetricsRepo
	network   string
	now       func() time.Time
}

func NewValidator(cfg config.QualityConfig, snapshots persistence.SnapshotRepo, metrics persistence.MetricsRepo, network string) *Validator {
	return &Validator{
		cfg:       cfg,
		snapshots: snapshots,
		metrics:   metrics,
		network:   network,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs all checks. Checks are independent: a repository error in
// one check marks that check critical rather than aborting the rest.
func (v *Validator) Validate(ctx context.Context) (*Report, error) {
	now := v.now()
	window := persistence.TimeRange{
		From: now.Add(-time.Duration(v.cfg.WindowHours) * time.Hour),
		To:   now,
	}

	checks := []CheckResult{
		v.checkSnapshotDensity(ctx, window),
		v.checkPrecisionIntegrity(ctx, window),
		v.checkTimeDrift(ctx),
		v.checkStatisticalOutliers(ctx, window),
		v.checkLSTConsistency(ctx, window),
	}

	report := &Report{
		GeneratedAt:   now,
		Network:       v.network,
		WindowHours:   v.cfg.WindowHours,
		OverallStatus: domain.StatusHealthy,
		Checks:        checks,
	}
	sum := 0.0
	for _, c := range checks {
		report.OverallStatus = report.OverallStatus.Worst(c.Status)
		sum += c.Score
	}
	report.OverallScore = sum / float64(len(checks))

	log.Info().
		Str("status", string(report.OverallStatus)).
		Float64("score", report.OverallScore).
		Int("warnings", report.WarningsCount()).
		Msg("data quality validation completed")
	return report, nil
}

func criticalCheck(name string, issue string) CheckResult {
	return CheckResult{
		Name:   name,
		Status: domain.StatusCritical,
		Score:  statusScore(domain.StatusCritical),
		Issues: []string{issue},
	}
}

// checkSnapshotDensity compares actual rows to the expected
// unique_whales x window_hours grid.
func (v *Validator) checkSnapshotDensity(ctx context.Context, window persistence.TimeRange) CheckResult {
	const name = "snapshot_density"

	stats, err := v.snapshots.SnapshotStats(ctx, v.network, window)
	if err != nil {
		return criticalCheck(name, fmt.Sprintf("stats query failed: %v", err))
	}
	if stats.UniqueAddresses == 0 {
		return criticalCheck(name, "no snapshots in window")
	}

	expected := float64(stats.UniqueAddresses) * float64(v.cfg.WindowHours)
	density := float64(stats.Rows) / expected

	res := CheckResult{Name: name, Status: domain.StatusHealthy}
	switch {
	case density >= v.cfg.DensityHealthy:
	case density >= v.cfg.DensityDegraded:
		res.Status = domain.StatusDegraded
		res.Issues = append(res.Issues, fmt.Sprintf("density %.2f below healthy threshold %.2f", density, v.cfg.DensityHealthy))
	default:
		res.Status = domain.StatusCritical
		res.Issues = append(res.Issues, fmt.Sprintf("density %.2f below degraded threshold %.2f", density, v.cfg.DensityDegraded))
	}
	res.Score = statusScore(res.Status)
	return res
}

// checkPrecisionIntegrity counts whales with zero-balance snapshots. A
// genuine whale hitting exactly zero is possible but rare; a batch of zeros
// almost always means failed reads were coerced somewhere upstream.
func (v *Validator) checkPrecisionIntegrity(ctx context.Context, window persistence.TimeRange) CheckResult {
	const name = "precision_integrity"

	count, err := v.snapshots.CountZeroBalanceAddresses(ctx, v.network, window)
	if err != nil {
		return criticalCheck(name, fmt.Sprintf("zero-balance query failed: %v", err))
	}

	res := CheckResult{Name: name, Status: domain.StatusHealthy}
	switch {
	case count == 0:
	case count <= 5:
		res.Status = domain.StatusDegraded
		res.Issues = append(res.Issues, fmt.Sprintf("%d whales with zero-balance snapshots", count))
	default:
		res.Status = domain.StatusCritical
		res.Issues = append(res.Issues, fmt.Sprintf("%d whales with zero-balance snapshots", count))
	}
	res.Score = statusScore(res.Status)
	return res
}

// checkTimeDrift compares instant deltas against block deltas at the
// nominal block time, reporting drift as a percentage of a 720 s window.
func (v *Validator) checkTimeDrift(ctx context.Context) CheckResult {
	const name = "time_drift"
	const driftWindowSecs = 720.0

	samples, err := v.snapshots.RecentSamples(ctx, v.network, v.cfg.DriftSampleSize)
	if err != nil {
		return criticalCheck(name, fmt.Sprintf("samples query failed: %v", err))
	}
	if len(samples) < 2 {
		return CheckResult{
			Name:   name,
			Status: domain.StatusDegraded,
			Score:  statusScore(domain.StatusDegraded),
			Issues: []string{fmt.Sprintf("only %d snapshot instants, drift not estimable", len(samples))},
		}
	}

	var sum, max float64
	pairs := 0
	for i := 0; i+1 < len(samples); i++ {
		newer, older := samples[i], samples[i+1]
		actualSecs := newer.SnapshotInstant.Sub(older.SnapshotInstant).Seconds()
		expectedSecs := float64(newer.BlockHeight-older.BlockHeight) * float64(v.cfg.BlockTimeSecs)
		driftPct := math.Abs(actualSecs-expectedSecs) / driftWindowSecs * 100
		sum += driftPct
		if driftPct > max {
			max = driftPct
		}
		pairs++
	}
	avg := sum / float64(pairs)

	res := CheckResult{Name: name, Status: domain.StatusHealthy}
	switch {
	case avg < 5:
	case avg < 10:
		res.Status = domain.StatusDegraded
		res.Issues = append(res.Issues, fmt.Sprintf("average drift %.1f%% (max %.1f%%)", avg, max))
	default:
		res.Status = domain.StatusCritical
		res.Issues = append(res.Issues, fmt.Sprintf("average drift %.1f%% (max %.1f%%)", avg, max))
	}
	res.Score = statusScore(res.Status)
	return res
}

// checkStatisticalOutliers flags whales whose balance moved more than the
// configured percentage per hour between consecutive snapshots. The
// comparison is done in integer arithmetic: |delta| * 100 * 3600 is tested
// against pct * elapsed_seconds * previous_balance.
func (v *Validator) checkStatisticalOutliers(ctx context.Context, window persistence.TimeRange) CheckResult {
	const name = "statistical_outliers"

	series, err := v.snapshots.AddressSeries(ctx, v.network, window)
	if err != nil {
		return criticalCheck(name, fmt.Sprintf("series query failed: %v", err))
	}

	pctInt := big.NewInt(int64(v.cfg.OutlierChangePct))
	flagged := 0
	for addr, points := range series {
		if len(points) < 2 {
			continue
		}
		for i := 0; i+1 < len(points); i++ {
			prev, next := points[i], points[i+1]
			if prev.NativeBalance.Sign() == 0 {
				continue
			}
			elapsed := next.SnapshotInstant.Sub(prev.SnapshotInstant)
			if elapsed <= 0 {
				continue
			}
			delta := new(big.Int).Sub(next.NativeBalance, prev.NativeBalance)
			delta.Abs(delta)

			// |delta| / prev * 100 / hours > pct
			lhs := new(big.Int).Mul(delta, big.NewInt(100*3600))
			rhs := new(big.Int).Mul(prev.NativeBalance, pctInt)
			rhs.Mul(rhs, big.NewInt(int64(elapsed.Seconds())))
			if lhs.Cmp(rhs) > 0 {
				log.Debug().Str("address", addr).Msg("outlier balance change flagged")
				flagged++
				break
			}
		}
	}

	res := CheckResult{Name: name, Status: domain.StatusHealthy}
	switch {
	case flagged == 0:
	case flagged <= 3:
		res.Status = domain.StatusDegraded
		res.Issues = append(res.Issues, fmt.Sprintf("%d whales with >%.0f%%/h balance swings", flagged, v.cfg.OutlierChangePct))
	default:
		res.Status = domain.StatusCritical
		res.Issues = append(res.Issues, fmt.Sprintf("%d whales with >%.0f%%/h balance swings", flagged, v.cfg.OutlierChangePct))
	}
	res.Score = statusScore(res.Status)
	return res
}

// checkLSTConsistency verifies every stored steth_rate_used sits inside the
// hard validity bounds.
func (v *Validator) checkLSTConsistency(ctx context.Context, window persistence.TimeRange) CheckResult {
	const name = "lst_consistency"

	rates, err := v.metrics.RatesSince(ctx, v.network, window.From)
	if err != nil {
		return criticalCheck(name, fmt.Sprintf("rates query failed: %v", err))
	}

	violations := 0
	for _, r := range rates {
		if r < v.cfg.LSTRateHardLow || r > v.cfg.LSTRateHardHigh {
			violations++
		}
	}

	res := CheckResult{Name: name, Status: domain.StatusHealthy}
	switch {
	case violations == 0:
	case violations <= 2:
		res.Status = domain.StatusDegraded
		res.Issues = append(res.Issues, fmt.Sprintf("%d stored rates outside [%.2f, %.2f]", violations, v.cfg.LSTRateHardLow, v.cfg.LSTRateHardHigh))
	default:
		res.Status = domain.StatusCritical
		res.Issues = append(res.Issues, fmt.Sprintf("%d stored rates outside [%.2f, %.2f]", violations, v.cfg.LSTRateHardLow, v.cfg.LSTRateHardHigh))
	}
	res.Score = statusScore(res.Status)
	return res
}

// DumpJSON writes the report to dir for audit, one file per run.
func (r *Report) DumpJSON(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	name := fmt.Sprintf("quality_%s_%s.json", r.Network, r.GeneratedAt.Format("20060102T150405Z"))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quality report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write quality report: %w", err)
	}
	return nil
}
