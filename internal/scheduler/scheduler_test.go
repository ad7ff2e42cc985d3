package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalepulse/whalepulse/internal/analysis"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/quality"
)

type stubSnapshots struct {
	mu      sync.Mutex
	runs    int
	err     error
	release chan struct{} // when set, Run blocks until closed
}

func (s *stubSnapshots) Run(context.Context) (int, error) {
	s.mu.Lock()
	s.runs++
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return 5, s.err
}

func (s *stubSnapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type stubAnalyzer struct {
	mu    sync.Mutex
	gates []analysis.QualityGate
	err   error
}

func (a *stubAnalyzer) Run(_ context.Context, gate analysis.QualityGate) (*persistence.AccumulationMetric, error) {
	a.mu.Lock()
	a.gates = append(a.gates, gate)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &persistence.AccumulationMetric{ID: 1, Network: "ethereum"}, nil
}

type stubValidator struct {
	report *quality.Report
	err    error
}

func (v *stubValidator) Validate(context.Context) (*quality.Report, error) {
	return v.report, v.err
}

type recordedEvents struct {
	mu       sync.Mutex
	metrics  []*persistence.AccumulationMetric
	statuses []domain.QualityStatus
}

func (e *recordedEvents) MetricComputed(_ context.Context, m *persistence.AccumulationMetric) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = append(e.metrics, m)
}

func (e *recordedEvents) QualityChanged(_ context.Context, status domain.QualityStatus, _ float64, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func report(status domain.QualityStatus, score float64, issues ...string) *quality.Report {
	check := quality.CheckResult{Name: "snapshot_density", Status: status, Score: score, Issues: issues}
	return &quality.Report{
		GeneratedAt:   time.Now().UTC(),
		Network:       "ethereum",
		WindowHours:   24,
		OverallStatus: status,
		OverallScore:  score,
		Checks:        []quality.CheckResult{check},
	}
}

func TestScheduler_AnalysisRunsWhenHealthy(t *testing.T) {
	analyzer := &stubAnalyzer{}
	events := &recordedEvents{}
	s := New(&stubSnapshots{}, analyzer, &stubValidator{report: report(domain.StatusHealthy, 100)}, events, time.Hour, time.Hour, "")

	require.NoError(t, s.RunAnalysisOnce(context.Background()))

	require.Len(t, analyzer.gates, 1)
	assert.Equal(t, domain.StatusHealthy, analyzer.gates[0].Status)
	assert.Len(t, events.metrics, 1)
	assert.Equal(t, []domain.QualityStatus{domain.StatusHealthy}, events.statuses)
}

func TestScheduler_CriticalQualityBlocksAnalysis(t *testing.T) {
	analyzer := &stubAnalyzer{}
	events := &recordedEvents{}
	validator := &stubValidator{report: report(domain.StatusCritical, 20, "no snapshots in window")}
	s := New(&stubSnapshots{}, analyzer, validator, events, time.Hour, time.Hour, "")

	err := s.RunAnalysisOnce(context.Background())
	require.ErrorIs(t, err, analysis.ErrQualityCritical)

	assert.Empty(t, analyzer.gates, "the calculator must never run on a critical window")
	assert.Empty(t, events.metrics)
	assert.Equal(t, []domain.QualityStatus{domain.StatusCritical}, events.statuses, "the diagnostic alert still goes out")
}

func TestScheduler_DegradedGatePassedThrough(t *testing.T) {
	analyzer := &stubAnalyzer{}
	validator := &stubValidator{report: report(domain.StatusDegraded, 60, "density 0.75 below healthy threshold 0.85", "3 whales with zero-balance snapshots")}
	s := New(&stubSnapshots{}, analyzer, validator, nil, time.Hour, time.Hour, "")

	require.NoError(t, s.RunAnalysisOnce(context.Background()))

	require.Len(t, analyzer.gates, 1)
	assert.Equal(t, domain.StatusDegraded, analyzer.gates[0].Status)
	assert.Equal(t, 60.0, analyzer.gates[0].Score)
	assert.Equal(t, 2, analyzer.gates[0].WarningsCount)
}

func TestScheduler_QualityReportDumped(t *testing.T) {
	dir := t.TempDir()
	validator := &stubValidator{report: report(domain.StatusHealthy, 100)}
	s := New(&stubSnapshots{}, &stubAnalyzer{}, validator, nil, time.Hour, time.Hour, dir)

	require.NoError(t, s.RunAnalysisOnce(context.Background()))

	files, err := filepath.Glob(filepath.Join(dir, "quality_ethereum_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestScheduler_SnapshotSingleFlight(t *testing.T) {
	release := make(chan struct{})
	snaps := &stubSnapshots{release: release}
	s := New(snaps, &stubAnalyzer{}, &stubValidator{report: report(domain.StatusHealthy, 100)}, nil, time.Hour, time.Hour, "")

	done := make(chan error, 1)
	go func() { done <- s.RunSnapshotOnce(context.Background()) }()

	// Wait for the first run to hold the guard, then collide with it.
	require.Eventually(t, func() bool { return snaps.count() == 1 }, time.Second, 5*time.Millisecond)
	err := s.RunSnapshotOnce(context.Background())
	require.ErrorIs(t, err, ErrJobBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, snaps.count())
}

func TestScheduler_StartRunsImmediateSnapshot(t *testing.T) {
	snaps := &stubSnapshots{}
	s := New(snaps, &stubAnalyzer{}, &stubValidator{report: report(domain.StatusHealthy, 100)}, nil, time.Hour, time.Hour, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	s.Start(ctx)

	assert.Equal(t, 1, snaps.count(), "one snapshot runs at startup before any tick")
}

func TestScheduler_StartupSnapshotFailureTolerated(t *testing.T) {
	snaps := &stubSnapshots{err: assert.AnError}
	s := New(snaps, &stubAnalyzer{}, &stubValidator{report: report(domain.StatusHealthy, 100)}, nil, time.Hour, time.Hour, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	s.Start(ctx) // must not panic or exit early
	assert.Equal(t, 1, snaps.count())
}
