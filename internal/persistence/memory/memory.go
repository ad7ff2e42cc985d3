// Package memory provides in-memory implementations of the persistence
// interfaces. They back unit tests and single-process dry runs; semantics
// mirror the postgres implementations, including nearest-within-tolerance
// lookups and idempotent batch writes.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/whalepulse/whalepulse/internal/persistence"
)

// SnapshotRepo is a map-backed persistence.SnapshotRepo.
type SnapshotRepo struct {
	mu   sync.RWMutex
	rows map[string]persistence.BalanceSnapshot // key: address|instant
}

func NewSnapshotRepo() *SnapshotRepo {
	return &SnapshotRepo{rows: make(map[string]persistence.BalanceSnapshot)}
}

func snapKey(address string, instant time.Time) string {
	return address + "|" + instant.UTC().Format(time.RFC3339Nano)
}

func (r *SnapshotRepo) SaveSnapshotsBatch(_ context.Context, snapshots []persistence.BalanceSnapshot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the whole batch before touching state so a failed batch
	// commits nothing, like the transactional postgres path.
	for _, s := range snapshots {
		if s.NativeBalance == nil {
			return 0, fmt.Errorf("snapshot for %s has nil balance", s.Address)
		}
		if s.NativeBalance.Sign() < 0 {
			return 0, fmt.Errorf("snapshot for %s has negative balance %s", s.Address, s.NativeBalance)
		}
	}

	written := 0
	for _, s := range snapshots {
		key := snapKey(s.Address, s.SnapshotInstant)
		if _, exists := r.rows[key]; exists {
			continue
		}
		s.NativeBalance = new(big.Int).Set(s.NativeBalance)
		if s.WETHBalance != nil {
			s.WETHBalance = new(big.Int).Set(s.WETHBalance)
		}
		if s.StETHBalance != nil {
			s.StETHBalance = new(big.Int).Set(s.StETHBalance)
		}
		s.CreatedAt = time.Now().UTC()
		r.rows[key] = s
		written++
	}
	return written, nil
}

func withinTolerance(instant, target time.Time, tolerance time.Duration) bool {
	d := instant.Sub(target)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// closer reports whether a is a better nearest-neighbour for target than b:
// strictly smaller distance, or equal distance and earlier instant.
func closer(a, b, target time.Time) bool {
	da, db := a.Sub(target), b.Sub(target)
	if da < 0 {
		da = -da
	}
	if db < 0 {
		db = -db
	}
	if da != db {
		return da < db
	}
	return a.Before(b)
}

func (r *SnapshotRepo) GetSnapshotsBatchAtTime(_ context.Context, network string, addresses []string, target time.Time, tolerance time.Duration) (map[string]persistence.BalanceSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		wanted[a] = true
	}

	out := make(map[string]persistence.BalanceSnapshot)
	for _, s := range r.rows {
		if s.Network != network || !wanted[s.Address] {
			continue
		}
		if !withinTolerance(s.SnapshotInstant, target, tolerance) {
			continue
		}
		best, ok := out[s.Address]
		if !ok || closer(s.SnapshotInstant, best.SnapshotInstant, target) {
			out[s.Address] = s
		}
	}
	return out, nil
}

func (r *SnapshotRepo) GetAddressesInTopAtTime(_ context.Context, network string, target time.Time, topK int, tolerance time.Duration) (map[string]struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nearest *time.Time
	for _, s := range r.rows {
		if s.Network != network || !withinTolerance(s.SnapshotInstant, target, tolerance) {
			continue
		}
		instant := s.SnapshotInstant
		if nearest == nil || closer(instant, *nearest, target) {
			nearest = &instant
		}
	}

	out := make(map[string]struct{})
	if nearest == nil {
		return out, nil
	}
	for _, s := range r.rows {
		if s.Network == network && s.SnapshotInstant.Equal(*nearest) && s.Rank <= topK {
			out[s.Address] = struct{}{}
		}
	}
	return out, nil
}

func (r *SnapshotRepo) GetLatestSnapshotInstant(_ context.Context, network string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *time.Time
	for _, s := range r.rows {
		if s.Network != network {
			continue
		}
		instant := s.SnapshotInstant
		if latest == nil || instant.After(*latest) {
			latest = &instant
		}
	}
	return latest, nil
}

func (r *SnapshotRepo) SnapshotStats(_ context.Context, network string, tr persistence.TimeRange) (persistence.SnapshotStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make(map[string]bool)
	var stats persistence.SnapshotStats
	for _, s := range r.rows {
		if s.Network != network || s.SnapshotInstant.Before(tr.From) || s.SnapshotInstant.After(tr.To) {
			continue
		}
		stats.Rows++
		addrs[s.Address] = true
	}
	stats.UniqueAddresses = int64(len(addrs))
	return stats, nil
}

func (r *SnapshotRepo) CountZeroBalanceAddresses(_ context.Context, network string, tr persistence.TimeRange) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make(map[string]bool)
	for _, s := range r.rows {
		if s.Network != network || s.SnapshotInstant.Before(tr.From) || s.SnapshotInstant.After(tr.To) {
			continue
		}
		if s.NativeBalance.Sign() == 0 {
			addrs[s.Address] = true
		}
	}
	return int64(len(addrs)), nil
}

func (r *SnapshotRepo) RecentSamples(_ context.Context, network string, limit int) ([]persistence.DriftSample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byInstant := make(map[time.Time]int64)
	for _, s := range r.rows {
		if s.Network != network {
			continue
		}
		if h, ok := byInstant[s.SnapshotInstant]; !ok || s.BlockHeight > h {
			byInstant[s.SnapshotInstant] = s.BlockHeight
		}
	}

	samples := make([]persistence.DriftSample, 0, len(byInstant))
	for instant, height := range byInstant {
		samples = append(samples, persistence.DriftSample{SnapshotInstant: instant, BlockHeight: height})
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].SnapshotInstant.After(samples[j].SnapshotInstant)
	})
	if len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

func (r *SnapshotRepo) AddressSeries(_ context.Context, network string, tr persistence.TimeRange) (map[string][]persistence.SeriesPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]persistence.SeriesPoint)
	for _, s := range r.rows {
		if s.Network != network || s.SnapshotInstant.Before(tr.From) || s.SnapshotInstant.After(tr.To) {
			continue
		}
		out[s.Address] = append(out[s.Address], persistence.SeriesPoint{
			SnapshotInstant: s.SnapshotInstant,
			NativeBalance:   new(big.Int).Set(s.NativeBalance),
		})
	}
	for _, series := range out {
		sort.Slice(series, func(i, j int) bool {
			return series[i].SnapshotInstant.Before(series[j].SnapshotInstant)
		})
	}
	return out, nil
}

// MetricsRepo is a slice-backed persistence.MetricsRepo.
type MetricsRepo struct {
	mu     sync.RWMutex
	nextID int64
	rows   []persistence.AccumulationMetric
}

func NewMetricsRepo() *MetricsRepo {
	return &MetricsRepo{nextID: 1}
}

func (r *MetricsRepo) SaveMetric(_ context.Context, m persistence.AccumulationMetric) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.AccumulatorsCount+m.DistributorsCount+m.NeutralCount != m.AnalyzedCount {
		return 0, fmt.Errorf("direction counts do not sum to analyzed_count %d", m.AnalyzedCount)
	}

	m.ID = r.nextID
	m.CreatedAt = time.Now().UTC()
	r.nextID++
	r.rows = append(r.rows, m)
	return m.ID, nil
}

func (r *MetricsRepo) GetLatest(_ context.Context, network string) (*persistence.AccumulationMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *persistence.AccumulationMetric
	for i := range r.rows {
		m := r.rows[i]
		if m.Network != network {
			continue
		}
		if latest == nil || m.ComputedAt.After(latest.ComputedAt) {
			latest = &m
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *MetricsRepo) GetSince(_ context.Context, network string, since time.Time) ([]persistence.AccumulationMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []persistence.AccumulationMetric
	for _, m := range r.rows {
		if m.Network == network && !m.ComputedAt.Before(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ComputedAt.Before(out[j].ComputedAt)
	})
	return out, nil
}

func (r *MetricsRepo) RatesSince(ctx context.Context, network string, since time.Time) ([]float64, error) {
	metrics, err := r.GetSince(ctx, network, since)
	if err != nil {
		return nil, err
	}
	rates := make([]float64, len(metrics))
	for i, m := range metrics {
		rates[i] = m.StETHRateUsed
	}
	return rates, nil
}

// Count returns the number of stored metrics, for tests.
func (r *MetricsRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
