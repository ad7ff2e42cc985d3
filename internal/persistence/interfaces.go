package persistence

import (
	"context"
	"math/big"
	"time"
)

// TimeRange represents a time window for data queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// BalanceSnapshot is one persisted balance observation: an address's
// native balance and rank at a snapshot instant. Rows are write-once.
// Balances are integer Wei. A row is never written for a failed native
// read (the snapshot job skips those addresses); the LST balances are
// nil when their reads failed, which downstream consumers treat as
// "unknown", never as zero.
type BalanceSnapshot struct {
	Address         string    `json:"address" db:"address"` // lowercase hex
	SnapshotInstant time.Time `json:"snapshot_instant" db:"snapshot_instant"`
	BlockHeight     int64     `json:"block_height" db:"block_height"`
	NativeBalance   *big.Int  `json:"native_balance"`
	WETHBalance     *big.Int  `json:"weth_balance,omitempty"`
	StETHBalance    *big.Int  `json:"steth_balance,omitempty"`
	Rank            int       `json:"rank" db:"rank"`
	Network         string    `json:"network" db:"network"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// AccumulationMetric is one persisted analysis run. Nullable columns are
// pointers; a nil score means the input needed to compute it was missing.
type AccumulationMetric struct {
	ID            int64     `json:"id" db:"id"`
	ComputedAt    time.Time `json:"computed_at" db:"computed_at"`
	LookbackHours int       `json:"lookback_hours" db:"lookback_hours"`
	Network       string    `json:"network" db:"network"`
	AnalyzedCount int       `json:"analyzed_count" db:"analyzed_count"`

	ScoreNativePct      *float64 `json:"score_native_pct,omitempty" db:"score_native_pct"`
	ScoreLSTAdjustedPct *float64 `json:"score_lst_adjusted_pct,omitempty" db:"score_lst_adjusted_pct"`
	TotalWETHAsETH      *float64 `json:"total_weth_as_eth,omitempty" db:"total_weth_as_eth"`
	TotalStETHAsETH     *float64 `json:"total_steth_as_eth,omitempty" db:"total_steth_as_eth"`
	StETHRateUsed       float64  `json:"steth_rate_used" db:"steth_rate_used"`

	AccumulatorsCount int `json:"accumulators_count" db:"accumulators_count"`
	DistributorsCount int `json:"distributors_count" db:"distributors_count"`
	NeutralCount      int `json:"neutral_count" db:"neutral_count"`

	ConcentrationGini *float64 `json:"concentration_gini,omitempty" db:"concentration_gini"`
	MADThresholdPct   float64  `json:"mad_threshold_pct" db:"mad_threshold_pct"`
	IsAnomaly         bool     `json:"is_anomaly" db:"is_anomaly"`
	TopAnomalyAddress *string  `json:"top_anomaly_address,omitempty" db:"top_anomaly_address"`

	LSTMigrationCount      int      `json:"lst_migration_count" db:"lst_migration_count"`
	PriceChangeLookbackPct *float64 `json:"price_change_lookback_pct,omitempty" db:"price_change_lookback_pct"`

	Tags []string `json:"tags"`

	DataQualityStatus    string  `json:"data_quality_status" db:"data_quality_status"`
	DataQualityScore     float64 `json:"data_quality_score" db:"data_quality_score"`
	QualityWarningsCount int     `json:"quality_warnings_count" db:"quality_warnings_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SnapshotStats is the density input for the quality validator.
type SnapshotStats struct {
	Rows            int64 `db:"rows"`
	UniqueAddresses int64 `db:"unique_addresses"`
}

// DriftSample pairs a snapshot instant with its block height, for the
// validator's time-drift check.
type DriftSample struct {
	SnapshotInstant time.Time `db:"snapshot_instant"`
	BlockHeight     int64     `db:"block_height"`
}

// SeriesPoint is one observation in a per-address balance series.
type SeriesPoint struct {
	SnapshotInstant time.Time
	NativeBalance   *big.Int
}

// SnapshotRepo persists and queries balance snapshots.
type SnapshotRepo interface {
	// SaveSnapshotsBatch writes all rows in one transaction and returns the
	// count written. Re-writing an existing (address, snapshot_instant) pair
	// is a no-op, so replayed snapshot jobs are idempotent.
	SaveSnapshotsBatch(ctx context.Context, snapshots []BalanceSnapshot) (int, error)

	// GetSnapshotsBatchAtTime returns, per address, the snapshot whose
	// instant is nearest to target within ±tolerance. Ties go to the
	// earlier instant. Addresses with no snapshot in range are absent.
	GetSnapshotsBatchAtTime(ctx context.Context, network string, addresses []string, target time.Time, tolerance time.Duration) (map[string]BalanceSnapshot, error)

	// GetAddressesInTopAtTime returns the set of addresses whose rank was
	// <= topK at the snapshot instant nearest to target within ±tolerance.
	GetAddressesInTopAtTime(ctx context.Context, network string, target time.Time, topK int, tolerance time.Duration) (map[string]struct{}, error)

	// GetLatestSnapshotInstant returns the most recent snapshot instant for
	// the network, or nil when no snapshots exist.
	GetLatestSnapshotInstant(ctx context.Context, network string) (*time.Time, error)

	// SnapshotStats returns row and distinct-address counts in the window.
	SnapshotStats(ctx context.Context, network string, tr TimeRange) (SnapshotStats, error)

	// CountZeroBalanceAddresses counts distinct addresses with at least one
	// zero-balance snapshot in the window.
	CountZeroBalanceAddresses(ctx context.Context, network string, tr TimeRange) (int64, error)

	// RecentSamples returns the newest snapshot instants with block heights,
	// one row per instant, newest first.
	RecentSamples(ctx context.Context, network string, limit int) ([]DriftSample, error)

	// AddressSeries returns each address's snapshots in the window, ordered
	// by instant ascending.
	AddressSeries(ctx context.Context, network string, tr TimeRange) (map[string][]SeriesPoint, error)
}

// MetricsRepo persists and queries accumulation metrics. Rows are
// append-only.
type MetricsRepo interface {
	// SaveMetric inserts the metric and returns its row ID.
	SaveMetric(ctx context.Context, m AccumulationMetric) (int64, error)

	// GetLatest returns the most recent metric for the network, or nil.
	GetLatest(ctx context.Context, network string) (*AccumulationMetric, error)

	// GetSince returns metrics computed at or after the instant, ascending.
	GetSince(ctx context.Context, network string, since time.Time) ([]AccumulationMetric, error)

	// RatesSince returns the steth_rate_used values stored at or after the
	// instant, for the validator's LST consistency check.
	RatesSince(ctx context.Context, network string, since time.Time) ([]float64, error)
}

// Repository aggregates the persistence capabilities the pipeline needs.
type Repository struct {
	Snapshots SnapshotRepo
	Metrics   MetricsRepo
}
