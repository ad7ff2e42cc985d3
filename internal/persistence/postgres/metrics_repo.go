package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whalepulse/whalepulse/internal/persistence"
)

// metricsRepo implements MetricsRepo for PostgreSQL. The table is
// append-only; there is deliberately no update or delete path.
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a PostgreSQL accumulation-metric repository.
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{db: db, timeout: timeout}
}

type metricRow struct {
	ID            int64     `db:"id"`
	ComputedAt    time.Time `db:"computed_at"`
	LookbackHours int       `db:"lookback_hours"`
	Network       string    `db:"network"`
	AnalyzedCount int       `db:"analyzed_count"`

	ScoreNativePct      *float64 `db:"score_native_pct"`
	ScoreLSTAdjustedPct *float64 `db:"score_lst_adjusted_pct"`
	TotalWETHAsETH      *float64 `db:"total_weth_as_eth"`
	TotalStETHAsETH     *float64 `db:"total_steth_as_eth"`
	StETHRateUsed       float64  `db:"steth_rate_used"`

	AccumulatorsCount int `db:"accumulators_count"`
	DistributorsCount int `db:"distributors_count"`
	NeutralCount      int `db:"neutral_count"`

	ConcentrationGini *float64 `db:"concentration_gini"`
	MADThresholdPct   float64  `db:"mad_threshold_pct"`
	IsAnomaly         bool     `db:"is_anomaly"`
	TopAnomalyAddress *string  `db:"top_anomaly_address"`

	LSTMigrationCount      int      `db:"lst_migration_count"`
	PriceChangeLookbackPct *float64 `db:"price_change_lookback_pct"`

	Tags pq.StringArray `db:"tags"`

	DataQualityStatus    string  `db:"data_quality_status"`
	DataQualityScore     float64 `db:"data_quality_score"`
	QualityWarningsCount int     `db:"quality_warnings_count"`

	CreatedAt time.Time `db:"created_at"`
}

func (r metricRow) toMetric() persistence.AccumulationMetric {
	return persistence.AccumulationMetric{
		ID:                     r.ID,
		ComputedAt:             r.ComputedAt,
		LookbackHours:          r.LookbackHours,
		Network:                r.Network,
		AnalyzedCount:          r.AnalyzedCount,
		ScoreNativePct:         r.ScoreNativePct,
		ScoreLSTAdjustedPct:    r.ScoreLSTAdjustedPct,
		TotalWETHAsETH:         r.TotalWETHAsETH,
		TotalStETHAsETH:        r.TotalStETHAsETH,
		StETHRateUsed:          r.StETHRateUsed,
		AccumulatorsCount:      r.AccumulatorsCount,
		DistributorsCount:      r.DistributorsCount,
		NeutralCount:           r.NeutralCount,
		ConcentrationGini:      r.ConcentrationGini,
		MADThresholdPct:        r.MADThresholdPct,
		IsAnomaly:              r.IsAnomaly,
		TopAnomalyAddress:      r.TopAnomalyAddress,
		LSTMigrationCount:      r.LSTMigrationCount,
		PriceChangeLookbackPct: r.PriceChangeLookbackPct,
		Tags:                   []string(r.Tags),
		DataQualityStatus:      r.DataQualityStatus,
		DataQualityScore:       r.DataQualityScore,
		QualityWarningsCount:   r.QualityWarningsCount,
		CreatedAt:              r.CreatedAt,
	}
}

const metricColumns = `
	id, computed_at, lookback_hours, network, analyzed_count,
	score_native_pct, score_lst_adjusted_pct, total_weth_as_eth,
	total_steth_as_eth, steth_rate_used, accumulators_count,
	distributors_count, neutral_count, concentration_gini,
	mad_threshold_pct, is_anomaly, top_anomaly_address,
	lst_migration_count, price_change_lookback_pct, tags,
	data_quality_status, data_quality_score, quality_warnings_count,
	created_at`

func (r *metricsRepo) SaveMetric(ctx context.Context, m persistence.AccumulationMetric) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if m.AccumulatorsCount+m.DistributorsCount+m.NeutralCount != m.AnalyzedCount {
		return 0, fmt.Errorf("direction counts %d+%d+%d do not sum to analyzed_count %d",
			m.AccumulatorsCount, m.DistributorsCount, m.NeutralCount, m.AnalyzedCount)
	}
	if m.ConcentrationGini != nil && (*m.ConcentrationGini < 0 || *m.ConcentrationGini > 1) {
		return 0, fmt.Errorf("concentration_gini %f out of [0,1]", *m.ConcentrationGini)
	}

	query := `
		INSERT INTO accumulation_metric (
			computed_at, lookback_hours, network, analyzed_count,
			score_native_pct, score_lst_adjusted_pct, total_weth_as_eth,
			total_steth_as_eth, steth_rate_used, accumulators_count,
			distributors_count, neutral_count, concentration_gini,
			mad_threshold_pct, is_anomaly, top_anomaly_address,
			lst_migration_count, price_change_lookback_pct, tags,
			data_quality_status, data_quality_score, quality_warnings_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		m.ComputedAt, m.LookbackHours, m.Network, m.AnalyzedCount,
		m.ScoreNativePct, m.ScoreLSTAdjustedPct, m.TotalWETHAsETH,
		m.TotalStETHAsETH, m.StETHRateUsed, m.AccumulatorsCount,
		m.DistributorsCount, m.NeutralCount, m.ConcentrationGini,
		m.MADThresholdPct, m.IsAnomaly, m.TopAnomalyAddress,
		m.LSTMigrationCount, m.PriceChangeLookbackPct, pq.StringArray(m.Tags),
		m.DataQualityStatus, m.DataQualityScore, m.QualityWarningsCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert accumulation metric: %w", err)
	}
	return id, nil
}

func (r *metricsRepo) GetLatest(ctx context.Context, network string) (*persistence.AccumulationMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row metricRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+metricColumns+`
		FROM accumulation_metric
		WHERE network = $1
		ORDER BY computed_at DESC
		LIMIT 1`, network)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest metric: %w", err)
	}

	m := row.toMetric()
	return &m, nil
}

func (r *metricsRepo) GetSince(ctx context.Context, network string, since time.Time) ([]persistence.AccumulationMetric, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []metricRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+metricColumns+`
		FROM accumulation_metric
		WHERE network = $1 AND computed_at >= $2
		ORDER BY computed_at ASC`, network, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics since %s: %w", since, err)
	}

	out := make([]persistence.AccumulationMetric, len(rows))
	for i, row := range rows {
		out[i] = row.toMetric()
	}
	return out, nil
}

func (r *metricsRepo) RatesSince(ctx context.Context, network string, since time.Time) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rates []float64
	err := r.db.SelectContext(ctx, &rates, `
		SELECT steth_rate_used
		FROM accumulation_metric
		WHERE network = $1 AND computed_at >= $2
		ORDER BY computed_at ASC`, network, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query steth rates: %w", err)
	}
	return rates, nil
}
