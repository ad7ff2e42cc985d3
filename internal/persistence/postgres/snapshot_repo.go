package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whalepulse/whalepulse/internal/persistence"
)

// snapshotRepo implements SnapshotRepo for PostgreSQL. Balances are stored
// as NUMERIC(78,0) and travel as decimal strings so no precision is lost.
type snapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotRepo creates a PostgreSQL snapshot repository.
func NewSnapshotRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotRepo {
	return &snapshotRepo{db: db, timeout: timeout}
}

type snapshotRow struct {
	Address         string    `db:"address"`
	SnapshotInstant time.Time `db:"snapshot_instant"`
	BlockHeight     int64     `db:"block_height"`
	NativeBalance   string    `db:"native_balance"`
	WETHBalance     *string   `db:"weth_balance"`
	StETHBalance    *string   `db:"steth_balance"`
	Rank            int       `db:"rank"`
	Network         string    `db:"network"`
	CreatedAt       time.Time `db:"created_at"`
}

func parseWei(s *string, field, address string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable %s %q for %s", field, *s, address)
	}
	return v, nil
}

func weiString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func (r snapshotRow) toSnapshot() (persistence.BalanceSnapshot, error) {
	bal, ok := new(big.Int).SetString(r.NativeBalance, 10)
	if !ok {
		return persistence.BalanceSnapshot{}, fmt.Errorf("unparseable native_balance %q for %s", r.NativeBalance, r.Address)
	}
	weth, err := parseWei(r.WETHBalance, "weth_balance", r.Address)
	if err != nil {
		return persistence.BalanceSnapshot{}, err
	}
	steth, err := parseWei(r.StETHBalance, "steth_balance", r.Address)
	if err != nil {
		return persistence.BalanceSnapshot{}, err
	}
	return persistence.BalanceSnapshot{
		Address:         r.Address,
		SnapshotInstant: r.SnapshotInstant,
		BlockHeight:     r.BlockHeight,
		NativeBalance:   bal,
		WETHBalance:     weth,
		StETHBalance:    steth,
		Rank:            r.Rank,
		Network:         r.Network,
		CreatedAt:       r.CreatedAt,
	}, nil
}

// SaveSnapshotsBatch writes all rows in a single transaction. Duplicate
// (address, snapshot_instant) pairs are skipped via ON CONFLICT DO NOTHING
// so a replayed job commits cleanly without double-writing.
func (r *snapshotRepo) SaveSnapshotsBatch(ctx context.Context, snapshots []persistence.BalanceSnapshot) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(snapshots)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO balance_snapshot (address, snapshot_instant, block_height, native_balance, weth_balance, steth_balance, rank, network)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (address, snapshot_instant) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, s := range snapshots {
		if s.NativeBalance == nil {
			return 0, fmt.Errorf("snapshot for %s has nil balance; failed reads must be skipped before persistence", s.Address)
		}
		if s.NativeBalance.Sign() < 0 {
			return 0, fmt.Errorf("snapshot for %s has negative balance %s", s.Address, s.NativeBalance)
		}
		res, err := stmt.ExecContext(ctx,
			s.Address, s.SnapshotInstant, s.BlockHeight,
			s.NativeBalance.String(), weiString(s.WETHBalance), weiString(s.StETHBalance),
			s.Rank, s.Network)
		if err != nil {
			return 0, fmt.Errorf("failed to insert snapshot for %s: %w", s.Address, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot batch: %w", err)
	}
	return written, nil
}

// GetSnapshotsBatchAtTime returns the nearest snapshot within ±tolerance per
// address, earlier instant winning ties.
func (r *snapshotRepo) GetSnapshotsBatchAtTime(ctx context.Context, network string, addresses []string, target time.Time, tolerance time.Duration) (map[string]persistence.BalanceSnapshot, error) {
	if len(addresses) == 0 {
		return map[string]persistence.BalanceSnapshot{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (address)
		       address, snapshot_instant, block_height,
		       native_balance::text AS native_balance,
		       weth_balance::text AS weth_balance,
		       steth_balance::text AS steth_balance,
		       rank, network, created_at
		FROM balance_snapshot
		WHERE network = $1
		  AND address = ANY($2)
		  AND snapshot_instant BETWEEN $3 AND $4
		ORDER BY address,
		         ABS(EXTRACT(EPOCH FROM (snapshot_instant - $5::timestamptz))) ASC,
		         snapshot_instant ASC`

	var rows []snapshotRow
	err := r.db.SelectContext(ctx, &rows, query,
		network, pq.Array(addresses), target.Add(-tolerance), target.Add(tolerance), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots at time: %w", err)
	}

	out := make(map[string]persistence.BalanceSnapshot, len(rows))
	for _, row := range rows {
		snap, err := row.toSnapshot()
		if err != nil {
			return nil, err
		}
		out[snap.Address] = snap
	}
	return out, nil
}

// GetAddressesInTopAtTime resolves the nearest snapshot instant within
// tolerance, then returns the addresses ranked <= topK at that instant.
func (r *snapshotRepo) GetAddressesInTopAtTime(ctx context.Context, network string, target time.Time, topK int, tolerance time.Duration) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var instant time.Time
	err := r.db.GetContext(ctx, &instant, `
		SELECT snapshot_instant
		FROM balance_snapshot
		WHERE network = $1 AND snapshot_instant BETWEEN $2 AND $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (snapshot_instant - $4::timestamptz))) ASC,
		         snapshot_instant ASC
		LIMIT 1`,
		network, target.Add(-tolerance), target.Add(tolerance), target)
	if err == sql.ErrNoRows {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nearest snapshot instant: %w", err)
	}

	var addresses []string
	err = r.db.SelectContext(ctx, &addresses, `
		SELECT address
		FROM balance_snapshot
		WHERE network = $1 AND snapshot_instant = $2 AND rank <= $3`,
		network, instant, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query top addresses: %w", err)
	}

	out := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		out[a] = struct{}{}
	}
	return out, nil
}

func (r *snapshotRepo) GetLatestSnapshotInstant(ctx context.Context, network string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var instant time.Time
	err := r.db.GetContext(ctx, &instant, `
		SELECT snapshot_instant FROM balance_snapshot
		WHERE network = $1
		ORDER BY snapshot_instant DESC
		LIMIT 1`, network)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot instant: %w", err)
	}
	return &instant, nil
}

func (r *snapshotRepo) SnapshotStats(ctx context.Context, network string, tr persistence.TimeRange) (persistence.SnapshotStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stats persistence.SnapshotStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS rows, COUNT(DISTINCT address) AS unique_addresses
		FROM balance_snapshot
		WHERE network = $1 AND snapshot_instant >= $2 AND snapshot_instant <= $3`,
		network, tr.From, tr.To)
	if err != nil {
		return persistence.SnapshotStats{}, fmt.Errorf("failed to query snapshot stats: %w", err)
	}
	return stats, nil
}

func (r *snapshotRepo) CountZeroBalanceAddresses(ctx context.Context, network string, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(DISTINCT address)
		FROM balance_snapshot
		WHERE network = $1 AND native_balance = 0
		  AND snapshot_instant >= $2 AND snapshot_instant <= $3`,
		network, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("failed to count zero-balance addresses: %w", err)
	}
	return count, nil
}

// RecentSamples returns one row per snapshot instant, newest first. Block
// heights within one instant are identical by construction, MAX is only a
// grouping formality.
func (r *snapshotRepo) RecentSamples(ctx context.Context, network string, limit int) ([]persistence.DriftSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var samples []persistence.DriftSample
	err := r.db.SelectContext(ctx, &samples, `
		SELECT snapshot_instant, MAX(block_height) AS block_height
		FROM balance_snapshot
		WHERE network = $1
		GROUP BY snapshot_instant
		ORDER BY snapshot_instant DESC
		LIMIT $2`, network, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %w", err)
	}
	return samples, nil
}

func (r *snapshotRepo) AddressSeries(ctx context.Context, network string, tr persistence.TimeRange) (map[string][]persistence.SeriesPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type seriesRow struct {
		Address         string    `db:"address"`
		SnapshotInstant time.Time `db:"snapshot_instant"`
		NativeBalance   string    `db:"native_balance"`
	}

	var rows []seriesRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT address, snapshot_instant, native_balance::text AS native_balance
		FROM balance_snapshot
		WHERE network = $1 AND snapshot_instant >= $2 AND snapshot_instant <= $3
		ORDER BY address, snapshot_instant ASC`,
		network, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query address series: %w", err)
	}

	out := make(map[string][]persistence.SeriesPoint)
	for _, row := range rows {
		bal, ok := new(big.Int).SetString(row.NativeBalance, 10)
		if !ok {
			return nil, fmt.Errorf("unparseable native_balance %q for %s", row.NativeBalance, row.Address)
		}
		out[row.Address] = append(out[row.Address], persistence.SeriesPoint{
			SnapshotInstant: row.SnapshotInstant,
			NativeBalance:   bal,
		})
	}
	return out, nil
}
