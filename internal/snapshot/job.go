// Package snapshot implements the hourly balance-snapshot job: top-N whale
// list, current block height, one transactional batch write.
package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/telemetry"
)

// WhaleLister is the whale-list capability the job consumes.
type WhaleLister interface {
	GetTopWhales(ctx context.Context, limit int) ([]domain.WhaleEntry, error)
}

// ChainReader reads the chain head and ERC-20 balances.
type ChainReader interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
	GetTokenBalances(ctx context.Context, token common.Address, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error)
}

// Job captures one network's snapshot pipeline.
type Job struct {
	lister  WhaleLister
	chain   ChainReader
	repo    persistence.SnapshotRepo
	network string
	topN    int
	weth    common.Address
	steth   common.Address
	now     func() time.Time
}

func NewJob(lister WhaleLister, chain ChainReader, repo persistence.SnapshotRepo, network string, topN int, weth, steth common.Address) *Job {
	return &Job{
		lister:  lister,
		chain:   chain,
		repo:    repo,
		network: network,
		topN:    topN,
		weth:    weth,
		steth:   steth,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one snapshot: it either commits the full batch or nothing.
// The returned count is rows actually written (a replayed instant writes 0).
func (j *Job) Run(ctx context.Context) (int, error) {
	whales, err := j.lister.GetTopWhales(ctx, j.topN)
	if err != nil {
		telemetry.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("failed to list whales: %w", err)
	}
	if len(whales) == 0 {
		telemetry.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("whale list is empty, nothing to snapshot")
	}

	blockHeight, err := j.chain.GetLatestBlock(ctx)
	if err != nil {
		telemetry.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("failed to read block height: %w", err)
	}

	addrs := make([]common.Address, len(whales))
	for i, w := range whales {
		addrs[i] = w.Address
	}

	// LST reads enrich the row but never block the snapshot: a failed
	// sweep leaves the columns null, the migration detector then skips
	// those whales instead of seeing phantom zero balances.
	wethBalances, err := j.chain.GetTokenBalances(ctx, j.weth, addrs, nil)
	if err != nil {
		log.Warn().Err(err).Msg("weth balance sweep failed, storing nulls")
		wethBalances = nil
	}
	stethBalances, err := j.chain.GetTokenBalances(ctx, j.steth, addrs, nil)
	if err != nil {
		log.Warn().Err(err).Msg("steth balance sweep failed, storing nulls")
		stethBalances = nil
	}

	instant := j.now()
	rows := make([]persistence.BalanceSnapshot, 0, len(whales))
	skipped := 0
	for _, w := range whales {
		// The provider drops failed reads already; this guard keeps the
		// "no nil balance is ever persisted" rule local to the writer.
		if w.NativeBalance == nil {
			log.Warn().Str("address", w.Address.Hex()).Msg("skipping whale with failed balance read")
			telemetry.SnapshotSkippedReads.Inc()
			skipped++
			continue
		}
		rows = append(rows, persistence.BalanceSnapshot{
			Address:         domain.NormalizeAddress(w.Address),
			SnapshotInstant: instant,
			BlockHeight:     int64(blockHeight),
			NativeBalance:   w.NativeBalance,
			WETHBalance:     wethBalances[w.Address],
			StETHBalance:    stethBalances[w.Address],
			Rank:            w.Rank,
			Network:         j.network,
		})
	}
	if len(rows) == 0 {
		telemetry.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("all %d whale entries were skipped", len(whales))
	}

	written, err := j.repo.SaveSnapshotsBatch(ctx, rows)
	if err != nil {
		telemetry.SnapshotRunsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("failed to persist snapshot batch: %w", err)
	}

	telemetry.SnapshotRunsTotal.WithLabelValues("completed").Inc()
	telemetry.SnapshotRowsWritten.Add(float64(written))
	log.Info().
		Int("whales", len(whales)).
		Int("written", written).
		Int("skipped", skipped).
		Int64("block", int64(blockHeight)).
		Time("instant", instant).
		Msg("balance snapshot committed")
	return written, nil
}
