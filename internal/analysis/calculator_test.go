package analysis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalepulse/whalepulse/internal/config"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/persistence/memory"
)

var (
	testNow   = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	testHist  = testNow.Add(-24 * time.Hour)
	calcWETH  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	calcStETH = common.HexToAddress("0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
)

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

type calcLister struct {
	whales []domain.WhaleEntry
}

func (l *calcLister) GetTopWhales(context.Context, int) ([]domain.WhaleEntry, error) {
	return l.whales, nil
}

type calcChain struct {
	native   map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int // token -> holder -> balance
	tokenErr error
}

func (c *calcChain) GetNativeBalances(_ context.Context, addrs []common.Address, _ *big.Int) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(addrs))
	for _, a := range addrs {
		out[a] = c.native[a]
	}
	return out, nil
}

func (c *calcChain) GetTokenBalances(_ context.Context, token common.Address, addrs []common.Address, _ *big.Int) (map[common.Address]*big.Int, error) {
	if c.tokenErr != nil {
		return nil, c.tokenErr
	}
	out := make(map[common.Address]*big.Int, len(addrs))
	for _, a := range addrs {
		if b := c.tokens[token][a]; b != nil {
			out[a] = b
		} else {
			out[a] = big.NewInt(0)
		}
	}
	return out, nil
}

type calcPrices struct {
	current    *decimal.Decimal
	historical *decimal.Decimal
	rate       decimal.Decimal
}

func (p *calcPrices) GetCurrentPrice(context.Context, string) *decimal.Decimal { return p.current }

func (p *calcPrices) GetHistoricalPrice(context.Context, string, time.Time) *decimal.Decimal {
	return p.historical
}

func (p *calcPrices) GetStETHETHRate(context.Context) decimal.Decimal {
	if p.rate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.rate
}

func histSnap(a common.Address, balance *big.Int, rank int) persistence.BalanceSnapshot {
	return persistence.BalanceSnapshot{
		Address:         domain.NormalizeAddress(a),
		SnapshotInstant: testHist,
		BlockHeight:     18_000_000,
		NativeBalance:   balance,
		Rank:            rank,
		Network:         "ethereum",
	}
}

func whale(a common.Address, balance *big.Int, rank int) domain.WhaleEntry {
	return domain.WhaleEntry{Address: a, NativeBalance: balance, Rank: rank}
}

type calcEnv struct {
	calc    *Calculator
	metrics *memory.MetricsRepo
}

func newCalcEnv(t *testing.T, lister *calcLister, chain *calcChain, prices *calcPrices, topN int, hist []persistence.BalanceSnapshot) *calcEnv {
	t.Helper()
	snaps := memory.NewSnapshotRepo()
	if len(hist) > 0 {
		_, err := snaps.SaveSnapshotsBatch(context.Background(), hist)
		require.NoError(t, err)
	}
	mets := memory.NewMetricsRepo()
	cfg := config.AnalysisConfig{
		LookbackHours:              24,
		MinWhales:                  1,
		MADK:                       3,
		GiniConcentrationThreshold: 0.85,
		OrganicAccumulationFrac:    0.25,
		DivergencePricePct:         -2.0,
		DivergenceScorePct:         0.2,
		GasToleranceWei:            "10000000000000000",
		NeutralBandPct:             0.01,
	}
	calc, err := NewCalculator(lister, chain, prices, snaps, mets, cfg, "ethereum", topN, calcWETH, calcStETH)
	require.NoError(t, err)
	calc.now = func() time.Time { return testNow }
	return &calcEnv{calc: calc, metrics: mets}
}

func healthyGate() QualityGate {
	return QualityGate{Status: domain.StatusHealthy, Score: 100}
}

func TestCalculator_SteadyAccumulation(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	lister := &calcLister{whales: []domain.WhaleEntry{
		whale(c, eth(3300), 1), whale(b, eth(2200), 2), whale(a, eth(1100), 3),
	}}
	chain := &calcChain{
		native:   map[common.Address]*big.Int{a: eth(1100), b: eth(2200), c: eth(3300)},
		tokenErr: assert.AnError,
	}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{
		histSnap(c, eth(3000), 1), histSnap(b, eth(2000), 2), histSnap(a, eth(1000), 3),
	})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	assert.Equal(t, 3, metric.AnalyzedCount)
	assert.Equal(t, 3, metric.AccumulatorsCount)
	assert.Zero(t, metric.DistributorsCount)
	assert.Zero(t, metric.NeutralCount)

	require.NotNil(t, metric.ScoreNativePct)
	assert.InDelta(t, 10.0, *metric.ScoreNativePct, 1e-9)
	assert.Nil(t, metric.ScoreLSTAdjustedPct, "failed LST sweep must yield a null score, not zero")

	require.NotNil(t, metric.ConcentrationGini)
	assert.InDelta(t, 0.2222, *metric.ConcentrationGini, 1e-3)

	assert.False(t, metric.IsAnomaly, "uniform growth has no deviant, never an anomaly")
	assert.Equal(t, []string{string(domain.TagOrganicAccumulation)}, metric.Tags)

	latest, err := env.metrics.GetLatest(context.Background(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, metric.ID, latest.ID)
}

func TestCalculator_AnomalyFlagsTopDeviant(t *testing.T) {
	whales := make([]domain.WhaleEntry, 5)
	native := make(map[common.Address]*big.Int)
	hist := make([]persistence.BalanceSnapshot, 5)
	nowWei := []*big.Int{eth(1010), eth(1012), eth(1008), eth(1011), eth(2000)}
	for i := 0; i < 5; i++ {
		a := addr(int64(i + 1))
		whales[i] = whale(a, nowWei[i], i+1)
		native[a] = nowWei[i]
		hist[i] = histSnap(a, eth(1000), i+1)
	}
	env := newCalcEnv(t, &calcLister{whales: whales}, &calcChain{native: native, tokenErr: assert.AnError}, &calcPrices{}, 1000, hist)

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	// Deltas 1.0, 1.2, 0.8, 1.1, 100: median 1.1, MAD 0.1, threshold 0.3.
	assert.InDelta(t, 0.3, metric.MADThresholdPct, 1e-9)
	assert.True(t, metric.IsAnomaly)
	require.NotNil(t, metric.TopAnomalyAddress)
	assert.Equal(t, domain.NormalizeAddress(addr(5)), *metric.TopAnomalyAddress)

	tags := domain.NewTagSet()
	for _, s := range metric.Tags {
		tags.Add(domain.Tag(s))
	}
	assert.True(t, tags.Contains(domain.TagAnomalyAlert))
	assert.False(t, tags.Contains(domain.TagHighConviction), "anomalous runs are never high conviction")
}

func TestCalculator_SingleDeviantWithZeroMAD(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	lister := &calcLister{whales: []domain.WhaleEntry{
		whale(c, eth(9000), 1), whale(b, eth(2020), 2), whale(a, eth(1010), 3),
	}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1010), b: eth(2020), c: eth(9000)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{
		histSnap(a, eth(1000), 3), histSnap(b, eth(2000), 2), histSnap(c, eth(3000), 1),
	})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	// Deltas 1, 1, 200: median 1, MAD 0, so the threshold degenerates to
	// zero and the 200% whale must still be flagged.
	assert.Zero(t, metric.MADThresholdPct)
	assert.True(t, metric.IsAnomaly)
	require.NotNil(t, metric.TopAnomalyAddress)
	assert.Equal(t, domain.NormalizeAddress(c), *metric.TopAnomalyAddress)

	// The +100% aggregate score is one whale's pump, never conviction.
	require.NotNil(t, metric.ScoreLSTAdjustedPct)
	assert.Contains(t, metric.Tags, string(domain.TagAnomalyAlert))
	assert.NotContains(t, metric.Tags, string(domain.TagHighConviction))
}

func TestCalculator_HighConviction(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	lister := &calcLister{whales: []domain.WhaleEntry{
		whale(a, eth(1100), 1), whale(b, eth(1102), 2), whale(c, eth(1098), 3),
	}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1100), b: eth(1102), c: eth(1098)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{
		histSnap(a, eth(1000), 1), histSnap(b, eth(1000), 2), histSnap(c, eth(1000), 3),
	})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	// Deltas cluster tightly around +10% so the LST-adjusted score clears
	// three MAD thresholds without tripping the anomaly detector.
	assert.False(t, metric.IsAnomaly)
	require.NotNil(t, metric.ScoreLSTAdjustedPct)
	assert.Greater(t, *metric.ScoreLSTAdjustedPct, 3*metric.MADThresholdPct)
	assert.Contains(t, metric.Tags, string(domain.TagHighConviction))
}

func TestCalculator_LSTMigrationDetected(t *testing.T) {
	m := addr(7)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(m, eth(900), 1)}}
	chain := &calcChain{
		native: map[common.Address]*big.Int{m: eth(900)},
		tokens: map[common.Address]map[common.Address]*big.Int{
			calcStETH: {m: eth(100)},
		},
	}
	snap := histSnap(m, eth(1000), 1)
	snap.WETHBalance = big.NewInt(0)
	snap.StETHBalance = big.NewInt(0)
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{snap})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	assert.Equal(t, 1, metric.LSTMigrationCount)
	assert.Equal(t, 1, metric.DistributorsCount, "raw native delta still classifies as distribution")
	assert.Contains(t, metric.Tags, string(domain.TagLSTMigration))
}

func TestCalculator_NoMigrationWithoutHistoricalLST(t *testing.T) {
	m := addr(7)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(m, eth(900), 1)}}
	chain := &calcChain{
		native: map[common.Address]*big.Int{m: eth(900)},
		tokens: map[common.Address]map[common.Address]*big.Int{
			calcStETH: {m: eth(100)},
		},
	}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{
		histSnap(m, eth(1000), 1), // LST columns null
	})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)
	assert.Zero(t, metric.LSTMigrationCount, "null historical LST balances must be skipped, not treated as zero")
}

func TestCalculator_BullishDivergence(t *testing.T) {
	a := addr(1)
	priceNow := decimal.NewFromInt(95)
	priceHist := decimal.NewFromInt(100)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1010), 1)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1010)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{current: &priceNow, historical: &priceHist}, 1000,
		[]persistence.BalanceSnapshot{histSnap(a, eth(1000), 1)})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	require.NotNil(t, metric.PriceChangeLookbackPct)
	assert.InDelta(t, -5.0, *metric.PriceChangeLookbackPct, 1e-9)
	assert.Contains(t, metric.Tags, string(domain.TagBullishDivergence))
}

func TestCalculator_CriticalQualityRefused(t *testing.T) {
	a := addr(1)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1000), 1)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1000)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{histSnap(a, eth(1000), 1)})

	_, err := env.calc.Run(context.Background(), QualityGate{Status: domain.StatusCritical, Score: 20})
	require.ErrorIs(t, err, ErrQualityCritical)
	assert.Zero(t, env.metrics.Count(), "no metric row may exist for a critical window")
}

func TestCalculator_DegradedForcesAnomaly(t *testing.T) {
	a := addr(1)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1010), 1)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1010)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, []persistence.BalanceSnapshot{histSnap(a, eth(1000), 1)})

	metric, err := env.calc.Run(context.Background(), QualityGate{Status: domain.StatusDegraded, Score: 60, WarningsCount: 2})
	require.NoError(t, err)

	assert.True(t, metric.IsAnomaly)
	assert.NotNil(t, metric.TopAnomalyAddress)
	assert.Contains(t, metric.Tags, string(domain.TagDataQualityWarning))
	assert.Equal(t, "degraded", metric.DataQualityStatus)
	assert.Equal(t, 2, metric.QualityWarningsCount)
}

func TestCalculator_UnionIncludesFormerWhales(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	// c distributed half its stack and fell out of the current top-2, but
	// it was ranked yesterday so it must still be analysed.
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1100), 1), whale(b, eth(1050), 2)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1100), b: eth(1050), c: eth(2500)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 2, []persistence.BalanceSnapshot{
		histSnap(c, eth(5000), 1), histSnap(a, eth(1000), 2), histSnap(b, eth(1000), 3),
	})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	assert.Equal(t, 3, metric.AnalyzedCount)
	assert.Equal(t, 2, metric.AccumulatorsCount)
	assert.Equal(t, 1, metric.DistributorsCount)
	require.NotNil(t, metric.ScoreNativePct)
	assert.Less(t, *metric.ScoreNativePct, 0.0, "sold-off former whales must drag the score down")
}

func TestCalculator_InsufficientHistory(t *testing.T) {
	a, b := addr(1), addr(2)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1000), 1), whale(b, eth(900), 2)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1000), b: eth(900)}}
	env := newCalcEnv(t, lister, chain, &calcPrices{}, 1000, nil)

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	assert.Zero(t, metric.AnalyzedCount)
	assert.Nil(t, metric.ScoreNativePct)
	assert.NotNil(t, metric.ConcentrationGini, "concentration is still observable without history")
	assert.Contains(t, metric.Tags, string(domain.TagInsufficientData))
	assert.Equal(t, 1, env.metrics.Count(), "the run is still recorded for auditability")
}

func TestCalculator_DepegTagged(t *testing.T) {
	a := addr(1)
	lister := &calcLister{whales: []domain.WhaleEntry{whale(a, eth(1000), 1)}}
	chain := &calcChain{native: map[common.Address]*big.Int{a: eth(1000)}}
	prices := &calcPrices{rate: decimal.NewFromFloat(0.95)}
	env := newCalcEnv(t, lister, chain, prices, 1000, []persistence.BalanceSnapshot{histSnap(a, eth(1000), 1)})

	metric, err := env.calc.Run(context.Background(), healthyGate())
	require.NoError(t, err)

	assert.InDelta(t, 0.95, metric.StETHRateUsed, 1e-9)
	assert.Contains(t, metric.Tags, string(domain.TagDepegRisk))
}

func TestCalculator_EmptyUnionFails(t *testing.T) {
	env := newCalcEnv(t, &calcLister{}, &calcChain{}, &calcPrices{}, 1000, nil)
	_, err := env.calc.Run(context.Background(), healthyGate())
	require.Error(t, err)
	assert.Zero(t, env.metrics.Count())
}
