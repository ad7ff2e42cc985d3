// Package analysis implements the accumulation calculator: the union
// address selection, LST-corrected deltas, robust statistics and tag
// assignment that turn raw whale balances into one market signal.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/whalepulse/whalepulse/internal/config"
	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/telemetry"
)

// ErrQualityCritical is returned when the calculator is invoked despite a
// critical validator verdict. The orchestrator gates before calling; this
// is the backstop.
var ErrQualityCritical = errors.New("data quality critical, analysis refused")

// WhaleLister is the top-N listing capability.
type WhaleLister interface {
	GetTopWhales(ctx context.Context, limit int) ([]domain.WhaleEntry, error)
}

// BalanceReader is the multicall capability.
type BalanceReader interface {
	GetNativeBalances(ctx context.Context, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error)
	GetTokenBalances(ctx context.Context, token common.Address, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error)
}

// PriceSource is the price capability. Getters return nil on unavailability;
// the rate getter never fails (falls back to parity).
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, asset string) *decimal.Decimal
	GetHistoricalPrice(ctx context.Context, asset string, at time.Time) *decimal.Decimal
	GetStETHETHRate(ctx context.Context) decimal.Decimal
}

// QualityGate carries the validator verdict into the metric.
type QualityGate struct {
	Status        domain.QualityStatus
	Score         float64
	WarningsCount int
}

// Calculator computes and persists accumulation metrics.
type Calculator struct {
	whales    WhaleLister
	balances  BalanceReader
	prices    PriceSource
	snapshots persistence.SnapshotRepo
	metrics   persistence.MetricsRepo

	cfg     config.AnalysisConfig
	network string
	topN    int
	weth    common.Address
	steth   common.Address
	gasTol  *big.Int

	now func() time.Time
}

func NewCalculator(
	whales WhaleLister,
	balances BalanceReader,
	prices PriceSource,
	snapshots persistence.SnapshotRepo,
	metrics persistence.MetricsRepo,
	cfg config.AnalysisConfig,
	network string,
	topN int,
	weth, steth common.Address,
) (*Calculator, error) {
	gasTol, ok := new(big.Int).SetString(cfg.GasToleranceWei, 10)
	if !ok || gasTol.Sign() <= 0 {
		return nil, fmt.Errorf("invalid gas_tolerance_wei: %q", cfg.GasToleranceWei)
	}
	return &Calculator{
		whales:    whales,
		balances:  balances,
		prices:    prices,
		snapshots: snapshots,
		metrics:   metrics,
		cfg:       cfg,
		network:   network,
		topN:      topN,
		weth:      weth,
		steth:     steth,
		gasTol:    gasTol,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// whaleState is the per-address working set for one run.
type whaleState struct {
	addr       common.Address
	nativeNow  *big.Int
	wethNow    *big.Int
	stethNow   *big.Int
	nativeHist *big.Int
	wethHist   *big.Int
	stethHist  *big.Int
	deltaPct   *float64
}

// Run executes one analysis tick and persists the resulting metric. The
// caller supplies the validator verdict; on degraded the metric is forced
// anomalous and tagged.
func (c *Calculator) Run(ctx context.Context, gate QualityGate) (*persistence.AccumulationMetric, error) {
	if gate.Status == domain.StatusCritical {
		return nil, ErrQualityCritical
	}

	now := c.now()
	histTarget := now.Add(-time.Duration(c.cfg.LookbackHours) * time.Hour)

	union, err := c.buildUnion(ctx, histTarget)
	if err != nil {
		return nil, err
	}
	if len(union) == 0 {
		return nil, fmt.Errorf("analysis set is empty, no whales to analyse")
	}

	states, rate, err := c.loadBalances(ctx, union, histTarget)
	if err != nil {
		return nil, err
	}
	rateF, _ := rate.Float64()

	metric := persistence.AccumulationMetric{
		ComputedAt:           now,
		LookbackHours:        c.cfg.LookbackHours,
		Network:              c.network,
		StETHRateUsed:        rateF,
		DataQualityStatus:    string(gate.Status),
		DataQualityScore:     gate.Score,
		QualityWarningsCount: gate.WarningsCount,
	}
	tags := domain.NewTagSet()

	// Per-whale deltas over addresses with both balances (Step E).
	paired := states[:0:0]
	for _, s := range states {
		if s.nativeNow != nil && s.nativeHist != nil {
			s.deltaPct = pctChange(s.nativeNow, s.nativeHist)
			if s.deltaPct != nil || (s.nativeHist.Sign() == 0 && s.nativeNow.Sign() == 0) {
				// A zero->zero whale has no defined pct but is still
				// neutral membership; represent it as 0.
				if s.deltaPct == nil {
					zero := 0.0
					s.deltaPct = &zero
				}
				paired = append(paired, s)
			}
		}
	}
	metric.AnalyzedCount = len(paired)

	for _, s := range paired {
		switch {
		case math.Abs(*s.deltaPct) < c.cfg.NeutralBandPct:
			metric.NeutralCount++
		case *s.deltaPct > 0:
			metric.AccumulatorsCount++
		default:
			metric.DistributorsCount++
		}
	}

	// Scores over the paired membership (Step D).
	sumNow, sumHist := new(big.Int), new(big.Int)
	for _, s := range paired {
		sumNow.Add(sumNow, s.nativeNow)
		sumHist.Add(sumHist, s.nativeHist)
	}
	metric.ScoreNativePct = pctChange(sumNow, sumHist)

	c.applyLSTScores(&metric, paired, rate)

	// MAD anomaly detection (Step F).
	deltas := make([]float64, len(paired))
	for i, s := range paired {
		deltas[i] = *s.deltaPct
	}
	m, mad, haveDeltas := medianAbsoluteDeviation(deltas)
	var topDeviant *whaleState
	if haveDeltas {
		metric.MADThresholdPct = c.cfg.MADK * mad
		maxDev := -1.0
		for _, s := range paired {
			dev := math.Abs(*s.deltaPct - m)
			if dev > maxDev {
				maxDev = dev
				topDeviant = s
			}
		}
		// Strict comparison handles the mad=0 case: uniform deltas give
		// maxDev=0 and stay clean, while a single deviant in an otherwise
		// degenerate distribution still exceeds the zero threshold.
		if maxDev > metric.MADThresholdPct {
			metric.IsAnomaly = true
		}
	}

	// Gini over current balances of the whole union, zeros allowed (Step G).
	current := make([]*big.Int, 0, len(states))
	for _, s := range states {
		if s.nativeNow != nil {
			current = append(current, s.nativeNow)
		}
	}
	metric.ConcentrationGini = giniCoefficient(current)

	// LST migration detection in integer Wei (Step H).
	metric.LSTMigrationCount = len(c.detectMigrations(states, rate))

	// Price context at 48h (Step I).
	metric.PriceChangeLookbackPct = c.priceContext(ctx, now)

	// Degraded data quality forces the anomaly flag so consumers never
	// act on a degraded signal as if it were clean.
	if gate.Status == domain.StatusDegraded && haveDeltas {
		metric.IsAnomaly = true
	}
	if metric.IsAnomaly && topDeviant != nil {
		hex := domain.NormalizeAddress(topDeviant.addr)
		metric.TopAnomalyAddress = &hex
	}

	c.assignTags(&metric, tags, gate)
	metric.Tags = tags.Strings()

	id, err := c.metrics.SaveMetric(ctx, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to persist accumulation metric: %w", err)
	}
	metric.ID = id

	c.publishTelemetry(&metric)
	log.Info().
		Int64("id", id).
		Int("analyzed", metric.AnalyzedCount).
		Interface("score_native_pct", metric.ScoreNativePct).
		Bool("anomaly", metric.IsAnomaly).
		Strs("tags", metric.Tags).
		Msg("accumulation metric computed")
	return &metric, nil
}

// buildUnion joins the current top-N with the historically ranked set so
// whales that distributed their way out of the top still count (Step A).
func (c *Calculator) buildUnion(ctx context.Context, histTarget time.Time) ([]common.Address, error) {
	current, err := c.whales.GetTopWhales(ctx, c.topN)
	if err != nil {
		return nil, fmt.Errorf("failed to list current whales: %w", err)
	}

	historical, err := c.snapshots.GetAddressesInTopAtTime(ctx, c.network, histTarget, c.topN, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to load historical top set: %w", err)
	}

	seen := make(map[common.Address]bool, len(current)+len(historical))
	union := make([]common.Address, 0, len(current)+len(historical))
	for _, w := range current {
		if !seen[w.Address] {
			seen[w.Address] = true
			union = append(union, w.Address)
		}
	}
	for hex := range historical {
		addr := common.HexToAddress(hex)
		if !seen[addr] {
			seen[addr] = true
			union = append(union, addr)
		}
	}
	sort.Slice(union, func(i, j int) bool {
		return union[i].Hex() < union[j].Hex()
	})
	return union, nil
}

// loadBalances performs Step B: fresh native and LST reads over the union
// plus nearest-neighbour historical lookups.
func (c *Calculator) loadBalances(ctx context.Context, union []common.Address, histTarget time.Time) ([]*whaleState, decimal.Decimal, error) {
	rate := c.prices.GetStETHETHRate(ctx)

	nativeNow, err := c.balances.GetNativeBalances(ctx, union, nil)
	if err != nil {
		return nil, rate, fmt.Errorf("native balance sweep failed: %w", err)
	}
	wethNow, err := c.balances.GetTokenBalances(ctx, c.weth, union, nil)
	if err != nil {
		log.Warn().Err(err).Msg("weth sweep failed, lst-adjusted score will be null")
		wethNow = nil
	}
	stethNow, err := c.balances.GetTokenBalances(ctx, c.steth, union, nil)
	if err != nil {
		log.Warn().Err(err).Msg("steth sweep failed, lst-adjusted score will be null")
		stethNow = nil
	}

	lower := make([]string, len(union))
	for i, a := range union {
		lower[i] = domain.NormalizeAddress(a)
	}
	hist, err := c.snapshots.GetSnapshotsBatchAtTime(ctx, c.network, lower, histTarget, time.Hour)
	if err != nil {
		return nil, rate, fmt.Errorf("historical snapshot lookup failed: %w", err)
	}

	states := make([]*whaleState, len(union))
	for i, addr := range union {
		s := &whaleState{
			addr:      addr,
			nativeNow: nativeNow[addr],
			wethNow:   wethNow[addr],
			stethNow:  stethNow[addr],
		}
		if snap, ok := hist[domain.NormalizeAddress(addr)]; ok {
			s.nativeHist = snap.NativeBalance
			s.wethHist = snap.WETHBalance
			s.stethHist = snap.StETHBalance
		}
		states[i] = s
	}
	return states, rate, nil
}

// applyLSTScores computes Step C/D's wealth aggregation. The historical
// side reuses current LST balances (the documented approximation: hourly
// LST history may be missing, assuming unchanged keeps the two sides
// comparable). Whales missing any current LST read are excluded from both
// sides rather than treated as holding zero.
func (c *Calculator) applyLSTScores(metric *persistence.AccumulationMetric, paired []*whaleState, rate decimal.Decimal) {
	wealthNow, wealthHist := new(big.Int), new(big.Int)
	totalWETH, totalStETHRated := new(big.Int), new(big.Int)
	covered := 0

	for _, s := range paired {
		if s.wethNow == nil || s.stethNow == nil {
			continue
		}
		stethRated := decimal.NewFromBigInt(s.stethNow, 0).Mul(rate).BigInt()
		lst := new(big.Int).Add(s.wethNow, stethRated)

		wealthNow.Add(wealthNow, new(big.Int).Add(s.nativeNow, lst))
		wealthHist.Add(wealthHist, new(big.Int).Add(s.nativeHist, lst))
		totalWETH.Add(totalWETH, s.wethNow)
		totalStETHRated.Add(totalStETHRated, stethRated)
		covered++
	}
	if covered == 0 {
		return
	}

	metric.ScoreLSTAdjustedPct = pctChange(wealthNow, wealthHist)
	weth := weiToETH(totalWETH)
	steth := weiToETH(totalStETHRated)
	metric.TotalWETHAsETH = &weth
	metric.TotalStETHAsETH = &steth
}

// detectMigrations applies Step H strictly in integer Wei, using stored
// historical LST balances. Whales without complete historical LST data are
// skipped rather than approximated.
func (c *Calculator) detectMigrations(states []*whaleState, rate decimal.Decimal) []domain.MigrationEvent {
	var events []domain.MigrationEvent
	for _, s := range states {
		if s.nativeNow == nil || s.nativeHist == nil ||
			s.wethNow == nil || s.wethHist == nil ||
			s.stethNow == nil || s.stethHist == nil {
			continue
		}

		ethDelta := new(big.Int).Sub(s.nativeNow, s.nativeHist)
		stethDelta := new(big.Int).Sub(s.stethNow, s.stethHist)
		stethDeltaRated := decimal.NewFromBigInt(stethDelta, 0).Mul(rate).BigInt()
		lstDelta := new(big.Int).Add(new(big.Int).Sub(s.wethNow, s.wethHist), stethDeltaRated)

		if ethDelta.Sign() >= 0 || lstDelta.Sign() <= 0 {
			continue
		}
		net := new(big.Int).Add(ethDelta, lstDelta)
		if new(big.Int).Abs(net).Cmp(c.gasTol) >= 0 {
			continue
		}

		events = append(events, domain.MigrationEvent{
			Address:     s.addr,
			ETHDeltaWei: ethDelta,
			LSTDeltaWei: lstDelta,
			NetDeltaWei: net,
		})
		log.Debug().
			Str("address", s.addr.Hex()).
			Str("eth_delta", ethDelta.String()).
			Str("lst_delta", lstDelta.String()).
			Msg("lst migration detected")
	}
	return events
}

// priceContext computes the 48h price change used by the divergence tag.
func (c *Calculator) priceContext(ctx context.Context, now time.Time) *float64 {
	priceNow := c.prices.GetCurrentPrice(ctx, "ETH")
	priceHist := c.prices.GetHistoricalPrice(ctx, "ETH", now.Add(-48*time.Hour))
	if priceNow == nil || priceHist == nil || priceHist.Sign() == 0 {
		return nil
	}
	pct, _ := priceNow.Sub(*priceHist).Div(*priceHist).Mul(decimal.NewFromInt(100)).Float64()
	return &pct
}

// assignTags applies the closed tag vocabulary (Step J).
func (c *Calculator) assignTags(metric *persistence.AccumulationMetric, tags *domain.TagSet, gate QualityGate) {
	if metric.AnalyzedCount < c.cfg.MinWhales {
		tags.Add(domain.TagInsufficientData)
	}
	if float64(metric.AccumulatorsCount) > c.cfg.OrganicAccumulationFrac*float64(metric.AnalyzedCount) && metric.AccumulatorsCount > 0 {
		tags.Add(domain.TagOrganicAccumulation)
	}
	if metric.ConcentrationGini != nil && *metric.ConcentrationGini > c.cfg.GiniConcentrationThreshold {
		tags.Add(domain.TagConcentratedSignal)
	}
	if metric.PriceChangeLookbackPct != nil && metric.ScoreNativePct != nil &&
		*metric.PriceChangeLookbackPct < c.cfg.DivergencePricePct &&
		*metric.ScoreNativePct > c.cfg.DivergenceScorePct {
		tags.Add(domain.TagBullishDivergence)
	}
	if metric.LSTMigrationCount > 0 {
		tags.Add(domain.TagLSTMigration)
	}
	// Both sides of the conviction comparison are percentages of the same
	// delta population; mixing units here has bitten before.
	if metric.ScoreLSTAdjustedPct != nil && !metric.IsAnomaly &&
		*metric.ScoreLSTAdjustedPct > 3*metric.MADThresholdPct {
		tags.Add(domain.TagHighConviction)
	}
	if metric.StETHRateUsed < 0.98 {
		tags.Add(domain.TagDepegRisk)
	}
	if metric.IsAnomaly {
		tags.Add(domain.TagAnomalyAlert)
	}
	if gate.Status == domain.StatusDegraded {
		tags.Add(domain.TagDataQualityWarning)
	}
}

func (c *Calculator) publishTelemetry(m *persistence.AccumulationMetric) {
	if m.ScoreNativePct != nil {
		telemetry.AccumulationScore.WithLabelValues("native").Set(*m.ScoreNativePct)
	}
	if m.ScoreLSTAdjustedPct != nil {
		telemetry.AccumulationScore.WithLabelValues("lst_adjusted").Set(*m.ScoreLSTAdjustedPct)
	}
}
