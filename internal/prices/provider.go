// Package prices is the HTTP price API client: current and historical asset
// prices plus the stETH/ETH exchange rate, with TTL caches sized so the
// hourly pipeline stays well inside free-tier quotas.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/whalepulse/whalepulse/infra/breakers"
	"github.com/whalepulse/whalepulse/internal/cache"
)

// Config holds provider tuning. Zero values get conservative defaults.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateTTL        time.Duration // stETH/ETH rate cache
	HistoricalTTL  time.Duration // historical price cache
	DepegWarnLow   float64
	DepegWarnHigh  float64
}

// Provider fetches prices over HTTP. Transient failures are localized:
// price getters return nil and the rate getter falls back to 1.0, so the
// pipeline degrades instead of crashing.
type Provider struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *breakers.Breaker
	cache   cache.Cache
}

func NewProvider(cfg Config, c cache.Cache) *Provider {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 3.0
	}
	if cfg.RateTTL == 0 {
		cfg.RateTTL = 5 * time.Minute
	}
	if cfg.HistoricalTTL == 0 {
		cfg.HistoricalTTL = 6 * time.Hour
	}
	if cfg.DepegWarnLow == 0 {
		cfg.DepegWarnLow = 0.98
	}
	if cfg.DepegWarnHigh == 0 {
		cfg.DepegWarnHigh = 1.02
	}
	if c == nil {
		c = cache.NewInProcess()
	}
	return &Provider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		breaker: breakers.New("price-api"),
		cache:   c,
	}
}

type priceResponse struct {
	Price json.Number `json:"price"`
}

type rateResponse struct {
	Rate json.Number `json:"rate"`
}

// GetCurrentPrice returns the asset's current price, or nil when the API is
// unavailable. Current prices are deliberately not cached: the analysis
// cadence is hours, one fresh read per run is cheap and always current.
func (p *Provider) GetCurrentPrice(ctx context.Context, asset string) *decimal.Decimal {
	body, err := p.get(ctx, "/v1/price/current", url.Values{"asset": {asset}})
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("current price fetch failed")
		return nil
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("current price response unparseable")
		return nil
	}
	d, err := decimal.NewFromString(resp.Price.String())
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("current price not a decimal")
		return nil
	}
	return &d
}

// GetHistoricalPrice returns the asset's price at the given instant, or nil
// when unavailable. Cached per (asset, hour) for HistoricalTTL: historical
// prices never change, the TTL only bounds memory.
func (p *Provider) GetHistoricalPrice(ctx context.Context, asset string, at time.Time) *decimal.Decimal {
	hour := at.UTC().Truncate(time.Hour)
	key := "hist:" + asset + ":" + strconv.FormatInt(hour.Unix(), 10)

	if cached, ok := p.cache.Get(ctx, key); ok {
		if d, err := decimal.NewFromString(cached); err == nil {
			return &d
		}
	}

	body, err := p.get(ctx, "/v1/price/historical", url.Values{
		"asset": {asset},
		"ts":    {strconv.FormatInt(hour.Unix(), 10)},
	})
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Time("at", hour).Msg("historical price fetch failed")
		return nil
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("historical price response unparseable")
		return nil
	}
	d, err := decimal.NewFromString(resp.Price.String())
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("historical price not a decimal")
		return nil
	}

	p.cache.Set(ctx, key, d.String(), p.cfg.HistoricalTTL)
	return &d
}

// GetStETHETHRate returns the current stETH/ETH rate. Never nil: on any
// failure the peg assumption 1.0 is returned with a warning, keeping the
// LST adjustment conservative rather than absent.
func (p *Provider) GetStETHETHRate(ctx context.Context) decimal.Decimal {
	const key = "steth-eth-rate"

	if cached, ok := p.cache.Get(ctx, key); ok {
		if d, err := decimal.NewFromString(cached); err == nil {
			return d
		}
	}

	body, err := p.get(ctx, "/v1/rate/steth-eth", nil)
	if err != nil {
		log.Warn().Err(err).Msg("steth rate fetch failed, assuming 1.0 peg")
		return decimal.NewFromInt(1)
	}

	var resp rateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn().Err(err).Msg("steth rate response unparseable, assuming 1.0 peg")
		return decimal.NewFromInt(1)
	}
	d, err := decimal.NewFromString(resp.Rate.String())
	if err != nil || d.Sign() <= 0 {
		log.Warn().Str("raw", resp.Rate.String()).Msg("steth rate invalid, assuming 1.0 peg")
		return decimal.NewFromInt(1)
	}

	rateF, _ := d.Float64()
	if rateF < p.cfg.DepegWarnLow || rateF > p.cfg.DepegWarnHigh {
		log.Warn().Float64("rate", rateF).
			Float64("warn_low", p.cfg.DepegWarnLow).
			Float64("warn_high", p.cfg.DepegWarnHigh).
			Msg("stETH/ETH rate outside de-peg warning band")
	}

	p.cache.Set(ctx, key, d.String(), p.cfg.RateTTL)
	return d
}

func (p *Provider) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := p.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	out, err := p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if p.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", p.cfg.APIKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("price api returned %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
