package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration, loaded once at startup.
// Secrets (DSN, RPC URL, bot token) may be supplied via environment
// variables which take precedence over the YAML values.
type Config struct {
	Network  string         `yaml:"network"`
	Chain    ChainConfig    `yaml:"chain"`
	Whales   WhalesConfig   `yaml:"whales"`
	Prices   PricesConfig   `yaml:"prices"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Quality  QualityConfig  `yaml:"quality"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// ChainConfig configures the JSON-RPC endpoint and the multicall batcher.
type ChainConfig struct {
	RPCURL           string `yaml:"rpc_url"`
	MulticallAddress string `yaml:"multicall_address"`
	ChunkSize        int    `yaml:"chunk_size"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	WETHAddress      string `yaml:"weth_address"`
	StETHAddress     string `yaml:"steth_address"`
}

// WhalesConfig configures the top-N whale list provider.
type WhalesConfig struct {
	TopN            int      `yaml:"top_n"`
	CandidatesFile  string   `yaml:"candidates_file"`
	MinBalanceWei   string   `yaml:"min_balance_wei"` // decimal string, "0" keeps all non-nil
	ExtraDenylisted []string `yaml:"extra_denylisted"`
}

// PricesConfig configures the HTTP price API client and its caches.
type PricesConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms"`
	RateLimitRPS      float64 `yaml:"rate_limit_rps"`
	RateTTLSecs       int     `yaml:"rate_ttl_secs"`       // stETH/ETH rate cache
	HistoricalTTLSecs int     `yaml:"historical_ttl_secs"` // historical price cache
	DepegWarnLow      float64 `yaml:"depeg_warn_low"`
	DepegWarnHigh     float64 `yaml:"depeg_warn_high"`
}

// DatabaseConfig configures the postgres connection.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// RedisConfig enables the optional Redis price-cache backend.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// AnalysisConfig holds the calculator thresholds.
type AnalysisConfig struct {
	LookbackHours              int     `yaml:"lookback_hours"`
	MinWhales                  int     `yaml:"min_whales"`
	MADK                       float64 `yaml:"mad_k"`
	GiniConcentrationThreshold float64 `yaml:"gini_concentration_threshold"`
	OrganicAccumulationFrac    float64 `yaml:"organic_accumulation_fraction"`
	DivergencePricePct         float64 `yaml:"divergence_price_pct"`
	DivergenceScorePct         float64 `yaml:"divergence_score_pct"`
	GasToleranceWei            string  `yaml:"gas_tolerance_wei"` // decimal string
	NeutralBandPct             float64 `yaml:"neutral_band_pct"`
}

// QualityConfig holds the validator thresholds.
type QualityConfig struct {
	WindowHours      int     `yaml:"window_hours"`
	DensityHealthy   float64 `yaml:"density_healthy"`
	DensityDegraded  float64 `yaml:"density_degraded"`
	OutlierChangePct float64 `yaml:"outlier_change_pct"`
	LSTRateHardLow   float64 `yaml:"lst_rate_hard_low"`
	LSTRateHardHigh  float64 `yaml:"lst_rate_hard_high"`
	DriftSampleSize  int     `yaml:"drift_sample_size"`
	BlockTimeSecs    int     `yaml:"block_time_secs"`
	ReportDir        string  `yaml:"report_dir"` // empty disables JSON audit dumps
}

// JobsConfig holds the scheduler cadence.
type JobsConfig struct {
	SnapshotIntervalHours int `yaml:"snapshot_interval_hours"`
	AnalysisIntervalHours int `yaml:"analysis_interval_hours"`
}

// NotifyConfig configures the outbound alert channel.
type NotifyConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// HTTPConfig configures the operational HTTP surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, defaults, env-overrides and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = "ethereum"
	}
	if c.Chain.MulticallAddress == "" {
		c.Chain.MulticallAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"
	}
	if c.Chain.ChunkSize == 0 {
		c.Chain.ChunkSize = 500
	}
	if c.Chain.RequestTimeoutMS == 0 {
		c.Chain.RequestTimeoutMS = 30_000
	}
	if c.Chain.WETHAddress == "" {
		c.Chain.WETHAddress = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	}
	if c.Chain.StETHAddress == "" {
		c.Chain.StETHAddress = "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84"
	}
	if c.Whales.TopN == 0 {
		c.Whales.TopN = 1000
	}
	if c.Whales.MinBalanceWei == "" {
		c.Whales.MinBalanceWei = "0"
	}
	if c.Prices.RequestTimeoutMS == 0 {
		c.Prices.RequestTimeoutMS = 10_000
	}
	if c.Prices.RateLimitRPS == 0 {
		c.Prices.RateLimitRPS = 3.0
	}
	if c.Prices.RateTTLSecs == 0 {
		c.Prices.RateTTLSecs = 300
	}
	if c.Prices.HistoricalTTLSecs == 0 {
		c.Prices.HistoricalTTLSecs = 6 * 3600
	}
	if c.Prices.DepegWarnLow == 0 {
		c.Prices.DepegWarnLow = 0.98
	}
	if c.Prices.DepegWarnHigh == 0 {
		c.Prices.DepegWarnHigh = 1.02
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.QueryTimeoutMS == 0 {
		c.Database.QueryTimeoutMS = 15_000
	}
	if c.Analysis.LookbackHours == 0 {
		c.Analysis.LookbackHours = 24
	}
	if c.Analysis.MinWhales == 0 {
		c.Analysis.MinWhales = 20
	}
	if c.Analysis.MADK == 0 {
		c.Analysis.MADK = 3
	}
	if c.Analysis.GiniConcentrationThreshold == 0 {
		c.Analysis.GiniConcentrationThreshold = 0.85
	}
	if c.Analysis.OrganicAccumulationFrac == 0 {
		c.Analysis.OrganicAccumulationFrac = 0.25
	}
	if c.Analysis.DivergencePricePct == 0 {
		c.Analysis.DivergencePricePct = -2.0
	}
	if c.Analysis.DivergenceScorePct == 0 {
		c.Analysis.DivergenceScorePct = 0.2
	}
	if c.Analysis.GasToleranceWei == "" {
		c.Analysis.GasToleranceWei = "10000000000000000" // 0.01 ETH
	}
	if c.Analysis.NeutralBandPct == 0 {
		c.Analysis.NeutralBandPct = 0.01
	}
	if c.Quality.WindowHours == 0 {
		c.Quality.WindowHours = 24
	}
	if c.Quality.DensityHealthy == 0 {
		c.Quality.DensityHealthy = 0.85
	}
	if c.Quality.DensityDegraded == 0 {
		c.Quality.DensityDegraded = 0.70
	}
	if c.Quality.OutlierChangePct == 0 {
		c.Quality.OutlierChangePct = 50.0
	}
	if c.Quality.LSTRateHardLow == 0 {
		c.Quality.LSTRateHardLow = 0.90
	}
	if c.Quality.LSTRateHardHigh == 0 {
		c.Quality.LSTRateHardHigh = 1.10
	}
	if c.Quality.DriftSampleSize == 0 {
		c.Quality.DriftSampleSize = 50
	}
	if c.Quality.BlockTimeSecs == 0 {
		c.Quality.BlockTimeSecs = 12
	}
	if c.Jobs.SnapshotIntervalHours == 0 {
		c.Jobs.SnapshotIntervalHours = 1
	}
	if c.Jobs.AnalysisIntervalHours == 0 {
		c.Jobs.AnalysisIntervalHours = 6
	}
	if c.Notify.RequestTimeoutMS == 0 {
		c.Notify.RequestTimeoutMS = 10_000
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8087"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WHALEPULSE_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("WHALEPULSE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("WHALEPULSE_PRICE_API_KEY"); v != "" {
		c.Prices.APIKey = v
	}
	if v := os.Getenv("WHALEPULSE_TELEGRAM_TOKEN"); v != "" {
		c.Notify.TelegramBotToken = v
	}
	if v := os.Getenv("WHALEPULSE_TELEGRAM_CHAT"); v != "" {
		c.Notify.TelegramChatID = v
	}
}

// Validate rejects configurations the pipeline cannot run safely with.
// A validation failure is fatal at startup.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url is required")
	}
	if c.Chain.ChunkSize <= 0 || c.Chain.ChunkSize > 2000 {
		return fmt.Errorf("chain chunk_size must be in (0, 2000], got %d", c.Chain.ChunkSize)
	}
	if c.Whales.TopN <= 0 {
		return fmt.Errorf("whales top_n must be positive, got %d", c.Whales.TopN)
	}
	if c.Analysis.LookbackHours <= 0 {
		return fmt.Errorf("analysis lookback_hours must be positive, got %d", c.Analysis.LookbackHours)
	}
	if c.Analysis.MADK <= 0 {
		return fmt.Errorf("analysis mad_k must be positive, got %f", c.Analysis.MADK)
	}
	if c.Analysis.GiniConcentrationThreshold < 0 || c.Analysis.GiniConcentrationThreshold > 1 {
		return fmt.Errorf("analysis gini_concentration_threshold must be in [0,1], got %f", c.Analysis.GiniConcentrationThreshold)
	}
	if c.Analysis.OrganicAccumulationFrac <= 0 || c.Analysis.OrganicAccumulationFrac > 1 {
		return fmt.Errorf("analysis organic_accumulation_fraction must be in (0,1], got %f", c.Analysis.OrganicAccumulationFrac)
	}
	if c.Analysis.DivergencePricePct >= 0 {
		return fmt.Errorf("analysis divergence_price_pct must be negative, got %f", c.Analysis.DivergencePricePct)
	}
	if c.Quality.DensityDegraded >= c.Quality.DensityHealthy {
		return fmt.Errorf("quality density_degraded (%f) must be below density_healthy (%f)",
			c.Quality.DensityDegraded, c.Quality.DensityHealthy)
	}
	if c.Quality.DensityHealthy > 1 || c.Quality.DensityDegraded <= 0 {
		return fmt.Errorf("quality density thresholds must be in (0,1]")
	}
	if c.Quality.LSTRateHardLow >= c.Quality.LSTRateHardHigh {
		return fmt.Errorf("quality lst_rate_hard_low must be below lst_rate_hard_high")
	}
	if c.Quality.OutlierChangePct <= 0 {
		return fmt.Errorf("quality outlier_change_pct must be positive, got %f", c.Quality.OutlierChangePct)
	}
	if c.Prices.DepegWarnLow >= c.Prices.DepegWarnHigh {
		return fmt.Errorf("prices depeg_warn_low must be below depeg_warn_high")
	}
	if c.Jobs.SnapshotIntervalHours <= 0 || c.Jobs.AnalysisIntervalHours <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	return nil
}

// ChainTimeout returns the per-request RPC timeout.
func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Chain.RequestTimeoutMS) * time.Millisecond
}

// DBTimeout returns the per-query database timeout.
func (c *Config) DBTimeout() time.Duration {
	return time.Duration(c.Database.QueryTimeoutMS) * time.Millisecond
}

// PricesTimeout returns the per-request price API timeout.
func (c *Config) PricesTimeout() time.Duration {
	return time.Duration(c.Prices.RequestTimeoutMS) * time.Millisecond
}

// PricesRateTTL returns the stETH/ETH rate cache TTL.
func (c *Config) PricesRateTTL() time.Duration {
	return time.Duration(c.Prices.RateTTLSecs) * time.Second
}

// PricesHistoricalTTL returns the historical price cache TTL.
func (c *Config) PricesHistoricalTTL() time.Duration {
	return time.Duration(c.Prices.HistoricalTTLSecs) * time.Second
}

// SnapshotInterval returns the snapshot job cadence.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Jobs.SnapshotIntervalHours) * time.Hour
}

// AnalysisInterval returns the analysis job cadence.
func (c *Config) AnalysisInterval() time.Duration {
	return time.Duration(c.Jobs.AnalysisIntervalHours) * time.Hour
}

// NotifyTimeout returns the outbound notification request timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.RequestTimeoutMS) * time.Millisecond
}
