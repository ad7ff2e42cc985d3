package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
chain:
  rpc_url: "https://rpc.example.org"
database:
  dsn: "postgres://localhost/whalepulse"
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "ethereum", cfg.Network)
	assert.Equal(t, 1000, cfg.Whales.TopN)
	assert.Equal(t, 500, cfg.Chain.ChunkSize)
	assert.Equal(t, "0xcA11bde05977b3631167028862bE2a173976CA11", cfg.Chain.MulticallAddress)
	assert.Equal(t, 24, cfg.Analysis.LookbackHours)
	assert.Equal(t, 3.0, cfg.Analysis.MADK)
	assert.Equal(t, 0.85, cfg.Analysis.GiniConcentrationThreshold)
	assert.Equal(t, "10000000000000000", cfg.Analysis.GasToleranceWei)
	assert.Equal(t, 0.85, cfg.Quality.DensityHealthy)
	assert.Equal(t, 0.70, cfg.Quality.DensityDegraded)
	assert.Equal(t, 12, cfg.Quality.BlockTimeSecs)
	assert.Equal(t, 1, cfg.Jobs.SnapshotIntervalHours)
	assert.Equal(t, 6, cfg.Jobs.AnalysisIntervalHours)
	assert.Equal(t, 30*time.Second, cfg.ChainTimeout())
	assert.Equal(t, time.Hour, cfg.SnapshotInterval())
	assert.Equal(t, 6*time.Hour, cfg.AnalysisInterval())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("WHALEPULSE_RPC_URL", "https://override.example.org")
	t.Setenv("WHALEPULSE_DB_DSN", "postgres://override/whalepulse")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.org", cfg.Chain.RPCURL)
	assert.Equal(t, "postgres://override/whalepulse", cfg.Database.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Chain.RPCURL = "https://rpc.example.org"
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing rpc url", func(c *Config) { c.Chain.RPCURL = "" }, "rpc_url"},
		{"chunk size too large", func(c *Config) { c.Chain.ChunkSize = 5000 }, "chunk_size"},
		{"negative top_n", func(c *Config) { c.Whales.TopN = -1 }, "top_n"},
		{"zero mad_k", func(c *Config) { c.Analysis.MADK = -1 }, "mad_k"},
		{"gini above one", func(c *Config) { c.Analysis.GiniConcentrationThreshold = 1.5 }, "gini"},
		{"positive divergence price", func(c *Config) { c.Analysis.DivergencePricePct = 2 }, "divergence_price_pct"},
		{"density order inverted", func(c *Config) { c.Quality.DensityDegraded = 0.9 }, "density_degraded"},
		{"lst bounds inverted", func(c *Config) { c.Quality.LSTRateHardLow = 1.2 }, "lst_rate_hard_low"},
		{"zero analysis interval", func(c *Config) { c.Jobs.AnalysisIntervalHours = -1 }, "intervals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
