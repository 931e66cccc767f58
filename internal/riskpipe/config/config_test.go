package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

func validConfig() *Config {
	return &Config{
		RPCURL: "http://localhost:8545",
		Contracts: []Contract{{
			Address:   "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
			Protocol:  "uniswap_v2",
			Decimals:  18,
			PriceFeed: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		}},
		OutputDir: "./out",
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(12), cfg.Confirmations)
	assert.Equal(t, uint64(2000), cfg.ChunkSize)
	assert.Equal(t, int64(3600), cfg.WindowSec)
	assert.Equal(t, int64(3600), cfg.FreshnessSec)
	assert.Equal(t, int64(7200), cfg.DedupTTLSec)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(10_000), cfg.Retry.TimeoutMs)
	assert.Equal(t, "./data/cursor.json", cfg.CursorPath)

	s := cfg.Scoring
	assert.InDelta(t, 1.0, s.WeightVolatility+s.WeightLiquidity+s.WeightTVLDrop, 1e-9)
	assert.Equal(t, 0.02, s.ImpactThreshold)
}

func TestValidateResolvesContractFields(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	ct := &cfg.Contracts[0]
	assert.Equal(t, model.ProtocolUniswapV2, ct.Family())
	assert.Equal(t, ct.Address, ct.Addr().Hex())
	assert.Equal(t, ct.PriceFeed, ct.Feed().Hex())
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }},
		{"no contracts", func(c *Config) { c.Contracts = nil }},
		{"malformed address", func(c *Config) { c.Contracts[0].Address = "not-hex" }},
		{"malformed feed", func(c *Config) { c.Contracts[0].PriceFeed = "0x123" }},
		{"unknown protocol", func(c *Config) { c.Contracts[0].Protocol = "uniswap_v9" }},
		{"decimals out of range", func(c *Config) { c.Contracts[0].Decimals = 0 }},
		{"bad value token index", func(c *Config) { c.Contracts[0].ValueTokenIndex = 2 }},
		{"no sink", func(c *Config) { c.OutputDir = "" }},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = "localhost:9092" }},
		{"negative fallback", func(c *Config) { c.FallbackPriceUSD = "-1" }},
		{"weights off", func(c *Config) {
			c.Scoring.WeightVolatility = 0.5
			c.Scoring.WeightLiquidity = 0.5
			c.Scoring.WeightTVLDrop = 0.5
		}},
		{"impact threshold out of range", func(c *Config) { c.Scoring.ImpactThreshold = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateParsesFallbackPrice(t *testing.T) {
	cfg := validConfig()
	cfg.FallbackPriceUSD = "2450.12"
	require.NoError(t, cfg.Validate())

	p, ok := cfg.FallbackPrice()
	require.True(t, ok)
	assert.Equal(t, "2450.12", p.String())

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
	_, ok = cfg.FallbackPrice()
	assert.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"rpc_url": "http://localhost:8545",
		"contracts": [{
			"address": "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc",
			"protocol": "uniswap_v2",
			"decimals": 18,
			"price_feed": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
		}],
		"start_block": 19000000,
		"output_dir": "./out"
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(19_000_000), cfg.StartBlock)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
