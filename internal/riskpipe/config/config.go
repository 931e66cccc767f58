package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// Contract is one tracked on-chain contract. ValueTokenIndex names which
// side of an AMM pair is the priced reference token (0 or 1); lending
// markets use the underlying token's decimals and ignore the index.
type Contract struct {
	Address         string `json:"address"`
	Protocol        string `json:"protocol"`
	Decimals        int32  `json:"decimals"`
	ValueTokenIndex int    `json:"value_token_index"`
	PriceFeed       string `json:"price_feed"`

	addr     common.Address
	feed     common.Address
	protocol model.Protocol
}

func (c *Contract) Addr() common.Address   { return c.addr }
func (c *Contract) Feed() common.Address   { return c.feed }
func (c *Contract) Family() model.Protocol { return c.protocol }

type Retry struct {
	MaxAttempts int   `json:"max_attempts"`
	BaseDelayMs int64 `json:"base_delay_ms"`
	MaxDelayMs  int64 `json:"max_delay_ms"`
	JitterMs    int64 `json:"jitter_ms"`

	// TimeoutMs is the per-attempt deadline on every network call.
	TimeoutMs int64 `json:"timeout_ms"`
}

func (r Retry) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r Retry) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMs) * time.Millisecond }
func (r Retry) Jitter() time.Duration    { return time.Duration(r.JitterMs) * time.Millisecond }
func (r Retry) Timeout() time.Duration   { return time.Duration(r.TimeoutMs) * time.Millisecond }

// Scoring holds the weights and normalization bounds for the risk score.
// Weights must sum to 1; the published score is always in [0, 10].
type Scoring struct {
	WeightVolatility float64 `json:"weight_volatility"`
	WeightLiquidity  float64 `json:"weight_liquidity"`
	WeightTVLDrop    float64 `json:"weight_tvl_drop"`

	VolatilityBound float64 `json:"volatility_bound"`
	DepthBoundUSD   float64 `json:"depth_bound_usd"`
	TVLDropBound    float64 `json:"tvl_drop_bound"`

	// ImpactThreshold is the price impact at which liquidity depth is
	// measured, e.g. 0.02 for 2%.
	ImpactThreshold float64 `json:"impact_threshold"`
}

type Config struct {
	RPCURL    string     `json:"rpc_url"`
	Contracts []Contract `json:"contracts"`

	Confirmations    uint64 `json:"confirmations"`
	ChunkSize        uint64 `json:"chunk_size"`
	StartBlock       uint64 `json:"start_block"`
	FetchConcurrency int    `json:"fetch_concurrency"`

	Retry Retry `json:"retry"`

	FreshnessSec     int64  `json:"freshness_sec"`
	FallbackPriceUSD string `json:"fallback_price_usd,omitempty"`

	WindowSec int64 `json:"window_sec"`

	Scoring Scoring `json:"scoring"`

	CursorPath  string `json:"cursor_path"`
	DedupPath   string `json:"dedup_path,omitempty"`
	DedupTTLSec int64  `json:"dedup_ttl_sec"`

	OutputDir    string `json:"output_dir"`
	PostgresURL  string `json:"postgres_url,omitempty"`
	KafkaBrokers string `json:"kafka_brokers,omitempty"`
	KafkaTopic   string `json:"kafka_topic,omitempty"`

	OpsAddr string `json:"ops_addr,omitempty"`

	fallbackPrice decimal.Decimal
	hasFallback   bool
}

// FallbackPrice returns the configured static price used when the oracle is
// unreachable, and whether one is set.
func (c *Config) FallbackPrice() (decimal.Decimal, bool) {
	return c.fallbackPrice, c.hasFallback
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration and applies defaults. It must pass
// before any chain interaction; a bad config fails the process at startup.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("config: rpc_url is required")
	}
	if len(c.Contracts) == 0 {
		return fmt.Errorf("config: at least one contract is required")
	}
	for i := range c.Contracts {
		ct := &c.Contracts[i]
		if !common.IsHexAddress(ct.Address) {
			return fmt.Errorf("config: contracts[%d]: malformed address %q", i, ct.Address)
		}
		ct.addr = common.HexToAddress(ct.Address)
		if !common.IsHexAddress(ct.PriceFeed) {
			return fmt.Errorf("config: contracts[%d]: malformed price_feed %q", i, ct.PriceFeed)
		}
		ct.feed = common.HexToAddress(ct.PriceFeed)
		switch model.Protocol(ct.Protocol) {
		case model.ProtocolUniswapV2, model.ProtocolCompoundV2:
			ct.protocol = model.Protocol(ct.Protocol)
		default:
			return fmt.Errorf("config: contracts[%d]: unknown protocol %q", i, ct.Protocol)
		}
		if ct.Decimals <= 0 || ct.Decimals > 36 {
			return fmt.Errorf("config: contracts[%d]: decimals out of range: %d", i, ct.Decimals)
		}
		if ct.ValueTokenIndex != 0 && ct.ValueTokenIndex != 1 {
			return fmt.Errorf("config: contracts[%d]: value_token_index must be 0 or 1", i)
		}
	}

	if c.Confirmations == 0 {
		c.Confirmations = 12
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 2000
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 200
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 5000
	}
	if c.Retry.JitterMs < 0 {
		c.Retry.JitterMs = 0
	}
	if c.Retry.TimeoutMs <= 0 {
		c.Retry.TimeoutMs = 10_000
	}
	if c.FreshnessSec <= 0 {
		c.FreshnessSec = 3600
	}
	if c.WindowSec <= 0 {
		c.WindowSec = 3600
	}
	if c.DedupTTLSec <= 0 {
		c.DedupTTLSec = 2 * c.WindowSec
	}
	if c.CursorPath == "" {
		c.CursorPath = "./data/cursor.json"
	}
	if c.OutputDir == "" && c.PostgresURL == "" && c.KafkaBrokers == "" {
		return fmt.Errorf("config: no snapshot sink configured (output_dir, postgres_url or kafka_brokers)")
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		return fmt.Errorf("config: kafka_brokers set but kafka_topic empty")
	}

	if c.FallbackPriceUSD != "" {
		p, err := decimal.NewFromString(c.FallbackPriceUSD)
		if err != nil {
			return fmt.Errorf("config: fallback_price_usd: %w", err)
		}
		if p.Sign() <= 0 {
			return fmt.Errorf("config: fallback_price_usd must be positive")
		}
		c.fallbackPrice = p
		c.hasFallback = true
	}

	return c.validateScoring()
}

func (c *Config) validateScoring() error {
	s := &c.Scoring
	if s.WeightVolatility == 0 && s.WeightLiquidity == 0 && s.WeightTVLDrop == 0 {
		// original model's weighting, renormalized to three factors
		s.WeightVolatility = 0.40
		s.WeightLiquidity = 0.35
		s.WeightTVLDrop = 0.25
	}
	sum := s.WeightVolatility + s.WeightLiquidity + s.WeightTVLDrop
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("config: scoring weights must sum to 1, got %v", sum)
	}
	if s.WeightVolatility < 0 || s.WeightLiquidity < 0 || s.WeightTVLDrop < 0 {
		return fmt.Errorf("config: scoring weights must be non-negative")
	}
	if s.VolatilityBound <= 0 {
		s.VolatilityBound = 0.2
	}
	if s.DepthBoundUSD <= 0 {
		s.DepthBoundUSD = 1_000_000
	}
	if s.TVLDropBound <= 0 {
		s.TVLDropBound = 0.5
	}
	if s.ImpactThreshold <= 0 || s.ImpactThreshold >= 1 {
		if s.ImpactThreshold == 0 {
			s.ImpactThreshold = 0.02
		} else {
			return fmt.Errorf("config: impact_threshold must be in (0,1), got %v", s.ImpactThreshold)
		}
	}
	return nil
}

func (c *Config) Freshness() time.Duration {
	return time.Duration(c.FreshnessSec) * time.Second
}
