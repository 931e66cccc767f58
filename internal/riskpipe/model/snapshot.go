package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Quality flags carried on snapshots instead of aborting the run.
const (
	QualityStalePrice          = "stale_price"
	QualityInsufficientHistory = "insufficient_history"
)

// Risk level labels, derived from thirds of the score range.
const (
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"
)

// PricePoint is one oracle round usable to convert token amounts to USD.
// Immutable once fetched; rounds are final so caching by round id is safe
// indefinitely.
type PricePoint struct {
	Feed      common.Address
	RoundID   *big.Int
	PriceUSD  decimal.Decimal
	UpdatedAt int64

	// IsStale is set when the round's own timestamp is older than the
	// freshness threshold relative to the event being normalized.
	IsStale bool
}

// RiskSnapshot is the published record for one closed hourly window.
// Derived 1:1 from the window plus its trailing 24h of history; re-derivable
// byte-for-byte from the same inputs.
type RiskSnapshot struct {
	Timestamp      time.Time          `json:"timestamp"`
	TVLUSD         float64            `json:"tvl_usd"`
	Volatility24h  *float64           `json:"volatility_24h"`
	LiquidityDepth float64            `json:"liquidity_depth"`
	RiskScore      float64            `json:"risk_score"`
	QualityFlag    *string            `json:"quality_flag"`
	RiskLevel      string             `json:"risk_level"`
	Components     map[string]float64 `json:"components,omitempty"`
}

// WindowStart returns the snapshot's hour bucket as unix seconds, the
// idempotency key for every sink.
func (s RiskSnapshot) WindowStart() int64 { return s.Timestamp.Unix() }

// USD converts a token amount through a price point.
func USD(amount decimal.Decimal, p PricePoint) decimal.Decimal {
	return amount.Mul(p.PriceUSD)
}
