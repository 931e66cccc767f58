package scorer

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/aggregator"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/config"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

func testScoring() config.Scoring {
	return config.Scoring{
		WeightVolatility: 0.40,
		WeightLiquidity:  0.35,
		WeightTVLDrop:    0.25,
		VolatilityBound:  0.2,
		DepthBoundUSD:    1_000_000,
		TVLDropBound:     0.5,
		ImpactThreshold:  0.02,
	}
}

func window(start int64, tvl string) *aggregator.Window {
	return &aggregator.Window{
		Start:  start,
		End:    start + 3600,
		TVLUSD: decimal.RequireFromString(tvl),
	}
}

func withSample(w *aggregator.Window, base, quote string) *aggregator.Window {
	w.LastSample = aggregator.ReserveSample{
		Timestamp:    w.Start,
		ReserveBase:  decimal.RequireFromString(base),
		ReserveQuote: decimal.RequireFromString(quote),
	}
	w.HasSample = true
	return w
}

func TestScoreStaysInBounds(t *testing.T) {
	s := New(testScoring())

	// wild ratio swings and a near-total TVL collapse
	history := []*aggregator.Window{
		withSample(window(0, "1000000"), "100", "400"),
		withSample(window(3600, "900000"), "100", "4000"),
		withSample(window(7200, "800000"), "100", "40"),
	}
	w := withSample(window(10800, "1000"), "100", "9000")
	w.LastPriceUSD = decimal.RequireFromString("2")

	snap := s.Score(w, history)
	assert.GreaterOrEqual(t, snap.RiskScore, 0.0)
	assert.LessOrEqual(t, snap.RiskScore, 10.0)
	assert.Equal(t, model.RiskLevelHigh, snap.RiskLevel)
}

func TestInsufficientHistoryFlagged(t *testing.T) {
	s := New(testScoring())

	w := window(0, "1000")
	snap := s.Score(w, nil)

	require.Nil(t, snap.Volatility24h)
	require.NotNil(t, snap.QualityFlag)
	assert.Equal(t, model.QualityInsufficientHistory, *snap.QualityFlag)
}

func TestConstantRatioHasZeroVolatility(t *testing.T) {
	s := New(testScoring())

	history := []*aggregator.Window{
		withSample(window(0, "1000"), "100", "400"),
	}
	w := withSample(window(3600, "1000"), "200", "800") // same ratio

	snap := s.Score(w, history)
	require.NotNil(t, snap.Volatility24h)
	assert.Zero(t, *snap.Volatility24h)
	assert.Nil(t, snap.QualityFlag)
}

func TestStaleAndMissingHistoryFlagsSortedAndJoined(t *testing.T) {
	s := New(testScoring())

	w := window(0, "1000")
	w.StalePrice = true
	snap := s.Score(w, nil)

	require.NotNil(t, snap.QualityFlag)
	assert.Equal(t, "insufficient_history,stale_price", *snap.QualityFlag)
}

func TestTVLDropRaisesScore(t *testing.T) {
	s := New(testScoring())

	prev := window(0, "100000")
	flat := s.Score(window(3600, "100000"), []*aggregator.Window{prev})
	dropped := s.Score(window(3600, "50000"), []*aggregator.Window{prev})

	assert.Greater(t, dropped.RiskScore, flat.RiskScore)
	assert.Equal(t, 2.5, dropped.Components["tvl_drop"]) // full 0.25 weight
}

func TestDeepLiquidityLowersScore(t *testing.T) {
	s := New(testScoring())

	shallow := withSample(window(0, "1000"), "100", "400")
	shallow.LastPriceUSD = decimal.RequireFromString("2")
	deep := withSample(window(0, "1000"), "100000000", "400000000")
	deep.LastPriceUSD = decimal.RequireFromString("2")

	shallowSnap := s.Score(shallow, nil)
	deepSnap := s.Score(deep, nil)

	assert.Greater(t, shallowSnap.RiskScore, deepSnap.RiskScore)
	assert.Greater(t, deepSnap.LiquidityDepth, 1_000_000.0)
}

func TestLendingSupplyCountsTowardTVL(t *testing.T) {
	s := New(testScoring())

	w := window(0, "1000")
	w.SupplyUSD = decimal.RequireFromString("250")
	snap := s.Score(w, nil)
	assert.Equal(t, 1250.0, snap.TVLUSD)
}

func TestRiskLevelThresholds(t *testing.T) {
	s := New(testScoring())

	// max-depth pool, no volatility signal, no drop: only the missing
	// liquidity term could contribute and it is zero here
	calm := withSample(window(0, "1000"), "100000000", "400000000")
	calm.LastPriceUSD = decimal.RequireFromString("2")
	assert.Equal(t, model.RiskLevelLow, s.Score(calm, nil).RiskLevel)

	// zero depth puts the full liquidity weight on the score: 3.5
	medium := s.Score(window(0, "1000"), nil)
	assert.InDelta(t, 3.5, medium.RiskScore, 1e-9)
	assert.Equal(t, model.RiskLevelMedium, medium.RiskLevel)
}

func TestComponentsSumToScore(t *testing.T) {
	s := New(testScoring())

	history := []*aggregator.Window{
		withSample(window(0, "100000"), "100", "400"),
		withSample(window(3600, "100000"), "100", "410"),
	}
	w := withSample(window(7200, "90000"), "100", "390")
	w.LastPriceUSD = decimal.RequireFromString("2")

	snap := s.Score(w, history)
	var sum float64
	for _, c := range snap.Components {
		sum += c
	}
	// components are rounded to 2 decimals each
	assert.InDelta(t, snap.RiskScore, sum, 0.02)
}

func TestHistoryTruncatedToTrailingWindows(t *testing.T) {
	s := New(testScoring())

	var history []*aggregator.Window
	for i := 0; i < HistoryWindows+10; i++ {
		history = append(history, withSample(window(int64(i)*3600, "1000"), "100", "400"))
	}
	w := withSample(window(int64(HistoryWindows+10)*3600, "1000"), "100", "400")

	snap := s.Score(w, history)
	require.NotNil(t, snap.Volatility24h)
	assert.False(t, math.IsNaN(snap.RiskScore))
}
