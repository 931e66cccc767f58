// Package scorer derives the published risk features from closed windows.
// Given the same window history it always produces the same snapshot.
package scorer

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/aggregator"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/config"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// HistoryWindows is how many trailing windows feed the volatility feature.
const HistoryWindows = 24

type Scorer struct {
	cfg config.Scoring
}

func New(cfg config.Scoring) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score produces the snapshot for one closed window. history holds the
// prior closed windows in ascending order; only the trailing
// HistoryWindows are consulted.
func (s *Scorer) Score(w *aggregator.Window, history []*aggregator.Window) model.RiskSnapshot {
	if len(history) > HistoryWindows {
		history = history[len(history)-HistoryWindows:]
	}

	tvl := w.TVLUSD.Add(w.SupplyUSD)
	tvlUSD, _ := tvl.Float64()

	var flags []string
	if w.StalePrice {
		flags = append(flags, model.QualityStalePrice)
	}

	vol, haveVol := volatility(append(append([]*aggregator.Window{}, history...), w))
	var volOut *float64
	if haveVol {
		v := vol
		volOut = &v
	} else {
		flags = append(flags, model.QualityInsufficientHistory)
	}

	depth := s.liquidityDepth(w)
	drop := tvlDrop(w, history)

	nVol := normalize(vol, s.cfg.VolatilityBound)
	if !haveVol {
		nVol = 0
	}
	nDepth := normalize(depth, s.cfg.DepthBoundUSD)
	nDrop := normalize(drop, s.cfg.TVLDropBound)

	cVol := s.cfg.WeightVolatility * nVol
	cLiq := s.cfg.WeightLiquidity * (1 - nDepth)
	cDrop := s.cfg.WeightTVLDrop * nDrop
	score := clamp(10*(cVol+cLiq+cDrop), 0, 10)

	var flag *string
	if len(flags) > 0 {
		sort.Strings(flags)
		joined := strings.Join(flags, ",")
		flag = &joined
	}

	return model.RiskSnapshot{
		Timestamp:      time.Unix(w.Start, 0).UTC(),
		TVLUSD:         tvlUSD,
		Volatility24h:  volOut,
		LiquidityDepth: depth,
		RiskScore:      score,
		QualityFlag:    flag,
		RiskLevel:      riskLevel(score),
		Components: map[string]float64{
			"volatility": round2(10 * cVol),
			"liquidity":  round2(10 * cLiq),
			"tvl_drop":   round2(10 * cDrop),
		},
	}
}

// volatility is the population standard deviation of hourly log-returns of
// the reserve-ratio price proxy. It needs at least two windows carrying a
// reserve sample.
func volatility(windows []*aggregator.Window) (float64, bool) {
	var series []float64
	for _, w := range windows {
		if !w.HasSample || !w.LastSample.ReserveBase.IsPositive() || !w.LastSample.ReserveQuote.IsPositive() {
			continue
		}
		ratio, _ := w.LastSample.ReserveQuote.Div(w.LastSample.ReserveBase).Float64()
		if ratio > 0 {
			series = append(series, math.Log(ratio))
		}
	}
	if len(series) < 2 {
		return 0, false
	}

	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		returns = append(returns, series[i]-series[i-1])
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance), true
}

// liquidityDepth estimates the USD value a trade can move through the pool
// before price impact exceeds the configured threshold. For a
// constant-product pool, selling dx into a base reserve of x moves the
// price by impact i when dx = x*(1/sqrt(1-i) - 1).
func (s *Scorer) liquidityDepth(w *aggregator.Window) float64 {
	if !w.HasSample || !w.LastSample.ReserveBase.IsPositive() || !w.LastPriceUSD.IsPositive() {
		return 0
	}
	base, _ := w.LastSample.ReserveBase.Float64()
	price, _ := w.LastPriceUSD.Float64()
	dx := base * (1/math.Sqrt(1-s.cfg.ImpactThreshold) - 1)
	return dx * price
}

// tvlDrop is the fractional decline of total TVL vs the previous window,
// floored at zero (growth is not risk here).
func tvlDrop(w *aggregator.Window, history []*aggregator.Window) float64 {
	if len(history) == 0 {
		return 0
	}
	prev := history[len(history)-1]
	prevTVL, _ := prev.TVLUSD.Add(prev.SupplyUSD).Float64()
	curTVL, _ := w.TVLUSD.Add(w.SupplyUSD).Float64()
	if prevTVL <= 0 {
		return 0
	}
	drop := (prevTVL - curTVL) / prevTVL
	if drop < 0 {
		return 0
	}
	return drop
}

func normalize(v, bound float64) float64 {
	if bound <= 0 {
		return 0
	}
	return clamp(v/bound, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func riskLevel(score float64) string {
	switch {
	case score < 3:
		return model.RiskLevelLow
	case score < 7:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelHigh
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
