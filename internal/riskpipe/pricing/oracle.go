// Package pricing resolves USD prices from a Chainlink-style feed and
// converts token amounts with fixed-point arithmetic.
package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/chain"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/retry"
)

// Minimal aggregator ABI: only latestRoundData is needed.
const aggregatorABI = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

// Chainlink USD feeds publish 8-decimal answers.
const feedDecimals = 8

type Config struct {
	// FreshnessSec is the staleness threshold: a round older than
	// (event time - FreshnessSec) marks the price stale.
	FreshnessSec int64

	// Fallback, when set, is served with a stale flag if the oracle is
	// unreachable after retries. Unset means the error propagates.
	Fallback    decimal.Decimal
	HasFallback bool

	Retry retry.Policy
}

// Normalizer resolves PricePoints per feed. Rounds are immutable once
// finalized, so the round cache never invalidates; reads are concurrent and
// each round is written at most once.
type Normalizer struct {
	rpc chain.Client
	cfg Config
	log *zap.Logger
	abi abi.ABI

	mu      sync.Mutex
	current map[common.Address]model.PricePoint

	rounds *xsync.Map[string, model.PricePoint]
}

func New(rpc chain.Client, cfg Config, log *zap.Logger) (*Normalizer, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("pricing: parse aggregator abi: %w", err)
	}
	if cfg.FreshnessSec <= 0 {
		cfg.FreshnessSec = 3600
	}
	if cfg.Retry.Classify == nil {
		cfg.Retry.Classify = chain.Classify
	}
	return &Normalizer{
		rpc:     rpc,
		cfg:     cfg,
		log:     log.Named("pricing"),
		abi:     parsed,
		current: make(map[common.Address]model.PricePoint),
		rounds:  xsync.NewMap[string, model.PricePoint](),
	}, nil
}

// PriceAt returns a PricePoint usable to convert amounts at atTs. The
// feed's latest round is fetched once and cached by round id; staleness is
// evaluated against the event timestamp, so a slow oracle degrades the
// window's quality flag instead of blocking the run.
func (n *Normalizer) PriceAt(ctx context.Context, feed common.Address, atTs int64) (model.PricePoint, error) {
	n.mu.Lock()
	p, ok := n.current[feed]
	n.mu.Unlock()

	if !ok {
		fetched, err := n.fetchLatest(ctx, feed)
		if err != nil {
			if !n.cfg.HasFallback {
				return model.PricePoint{}, err
			}
			metrics.FallbackPrices.Inc()
			n.log.Warn("oracle unreachable, using fallback price",
				zap.String("feed", feed.Hex()), zap.Error(err))
			fetched = model.PricePoint{
				Feed:     feed,
				RoundID:  big.NewInt(0),
				PriceUSD: n.cfg.Fallback,
			}
		}
		// first writer wins; rounds are immutable
		stored, _ := n.rounds.LoadOrStore(roundKey(feed, fetched.RoundID), fetched)
		n.mu.Lock()
		n.current[feed] = stored
		n.mu.Unlock()
		p = stored
	}

	if p.UpdatedAt < atTs-n.cfg.FreshnessSec {
		p.IsStale = true
		metrics.StalePrices.Inc()
	}
	return p, nil
}

// Round returns a cached round by id, if present.
func (n *Normalizer) Round(feed common.Address, roundID *big.Int) (model.PricePoint, bool) {
	return n.rounds.Load(roundKey(feed, roundID))
}

func (n *Normalizer) fetchLatest(ctx context.Context, feed common.Address) (model.PricePoint, error) {
	input, err := n.abi.Pack("latestRoundData")
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("pricing: pack call: %w", err)
	}

	var raw []byte
	err = retry.Do(ctx, n.cfg.Retry, func(ctx context.Context) error {
		metrics.OracleReads.Inc()
		out, err := n.rpc.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("pricing: latestRoundData %s: %w", feed.Hex(), err)
	}

	vals, err := n.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("pricing: unpack round data %s: %w", feed.Hex(), err)
	}
	roundID, _ := vals[0].(*big.Int)
	answer, _ := vals[1].(*big.Int)
	updatedAt, _ := vals[3].(*big.Int)
	if roundID == nil || answer == nil || updatedAt == nil {
		return model.PricePoint{}, fmt.Errorf("pricing: malformed round data from %s", feed.Hex())
	}

	return model.PricePoint{
		Feed:      feed,
		RoundID:   roundID,
		PriceUSD:  decimal.NewFromBigInt(answer, -feedDecimals),
		UpdatedAt: updatedAt.Int64(),
	}, nil
}

func roundKey(feed common.Address, roundID *big.Int) string {
	return feed.Hex() + ":" + roundID.String()
}
