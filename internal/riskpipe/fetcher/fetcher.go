package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/chain"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/retry"
)

// FetchError names the block range that exhausted its retry budget. The
// cursor has not advanced past the last committed window, so the caller can
// resume from it on the next run.
type FetchError struct {
	From, To uint64
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch range [%d,%d]: %v", e.From, e.To, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	ChunkSize     uint64
	Confirmations uint64

	// Concurrency > 1 fetches independent contract addresses in parallel;
	// results are merged by (blockNumber, logIndex) before decode.
	Concurrency int

	Retry retry.Policy
}

// Fetcher pulls raw logs for a block range in bounded chunks. Results cover
// the full range in ascending (blockNumber, logIndex) order with no gaps.
type Fetcher struct {
	rpc chain.Client
	cfg Config
	log *zap.Logger

	// block -> timestamp; blocks are immutable below the confirmation
	// depth so entries never invalidate.
	headerTs map[uint64]int64
}

func New(rpc chain.Client, cfg Config, log *zap.Logger) *Fetcher {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.Classify == nil {
		cfg.Retry.Classify = chain.Classify
	}
	return &Fetcher{
		rpc:      rpc,
		cfg:      cfg,
		log:      log.Named("fetcher"),
		headerTs: make(map[uint64]int64),
	}
}

// SafeHead returns the newest block the pipeline may process: the chain head
// minus the confirmation depth, so short-lived reorgs stay out of reach.
func (f *Fetcher) SafeHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := retry.Do(ctx, f.cfg.Retry, func(ctx context.Context) error {
		h, err := f.rpc.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	if head < f.cfg.Confirmations {
		return 0, nil
	}
	return head - f.cfg.Confirmations, nil
}

// FetchRange returns all logs emitted by addrs in [from, to], ascending by
// (blockNumber, logIndex), with block timestamps resolved.
func (f *Fetcher) FetchRange(ctx context.Context, from, to uint64, addrs []common.Address, topics [][]common.Hash) ([]model.RawEvent, error) {
	if from > to {
		return nil, nil
	}

	var logs []types.Log
	var err error
	if f.cfg.Concurrency > 1 && len(addrs) > 1 {
		logs, err = f.fetchConcurrent(ctx, from, to, addrs, topics)
	} else {
		logs, err = f.fetchSequential(ctx, from, to, addrs, topics)
	}
	if err != nil {
		return nil, err
	}

	events := make([]model.RawEvent, 0, len(logs))
	for _, lg := range logs {
		ts, err := f.blockTime(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		events = append(events, model.RawEvent{
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
			Address:     lg.Address,
			Topics:      lg.Topics,
			Data:        lg.Data,
			BlockTime:   ts,
		})
	}
	metrics.LogsFetched.Add(float64(len(events)))
	return events, nil
}

// fetchSequential walks the range chunk by chunk with a single query per
// chunk. Chunk results arrive ascending from the node and are concatenated
// in chunk order; no reordering happens here.
func (f *Fetcher) fetchSequential(ctx context.Context, from, to uint64, addrs []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	var out []types.Log
	for start := from; start <= to; start += f.cfg.ChunkSize {
		end := start + f.cfg.ChunkSize - 1
		if end > to {
			end = to
		}
		chunk, err := f.fetchChunk(ctx, start, end, addrs, topics)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// fetchConcurrent fetches each address's logs in its own task, then merges
// by (blockNumber, logIndex). Everything downstream of the merge stays
// single-threaded to preserve ordering invariants.
func (f *Fetcher) fetchConcurrent(ctx context.Context, from, to uint64, addrs []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	perAddr := make([][]types.Log, len(addrs))
	for i, addr := range addrs {
		g.Go(func() error {
			logs, err := f.fetchSequential(gctx, from, to, []common.Address{addr}, topics)
			if err != nil {
				return err
			}
			perAddr[i] = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.Log
	for _, logs := range perAddr {
		merged = append(merged, logs...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

// fetchChunk retries the same chunk on transient failures; exhausting the
// attempt budget fails the chunk with a FetchError naming the range.
func (f *Fetcher) fetchChunk(ctx context.Context, from, to uint64, addrs []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
		Topics:    topics,
	}

	policy := f.cfg.Retry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.FetchRetries.Inc()
		f.log.Warn("chunk retry",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	var logs []types.Log
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		got, err := f.rpc.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = got
		return nil
	})
	if err != nil {
		metrics.FetchFailures.Inc()
		return nil, &FetchError{From: from, To: to, Err: err}
	}
	metrics.ChunksFetched.Inc()
	return logs, nil
}

func (f *Fetcher) blockTime(ctx context.Context, number uint64) (int64, error) {
	if ts, ok := f.headerTs[number]; ok {
		return ts, nil
	}
	var ts int64
	err := retry.Do(ctx, f.cfg.Retry, func(ctx context.Context) error {
		hdr, err := f.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = int64(hdr.Time)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", number, err)
	}
	f.headerTs[number] = ts
	return ts, nil
}
