// Package app wires the pipeline stages together and owns the run loop.
// One pass is fetch, dedup, decode, price, aggregate; windows close as
// events cross hour boundaries, and the cursor advances only after the
// closed window's snapshot is durably emitted.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/aggregator"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/chain"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/config"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/decoder"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/dedup"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/emitter"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/fetcher"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/pricing"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/retry"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/scorer"
)

// evictEvery bounds how many events are folded between dedup evictions.
const evictEvery = 1000

type App struct {
	cfg *config.Config
	log *zap.Logger

	cursor fetcher.CursorStore
	fetch  *fetcher.Fetcher
	dec    *decoder.Decoder
	prices *pricing.Normalizer
	dedup  dedup.Deduper
	sink   emitter.Sink
	score  *scorer.Scorer
	agg    *aggregator.Aggregator

	// trailing closed windows feeding the volatility feature
	history []*aggregator.Window

	// resume position: logs at or before it were already committed
	resume    fetcher.Cursor
	hasResume bool

	// next block to fetch from
	nextFrom uint64

	// run context for the window-close path; Add/Flush have no ctx param
	runCtx context.Context
}

// New wires the pipeline from config. cfg must be validated.
func New(ctx context.Context, cfg *config.Config, rpc chain.Client, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.Named("app")}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
		Jitter:      cfg.Retry.Jitter(),
		Timeout:     cfg.Retry.Timeout(),
		Classify:    chain.Classify,
	}

	cursor, err := fetcher.NewFileCursor(cfg.CursorPath)
	if err != nil {
		return nil, fmt.Errorf("app: cursor store: %w", err)
	}
	a.cursor = cursor

	a.fetch = fetcher.New(rpc, fetcher.Config{
		ChunkSize:     cfg.ChunkSize,
		Confirmations: cfg.Confirmations,
		Concurrency:   cfg.FetchConcurrency,
		Retry:         policy,
	}, log)

	a.dec = decoder.New(cfg.Contracts)

	fallback, hasFallback := cfg.FallbackPrice()
	a.prices, err = pricing.New(rpc, pricing.Config{
		FreshnessSec: cfg.FreshnessSec,
		Fallback:     fallback,
		HasFallback:  hasFallback,
		Retry:        policy,
	}, log)
	if err != nil {
		return nil, err
	}

	if cfg.DedupPath != "" {
		rocks, err := dedup.OpenRocks(cfg.DedupPath, cfg.WindowSec)
		if err != nil {
			return nil, fmt.Errorf("app: open dedup store: %w", err)
		}
		a.dedup = rocks
	} else {
		a.dedup = dedup.NewMemory(4096)
	}

	a.sink, err = buildSink(ctx, cfg)
	if err != nil {
		a.dedup.Close()
		return nil, err
	}

	a.score = scorer.New(cfg.Scoring)
	a.agg = aggregator.New(cfg.WindowSec, a.closeWindow)

	cur, found, err := a.cursor.Load()
	if err != nil {
		a.shutdown()
		return nil, fmt.Errorf("app: load cursor: %w", err)
	}
	if found {
		a.resume = cur
		a.hasResume = true
		// refetch the cursor block; logs at or before the cursor are
		// filtered out, later ones in the same block still count
		a.nextFrom = cur.LastProcessedBlock
		if cfg.StartBlock > a.nextFrom {
			a.nextFrom = cfg.StartBlock
		}
		log.Info("resuming from cursor",
			zap.Uint64("block", cur.LastProcessedBlock),
			zap.Uint("log_index", cur.LastProcessedLogIndex))
	} else {
		a.nextFrom = cfg.StartBlock
	}

	return a, nil
}

func buildSink(ctx context.Context, cfg *config.Config) (emitter.Sink, error) {
	var sinks []emitter.Sink
	if cfg.OutputDir != "" {
		fs, err := emitter.NewFileSink(cfg.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("app: file sink: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.PostgresURL != "" {
		ps, err := emitter.NewPostgresSink(ctx, cfg.PostgresURL)
		if err != nil {
			closeAll(sinks)
			return nil, err
		}
		sinks = append(sinks, ps)
	}
	if cfg.KafkaBrokers != "" {
		ks, err := emitter.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			closeAll(sinks)
			return nil, err
		}
		sinks = append(sinks, ks)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return emitter.NewMulti(sinks...), nil
}

func closeAll(sinks []emitter.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// Run executes a single bounded pass up to the confirmed head, then closes
// the in-progress window.
func (a *App) Run(ctx context.Context) error {
	if err := a.runPass(ctx); err != nil {
		return err
	}
	a.runCtx = ctx
	return a.agg.Flush()
}

// Follow runs passes forever, polling for new confirmed blocks. The open
// window stays open across passes so events landing in the same hour keep
// folding into it; it is flushed once on shutdown.
func (a *App) Follow(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := a.runPass(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		select {
		case <-ctx.Done():
			a.runCtx = context.Background()
			return a.agg.Flush()
		case <-ticker.C:
		}
	}
	a.runCtx = context.Background()
	return a.agg.Flush()
}

func (a *App) runPass(ctx context.Context) error {
	a.runCtx = ctx

	to, err := a.fetch.SafeHead(ctx)
	if err != nil {
		return err
	}
	if to < a.nextFrom {
		return nil
	}
	from := a.nextFrom

	events, err := a.fetch.FetchRange(ctx, from, to, a.dec.Addresses(), a.dec.TopicFilter())
	if err != nil {
		return err
	}
	a.log.Info("fetched range",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("logs", len(events)))

	var sinceEvict int
	for _, raw := range events {
		if a.alreadyCommitted(raw) {
			continue
		}

		expire := raw.BlockTime + a.cfg.DedupTTLSec
		seen, err := a.dedup.SeenOrAdd(raw, expire, raw.BlockTime)
		if err != nil {
			return fmt.Errorf("app: dedup: %w", err)
		}
		if seen {
			metrics.DuplicatesSkipped.Inc()
			continue
		}

		ev, ok, err := a.dec.Decode(raw)
		if err != nil {
			metrics.DecodeErrors.Inc()
			a.log.Warn("decode failed", zap.String("log", raw.ID()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		metrics.EventsDecoded.WithLabelValues(ev.Kind.String()).Inc()

		var price model.PricePoint
		if ev.Kind != model.KindSync {
			ct, _ := a.dec.Contract(ev.Contract)
			price, err = a.prices.PriceAt(ctx, ct.Feed(), ev.Timestamp)
			if err != nil {
				return fmt.Errorf("app: price for %s: %w", ev.Contract.Hex(), err)
			}
		}

		if err := a.agg.Add(ev, price); err != nil {
			return err
		}

		sinceEvict++
		if sinceEvict >= evictEvery {
			if err := a.dedup.Evict(raw.BlockTime); err != nil {
				return fmt.Errorf("app: dedup evict: %w", err)
			}
			sinceEvict = 0
		}
	}

	if n := len(events); n > 0 {
		if err := a.dedup.Evict(events[n-1].BlockTime); err != nil {
			return fmt.Errorf("app: dedup evict: %w", err)
		}
	}

	a.nextFrom = to + 1
	return nil
}

// alreadyCommitted filters out logs at or before the resume cursor: the
// cursor block is refetched in full, so its already-emitted prefix must not
// fold twice.
func (a *App) alreadyCommitted(raw model.RawEvent) bool {
	if !a.hasResume {
		return false
	}
	if raw.BlockNumber < a.resume.LastProcessedBlock {
		return true
	}
	return raw.BlockNumber == a.resume.LastProcessedBlock &&
		raw.LogIndex <= a.resume.LastProcessedLogIndex
}

// closeWindow is the aggregator's close callback: score, emit, then advance
// the cursor. An emit failure propagates and stops the run before the cursor
// moves, so a restart re-emits the same window idempotently.
func (a *App) closeWindow(w *aggregator.Window) error {
	snap := a.score.Score(w, a.history)

	if err := a.sink.Emit(a.runCtx, snap); err != nil {
		return fmt.Errorf("app: emit window %d: %w", w.Start, err)
	}

	a.history = append(a.history, w)
	if len(a.history) > scorer.HistoryWindows {
		a.history = a.history[len(a.history)-scorer.HistoryWindows:]
	}

	// synthesized empty windows carry no event position; the cursor holds
	if w.LastBlock > 0 {
		cur := fetcher.Cursor{
			LastProcessedBlock:    w.LastBlock,
			LastProcessedLogIndex: w.LastLogIndex,
		}
		if err := a.cursor.Save(cur); err != nil {
			return fmt.Errorf("app: save cursor: %w", err)
		}
		a.resume = cur
		a.hasResume = true
		metrics.CursorBlock.Set(float64(w.LastBlock))
	}

	a.log.Info("window closed",
		zap.Int64("window_start", w.Start),
		zap.Float64("risk_score", snap.RiskScore),
		zap.String("risk_level", snap.RiskLevel),
		zap.Float64("tvl_usd", snap.TVLUSD))
	return nil
}

func (a *App) Close() error {
	return a.shutdown()
}

func (a *App) shutdown() error {
	var firstErr error
	if a.sink != nil {
		firstErr = a.sink.Close()
	}
	if a.dedup != nil {
		a.dedup.Close()
	}
	return firstErr
}
