package emitter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS risk_snapshots (
	window_start    BIGINT PRIMARY KEY,
	ts              TIMESTAMPTZ NOT NULL,
	tvl_usd         DOUBLE PRECISION NOT NULL,
	volatility_24h  DOUBLE PRECISION,
	liquidity_depth DOUBLE PRECISION NOT NULL,
	risk_score      DOUBLE PRECISION NOT NULL,
	quality_flag    TEXT,
	risk_level      TEXT NOT NULL
)`

// PostgresSink upserts one row per window; the window start is the primary
// key, so reprocessing overwrites in place.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("emitter: parse database url: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("emitter: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("emitter: ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("emitter: ensure schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Emit(ctx context.Context, snap model.RiskSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_snapshots
			(window_start, ts, tvl_usd, volatility_24h, liquidity_depth, risk_score, quality_flag, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (window_start) DO UPDATE SET
			ts = $2, tvl_usd = $3, volatility_24h = $4, liquidity_depth = $5,
			risk_score = $6, quality_flag = $7, risk_level = $8`,
		snap.WindowStart(), snap.Timestamp, snap.TVLUSD, snap.Volatility24h,
		snap.LiquidityDepth, snap.RiskScore, snap.QualityFlag, snap.RiskLevel)
	if err != nil {
		return fmt.Errorf("emitter: upsert window %d: %w", snap.WindowStart(), err)
	}
	metrics.SnapshotsEmitted.WithLabelValues("postgres").Inc()
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
