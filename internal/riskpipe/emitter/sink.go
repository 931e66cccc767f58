// Package emitter writes risk snapshots. Every sink is idempotent on the
// window timestamp: re-emitting for the same window overwrites, so
// reprocessing a block range never produces duplicate records.
package emitter

import (
	"context"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

type Sink interface {
	Emit(ctx context.Context, snap model.RiskSnapshot) error
	Close() error
}

// Multi fans one snapshot out to several sinks. The first error stops the
// fan-out so the cursor never advances past a failed commit.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi { return &Multi{sinks: sinks} }

func (m *Multi) Emit(ctx context.Context, snap model.RiskSnapshot) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
