// Package aggregator folds normalized events into fixed hourly windows.
// It is the only pipeline stage holding mutable cross-event state, and it
// is strictly single-threaded.
package aggregator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// OutOfOrderEventError means an event arrived for a window that already
// closed. The fetcher guarantees ascending order, so this indicates an
// upstream ordering violation and is fatal for the run, never masked.
type OutOfOrderEventError struct {
	EventTime   int64
	WindowStart int64
}

func (e *OutOfOrderEventError) Error() string {
	return fmt.Sprintf("out-of-order event at t=%d, window %d already closed", e.EventTime, e.WindowStart)
}

type ReserveSample struct {
	Timestamp    int64
	ReserveBase  decimal.Decimal
	ReserveQuote decimal.Decimal
}

// Window is one hour bucket of accumulated state. TVL/supply/borrow are
// running balances (carried across windows), volume is per-window. Closed
// windows are immutable.
type Window struct {
	Start int64
	End   int64

	TVLUSD    decimal.Decimal
	SupplyUSD decimal.Decimal
	BorrowUSD decimal.Decimal
	VolumeUSD decimal.Decimal

	// Samples observed inside this window; LastSample also carries the
	// most recent sample from earlier windows so empty hours still have a
	// reserve reference.
	Samples    []ReserveSample
	LastSample ReserveSample
	HasSample  bool

	// LastPriceUSD is the most recent oracle price applied at or before
	// this window, used to value reserves.
	LastPriceUSD decimal.Decimal

	// StalePrice is set when any accumulation used a stale oracle round.
	StalePrice bool

	// Last event position folded into this window, for cursor commits.
	LastBlock    uint64
	LastLogIndex uint
}

// CloseFn receives each closed window in ascending order. Returning an
// error stops the run before the cursor advances.
type CloseFn func(w *Window) error

type Aggregator struct {
	windowSec int64
	onClose   CloseFn

	cur *Window

	// running balances, copied into the open window on every update
	tvl    decimal.Decimal
	supply decimal.Decimal
	borrow decimal.Decimal

	lastSample ReserveSample
	hasSample  bool
	lastPrice  decimal.Decimal
}

func New(windowSec int64, onClose CloseFn) *Aggregator {
	if windowSec <= 0 {
		windowSec = 3600
	}
	return &Aggregator{windowSec: windowSec, onClose: onClose}
}

// Add folds one event into its hour bucket. Events must arrive in
// timestamp-ascending order; an event belonging to an already-closed window
// is rejected.
func (a *Aggregator) Add(ev model.NormalizedEvent, price model.PricePoint) error {
	bucket := ev.Timestamp / a.windowSec * a.windowSec

	if a.cur == nil {
		a.cur = a.openWindow(bucket)
	}
	if bucket < a.cur.Start {
		return &OutOfOrderEventError{EventTime: ev.Timestamp, WindowStart: bucket}
	}
	// the first event past windowEnd proves the window fully elapsed
	for bucket > a.cur.Start {
		if err := a.closeCurrent(); err != nil {
			return err
		}
		a.cur = a.openWindow(a.cur.End)
	}

	w := a.cur
	switch ev.Kind {
	case model.KindSwap:
		w.VolumeUSD = w.VolumeUSD.Add(model.USD(ev.Amount.Abs(), price))
		a.usePrice(price)
	case model.KindMint, model.KindBurn:
		delta := model.USD(ev.Amount, price)
		if ev.Kind == model.KindBurn {
			delta = delta.Neg()
		}
		if ev.Protocol == model.ProtocolCompoundV2 {
			a.supply = a.supply.Add(delta)
		} else {
			a.tvl = a.tvl.Add(delta)
		}
		a.usePrice(price)
	case model.KindRedeem:
		a.supply = a.supply.Sub(model.USD(ev.Amount, price))
		a.usePrice(price)
	case model.KindBorrow:
		a.borrow = a.borrow.Add(model.USD(ev.Amount, price))
		a.usePrice(price)
	case model.KindRepayBorrow:
		a.borrow = a.borrow.Sub(model.USD(ev.Amount, price))
		a.usePrice(price)
	case model.KindSync:
		s := ReserveSample{Timestamp: ev.Timestamp, ReserveBase: ev.ReserveBase, ReserveQuote: ev.ReserveQuote}
		w.Samples = append(w.Samples, s)
		a.lastSample = s
		a.hasSample = true
	default:
		return fmt.Errorf("aggregator: unhandled event kind %q", ev.Kind)
	}

	w.TVLUSD = a.tvl
	w.SupplyUSD = a.supply
	w.BorrowUSD = a.borrow
	w.LastSample = a.lastSample
	w.HasSample = a.hasSample
	w.LastPriceUSD = a.lastPrice
	if ev.BlockNumber > w.LastBlock || (ev.BlockNumber == w.LastBlock && ev.LogIndex > w.LastLogIndex) {
		w.LastBlock = ev.BlockNumber
		w.LastLogIndex = ev.LogIndex
	}
	return nil
}

// Flush closes the in-progress window at end of run.
func (a *Aggregator) Flush() error {
	if a.cur == nil {
		return nil
	}
	if err := a.closeCurrent(); err != nil {
		return err
	}
	a.cur = nil
	return nil
}

func (a *Aggregator) usePrice(p model.PricePoint) {
	a.lastPrice = p.PriceUSD
	if p.IsStale {
		a.cur.StalePrice = true
	}
}

// openWindow starts the bucket at start carrying the running balances:
// an empty hour still produces a window with the prior balances and zero
// volume.
func (a *Aggregator) openWindow(start int64) *Window {
	return &Window{
		Start:        start,
		End:          start + a.windowSec,
		TVLUSD:       a.tvl,
		SupplyUSD:    a.supply,
		BorrowUSD:    a.borrow,
		VolumeUSD:    decimal.Zero,
		LastSample:   a.lastSample,
		HasSample:    a.hasSample,
		LastPriceUSD: a.lastPrice,
	}
}

func (a *Aggregator) closeCurrent() error {
	metrics.WindowsClosed.Inc()
	return a.onClose(a.cur)
}
