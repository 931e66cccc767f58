package aggregator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

func collect(closed *[]*Window) CloseFn {
	return func(w *Window) error {
		*closed = append(*closed, w)
		return nil
	}
}

func price(usd string) model.PricePoint {
	return model.PricePoint{PriceUSD: decimal.RequireFromString(usd), UpdatedAt: 1}
}

func event(kind model.EventKind, ts int64, amount string) model.NormalizedEvent {
	return model.NormalizedEvent{
		Kind:      kind,
		Protocol:  model.ProtocolUniswapV2,
		Timestamp: ts,
		Amount:    decimal.RequireFromString(amount),
	}
}

func TestSwapVolumeLandsInItsHourBucket(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	// t=3661 belongs to [3600, 7200)
	require.NoError(t, a.Add(event(model.KindSwap, 3661, "1000"), price("1.5")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 1)
	w := closed[0]
	require.Equal(t, int64(3600), w.Start)
	require.Equal(t, int64(7200), w.End)
	require.True(t, w.VolumeUSD.Equal(decimal.RequireFromString("1500")), "got %s", w.VolumeUSD)
}

func TestEmptyWindowsCarryBalancesWithZeroVolume(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	// deposit in hour 0, next event two hours later
	require.NoError(t, a.Add(event(model.KindMint, 100, "10000"), price("1")))
	require.NoError(t, a.Add(event(model.KindSwap, 7300, "1"), price("1")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 3)

	require.Equal(t, int64(0), closed[0].Start)
	require.True(t, closed[0].TVLUSD.Equal(decimal.RequireFromString("10000")))

	// synthesized hour: same TVL, no volume, no event position
	require.Equal(t, int64(3600), closed[1].Start)
	require.True(t, closed[1].TVLUSD.Equal(decimal.RequireFromString("10000")))
	require.True(t, closed[1].VolumeUSD.IsZero())
	require.Equal(t, uint64(0), closed[1].LastBlock)

	require.Equal(t, int64(7200), closed[2].Start)
	require.True(t, closed[2].VolumeUSD.Equal(decimal.RequireFromString("1")))
}

func TestBurnReducesTVL(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	require.NoError(t, a.Add(event(model.KindMint, 10, "500"), price("2")))
	require.NoError(t, a.Add(event(model.KindBurn, 20, "200"), price("2")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 1)
	require.True(t, closed[0].TVLUSD.Equal(decimal.RequireFromString("600")), "got %s", closed[0].TVLUSD)
}

func TestLendingFlowsSplitSupplyAndBorrow(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	lend := func(kind model.EventKind, ts int64, amount string) model.NormalizedEvent {
		ev := event(kind, ts, amount)
		ev.Protocol = model.ProtocolCompoundV2
		return ev
	}

	require.NoError(t, a.Add(lend(model.KindMint, 10, "1000"), price("1")))
	require.NoError(t, a.Add(lend(model.KindBorrow, 20, "400"), price("1")))
	require.NoError(t, a.Add(lend(model.KindRepayBorrow, 30, "150"), price("1")))
	require.NoError(t, a.Add(lend(model.KindRedeem, 40, "100"), price("1")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 1)
	w := closed[0]
	require.True(t, w.SupplyUSD.Equal(decimal.RequireFromString("900")), "supply %s", w.SupplyUSD)
	require.True(t, w.BorrowUSD.Equal(decimal.RequireFromString("250")), "borrow %s", w.BorrowUSD)
	require.True(t, w.TVLUSD.IsZero())
}

func TestOutOfOrderEventIsFatal(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	require.NoError(t, a.Add(event(model.KindSwap, 7300, "1"), price("1")))
	err := a.Add(event(model.KindSwap, 100, "1"), price("1"))

	var oooErr *OutOfOrderEventError
	require.ErrorAs(t, err, &oooErr)
	require.Equal(t, int64(100), oooErr.EventTime)
}

func TestSyncSamplesCarryAcrossWindows(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	sync := event(model.KindSync, 100, "0")
	sync.ReserveBase = decimal.RequireFromString("100")
	sync.ReserveQuote = decimal.RequireFromString("400")
	require.NoError(t, a.Add(sync, model.PricePoint{}))
	require.NoError(t, a.Add(event(model.KindSwap, 7300, "1"), price("1")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 3)
	require.Len(t, closed[0].Samples, 1)

	// later windows see the last known reserves even with no new Sync
	require.Empty(t, closed[2].Samples)
	require.True(t, closed[2].HasSample)
	require.True(t, closed[2].LastSample.ReserveBase.Equal(decimal.RequireFromString("100")))
}

func TestStalePriceMarksWindow(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	stale := price("1")
	stale.IsStale = true
	require.NoError(t, a.Add(event(model.KindSwap, 10, "5"), stale))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 1)
	require.True(t, closed[0].StalePrice)
}

func TestLastEventPositionTracksMaxPerWindow(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))

	ev1 := event(model.KindSwap, 10, "1")
	ev1.BlockNumber, ev1.LogIndex = 50, 3
	ev2 := event(model.KindSwap, 20, "1")
	ev2.BlockNumber, ev2.LogIndex = 50, 9
	require.NoError(t, a.Add(ev1, price("1")))
	require.NoError(t, a.Add(ev2, price("1")))
	require.NoError(t, a.Flush())

	require.Len(t, closed, 1)
	require.Equal(t, uint64(50), closed[0].LastBlock)
	require.Equal(t, uint(9), closed[0].LastLogIndex)
}

func TestFlushOnEmptyAggregatorIsNoop(t *testing.T) {
	var closed []*Window
	a := New(3600, collect(&closed))
	require.NoError(t, a.Flush())
	require.Empty(t, closed)
}
