package risk

import (
	"context"
	"errors"
	"math"
	"testing"

	"binance-basis-bot/internal/market"
)

type stubFees struct {
	fees map[string]Fee
	err  error
}

func (s stubFees) TradingFees(ctx context.Context) (map[string]Fee, error) {
	return s.fees, s.err
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func newTestLedger() *Ledger {
	l := NewLedger(Options{Symbol: "BTCUSDT", InitialEquity: 100_000, MaxAlloc: 0.1}, nil)
	l.FetchFees(context.Background(), stubFees{fees: map[string]Fee{"BTCUSDT": {Maker: 0.001, Taker: 0.001}}})
	return l
}

func TestPositionSizeThinEdgeIsZero(t *testing.T) {
	l := newTestLedger()
	size := l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 100.8})
	if size != 0 {
		t.Fatalf("expected zero size for thin edge, got %f", size)
	}
}

func seedWins(l *Ledger, n int) {
	for i := 0; i < n; i++ {
		l.outcomes.Push(true)
	}
}

func TestPositionSizeModerateBasisColdStartIsZero(t *testing.T) {
	l := newTestLedger()
	// edge 0.0289 with p=0.6 gives a negative Kelly fraction.
	size := l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 103})
	if size != 0 {
		t.Fatalf("expected zero size, got %f", size)
	}
}

func TestPositionSizeCappedAtMaxAlloc(t *testing.T) {
	l := newTestLedger()
	seedWins(l, 10)
	size := l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 103})
	if !closeEnough(size, 100) {
		t.Fatalf("expected 100 units, got %f", size)
	}
}

func TestPositionSizeColdStartWideBasis(t *testing.T) {
	l := newTestLedger()
	// edge 1.9989: half Kelly ~0.19995, capped at 0.1.
	size := l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 300})
	if !closeEnough(size, 100) {
		t.Fatalf("expected 100 units, got %f", size)
	}
	// edge 0.9989: half Kelly below the cap.
	size = l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 200})
	kelly := 0.5 * (0.6*0.9989 - 0.4) / 0.9989
	if !closeEnough(size, 100_000*kelly/100) {
		t.Fatalf("expected %f units, got %f", 100_000*kelly/100, size)
	}
}

func TestPositionSizeZeroForNonFinitePrices(t *testing.T) {
	l := newTestLedger()
	seedWins(l, 10)
	nan, inf := math.NaN(), math.Inf(1)
	ticks := []market.Tick{
		{Symbol: "BTCUSDT", SpotPrice: nan, PerpPrice: 101},
		{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: nan},
		{Symbol: "BTCUSDT", SpotPrice: inf, PerpPrice: 101},
		{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: inf},
		{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 0},
	}
	for _, tick := range ticks {
		if size := l.PositionSize(tick); size != 0 {
			t.Fatalf("expected zero size for spot=%v perp=%v, got %v", tick.SpotPrice, tick.PerpPrice, size)
		}
	}
}

func TestPositionSizeNegativeBasisUsesAbsoluteEdge(t *testing.T) {
	l := newTestLedger()
	seedWins(l, 10)
	size := l.PositionSize(market.Tick{Symbol: "BTCUSDT", SpotPrice: 100, PerpPrice: 97})
	if !closeEnough(size, 100) {
		t.Fatalf("expected 100 units for inverted basis, got %f", size)
	}
}

func TestPositionSizeZeroWhenEdgeBelowCosts(t *testing.T) {
	l := newTestLedger()
	// |basis| == taker + cushion exactly.
	size := l.PositionSize(market.Tick{SpotPrice: 10000, PerpPrice: 10011})
	if size != 0 {
		t.Fatalf("expected zero size at break-even edge, got %f", size)
	}
	if l.PositionSize(market.Tick{SpotPrice: 0, PerpPrice: 1}) != 0 {
		t.Fatalf("expected zero size for zero spot")
	}
}

func TestPositionSizeZeroWhenWinProbLow(t *testing.T) {
	l := newTestLedger()
	l.RecordTradeOutcome("BTCUSDT", 10)
	l.RecordTradeOutcome("BTCUSDT", -5)
	if got := l.EstimateWinProb(); !closeEnough(got, 0.5) {
		t.Fatalf("expected win prob 0.5, got %f", got)
	}
	if size := l.PositionSize(market.Tick{SpotPrice: 100, PerpPrice: 110}); size != 0 {
		t.Fatalf("expected zero size below 0.51 win prob, got %f", size)
	}
}

func TestPositionSizeNeverExceedsCap(t *testing.T) {
	l := newTestLedger()
	for i := 0; i < 20; i++ {
		l.RecordTradeOutcome("ETHUSDT", 1)
	}
	l.LockCollateral("ETHUSDT", 5000)
	for _, perp := range []float64{100.2, 101, 102, 105, 150, 60} {
		tick := market.Tick{SpotPrice: 100, PerpPrice: perp}
		size := l.PositionSize(tick)
		limit := l.AvailableEquity() * 0.1 / tick.SpotPrice
		if size < 0 || size > limit+1e-9 {
			t.Fatalf("perp %v: size %f outside [0, %f]", perp, size, limit)
		}
	}
}

func TestPositionSizeUsesAvailableEquity(t *testing.T) {
	l := newTestLedger()
	seedWins(l, 10)
	l.LockCollateral("BTCUSDT", 50_000)
	size := l.PositionSize(market.Tick{SpotPrice: 100, PerpPrice: 103})
	if !closeEnough(size, 50) {
		t.Fatalf("expected 50 units on 50k available, got %f", size)
	}
	l.LockCollateral("BTCUSDT", 150_000)
	if size := l.PositionSize(market.Tick{SpotPrice: 100, PerpPrice: 103}); size != 0 {
		t.Fatalf("expected zero size with negative available equity, got %f", size)
	}
}

func TestEstimateWinProbColdStart(t *testing.T) {
	l := newTestLedger()
	if got := l.EstimateWinProb(); got != ColdStartWinProb {
		t.Fatalf("expected %v, got %v", ColdStartWinProb, got)
	}
}

func TestOutcomeHistoryBoundedFIFO(t *testing.T) {
	l := NewLedger(Options{Symbol: "BTCUSDT", InitialEquity: 1000, MaxAlloc: 0.1}, nil)
	for i := 0; i < 500; i++ {
		l.RecordTradeOutcome("BTCUSDT", -1)
	}
	if l.HistoryLen() != 500 {
		t.Fatalf("expected 500 outcomes, got %d", l.HistoryLen())
	}
	l.RecordTradeOutcome("BTCUSDT", 1)
	if l.HistoryLen() != 500 {
		t.Fatalf("expected history capped at 500, got %d", l.HistoryLen())
	}
	snap := l.Snapshot()
	if snap.Outcomes[0] || !snap.Outcomes[499] {
		t.Fatalf("expected oldest loss evicted and newest win last")
	}
	if got := l.EstimateWinProb(); !closeEnough(got, 1.0/500) {
		t.Fatalf("expected win prob 1/500, got %f", got)
	}
}

func TestOutcomeRingEvictsInOrder(t *testing.T) {
	r := newOutcomeRing(3)
	for _, win := range []bool{true, false, true, false} {
		r.Push(win)
	}
	got := r.Values()
	want := []bool{false, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if r.Wins() != 1 {
		t.Fatalf("expected 1 win, got %d", r.Wins())
	}
}

func TestAvailableEquityTracksLocks(t *testing.T) {
	l := newTestLedger()
	l.LockCollateral("BTCUSDT", 1000)
	l.LockCollateral("ETHUSDT", 500)
	if got := l.AvailableEquity(); !closeEnough(got, 98_500) {
		t.Fatalf("expected 98500, got %f", got)
	}
	l.LockCollateral("BTCUSDT", 200)
	if got := l.AvailableEquity(); !closeEnough(got, 99_300) {
		t.Fatalf("expected overwrite to 99300, got %f", got)
	}
	l.RecordTradeOutcome("ETHUSDT", 0)
	if got := l.AvailableEquity(); !closeEnough(got, 99_800) {
		t.Fatalf("expected release to 99800, got %f", got)
	}
}

func TestRecordTradeOutcomeReleasesRegardlessOfSign(t *testing.T) {
	for _, pnl := range []float64{25, 0, -40} {
		l := newTestLedger()
		l.LockCollateral("BTCUSDT", 1000)
		l.RecordTradeOutcome("BTCUSDT", pnl)
		if _, ok := l.LockedCollateral("BTCUSDT"); ok {
			t.Fatalf("pnl %v: expected position released", pnl)
		}
		if !closeEnough(l.Equity(), 100_000+pnl) {
			t.Fatalf("pnl %v: expected equity %f, got %f", pnl, 100_000+pnl, l.Equity())
		}
	}
}

func TestRecordTradeOutcomeZeroIsLoss(t *testing.T) {
	l := newTestLedger()
	l.RecordTradeOutcome("BTCUSDT", 0)
	if got := l.EstimateWinProb(); got != 0 {
		t.Fatalf("expected zero pnl to count as loss, got %f", got)
	}
}

func TestFetchFeesFallbacks(t *testing.T) {
	cases := []FeeSource{
		nil,
		stubFees{err: errors.New("http 500")},
		stubFees{fees: map[string]Fee{"ETHUSDT": {Maker: 0.0002, Taker: 0.0004}}},
	}
	for i, source := range cases {
		l := NewLedger(Options{Symbol: "BTCUSDT", InitialEquity: 1, MaxAlloc: 0.1}, nil)
		l.FetchFees(context.Background(), source)
		if fees := l.Fees(); fees.Maker != 0.001 || fees.Taker != 0.001 {
			t.Fatalf("case %d: expected fallback fees, got %+v", i, fees)
		}
	}
}

func TestFetchFeesUsesSymbolEntry(t *testing.T) {
	l := NewLedger(Options{Symbol: "BTCUSDT", InitialEquity: 1, MaxAlloc: 0.1}, nil)
	l.FetchFees(context.Background(), stubFees{fees: map[string]Fee{"BTCUSDT": {Maker: 0.0002, Taker: 0.0004}}})
	if fees := l.Fees(); fees.Maker != 0.0002 || fees.Taker != 0.0004 {
		t.Fatalf("unexpected fees %+v", fees)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := newTestLedger()
	l.RecordTradeOutcome("BTCUSDT", 50)
	l.LockCollateral("BTCUSDT", 300)
	snap := l.Snapshot()

	restored := NewLedger(Options{Symbol: "BTCUSDT", InitialEquity: 1, MaxAlloc: 0.1}, nil)
	restored.Restore(snap)
	if !closeEnough(restored.Equity(), 100_050) {
		t.Fatalf("expected restored equity, got %f", restored.Equity())
	}
	if got, ok := restored.LockedCollateral("BTCUSDT"); !ok || got != 300 {
		t.Fatalf("expected restored lock 300, got %v (ok=%v)", got, ok)
	}
	if restored.HistoryLen() != 1 || restored.EstimateWinProb() != 1 {
		t.Fatalf("expected restored history")
	}
}
