package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"binance-basis-bot/internal/market"

	"go.uber.org/zap"
)

const (
	DefaultHistorySize = 500
	DefaultFee         = 0.001
	// SlippageCushion is added to the taker fee before the basis counts as edge.
	SlippageCushion = 0.0001
	// ColdStartWinProb is used until the first trade outcome is recorded.
	ColdStartWinProb = 0.60
	// MinWinProb gates sizing; below it the ledger never sizes a trade.
	MinWinProb = 0.51
	kellyScale = 0.5
)

var ErrFeeNotFound = errors.New("fee schedule missing symbol")

// Fee is a maker/taker commission pair expressed as a fraction of notional.
type Fee struct {
	Maker float64
	Taker float64
}

// FeeSource returns the account's trading fee schedule keyed by symbol.
type FeeSource interface {
	TradingFees(ctx context.Context) (map[string]Fee, error)
}

// Ledger is the shared risk state: equity, collateral locked per symbol,
// recent trade outcomes and the fee schedule. All methods are safe for
// concurrent use. Sequences such as size-then-lock are not transactional.
type Ledger struct {
	symbol      string
	maxAlloc    float64
	fallbackFee float64
	log         *zap.Logger

	mu            sync.RWMutex
	equity        float64
	openPositions map[string]float64
	outcomes      *outcomeRing
	makerFee      float64
	takerFee      float64
}

type Options struct {
	Symbol        string
	InitialEquity float64
	MaxAlloc      float64
	HistorySize   int
	FallbackFee   float64
}

func NewLedger(opts Options, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.FallbackFee <= 0 {
		opts.FallbackFee = DefaultFee
	}
	return &Ledger{
		symbol:        opts.Symbol,
		maxAlloc:      opts.MaxAlloc,
		fallbackFee:   opts.FallbackFee,
		log:           log.With(zap.String("component", "ledger")),
		equity:        opts.InitialEquity,
		openPositions: make(map[string]float64),
		outcomes:      newOutcomeRing(opts.HistorySize),
		makerFee:      opts.FallbackFee,
		takerFee:      opts.FallbackFee,
	}
}

// FetchFees loads the configured symbol's fees. Any failure leaves both fees
// at the fallback value; the error is only logged.
func (l *Ledger) FetchFees(ctx context.Context, source FeeSource) {
	maker, taker := l.fallbackFee, l.fallbackFee
	if err := l.lookupFees(ctx, source, &maker, &taker); err != nil {
		l.log.Warn("fee fetch failed, using fallback", zap.Error(err), zap.Float64("fee", l.fallbackFee))
		maker, taker = l.fallbackFee, l.fallbackFee
	}
	l.mu.Lock()
	l.makerFee = maker
	l.takerFee = taker
	l.mu.Unlock()
	l.log.Info("fees loaded", zap.Float64("maker_fee", maker), zap.Float64("taker_fee", taker))
}

func (l *Ledger) lookupFees(ctx context.Context, source FeeSource, maker, taker *float64) error {
	if source == nil {
		return errors.New("fee source is required")
	}
	fees, err := source.TradingFees(ctx)
	if err != nil {
		return err
	}
	fee, ok := fees[l.symbol]
	if !ok {
		return fmt.Errorf("%s: %w", l.symbol, ErrFeeNotFound)
	}
	*maker = fee.Maker
	*taker = fee.Taker
	return nil
}

func (l *Ledger) Fees() Fee {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Fee{Maker: l.makerFee, Taker: l.takerFee}
}

// EstimateWinProb is the mean of the outcome history, or the cold-start prior
// when no outcome has been recorded.
func (l *Ledger) EstimateWinProb() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.winProbLocked()
}

func (l *Ledger) winProbLocked() float64 {
	if l.outcomes.Len() == 0 {
		return ColdStartWinProb
	}
	return float64(l.outcomes.Wins()) / float64(l.outcomes.Len())
}

// AvailableEquity is equity minus all locked collateral. It is not clamped and
// can be negative.
func (l *Ledger) AvailableEquity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.availableLocked()
}

func (l *Ledger) availableLocked() float64 {
	var locked float64
	for _, amount := range l.openPositions {
		locked += amount
	}
	return l.equity - locked
}

func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equity
}

// PositionSize returns the hedge size in asset units for tick using a half
// Kelly fraction capped at maxAlloc. Zero means no trade. It has no side
// effects.
func (l *Ledger) PositionSize(tick market.Tick) float64 {
	if !finitePositive(tick.SpotPrice) || !finitePositive(tick.PerpPrice) {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	basisPct := (tick.PerpPrice - tick.SpotPrice) / tick.SpotPrice
	feeSlippage := l.takerFee + SlippageCushion
	edge := math.Abs(basisPct) - feeSlippage
	winProb := l.winProbLocked()
	if edge <= 0 || winProb < MinWinProb {
		return 0
	}
	kelly := (winProb*edge - (1 - winProb)) / edge
	kelly *= kellyScale
	kelly = math.Max(0, math.Min(kelly, l.maxAlloc))
	size := l.availableLocked() * kelly / tick.SpotPrice
	if !finitePositive(size) {
		return 0
	}
	return size
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// LockCollateral overwrites the symbol's locked amount. One open position per
// symbol is supported; concurrent hedges on a symbol are last-write-wins.
func (l *Ledger) LockCollateral(symbol string, lockedUSD float64) {
	l.mu.Lock()
	prev, existed := l.openPositions[symbol]
	l.openPositions[symbol] = lockedUSD
	l.mu.Unlock()
	if existed {
		l.log.Warn("collateral lock overwritten", zap.String("symbol", symbol), zap.Float64("previous_usd", prev), zap.Float64("locked_usd", lockedUSD))
	}
}

// LockedCollateral reports the symbol's locked amount and whether a position
// is open.
func (l *Ledger) LockedCollateral(symbol string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	amount, ok := l.openPositions[symbol]
	return amount, ok
}

// RecordTradeOutcome is the only path that releases collateral. pnl > 0 counts
// as a win; equity moves by pnl unconditionally.
func (l *Ledger) RecordTradeOutcome(symbol string, pnlUSD float64) {
	l.mu.Lock()
	l.outcomes.Push(pnlUSD > 0)
	l.equity += pnlUSD
	delete(l.openPositions, symbol)
	l.mu.Unlock()
}

func (l *Ledger) HistoryLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outcomes.Len()
}
