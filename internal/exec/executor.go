package exec

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/metrics"
	"binance-basis-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMarginFraction = 0.01
	defaultHedgeTimeout   = 15 * time.Second
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type MarketType string

const (
	MarketSpot MarketType = "spot"
	MarketPerp MarketType = "perp"
)

type Order struct {
	Symbol        string
	Side          Side
	Quantity      float64
	ClientOrderID string
}

// Leg is one side of a hedge as submitted to the exchange.
type Leg struct {
	Market  MarketType
	Side    Side
	OrderID string
}

// Exchange places market orders and returns the exchange order id.
type Exchange interface {
	PlaceSpotMarketOrder(ctx context.Context, order Order) (string, error)
	PlacePerpMarketOrder(ctx context.Context, order Order) (string, error)
}

type CollateralLocker interface {
	LockCollateral(symbol string, lockedUSD float64)
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Options struct {
	MarginFraction float64
	HedgeTimeout   time.Duration
	Store          state.Store
	Alerts         Alerter
	Metrics        *metrics.Metrics
}

// Executor places two-leg spot/perp hedges. Legs are sequential: spot first,
// then perp. Collateral is locked only after both legs are accepted.
type Executor struct {
	exchange       Exchange
	ledger         CollateralLocker
	store          state.Store
	alerts         Alerter
	metrics        *metrics.Metrics
	marginFraction float64
	hedgeTimeout   time.Duration
	log            *zap.Logger
	now            func() time.Time
	newID          func() string

	wg sync.WaitGroup
}

func New(exchange Exchange, ledger CollateralLocker, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.MarginFraction <= 0 {
		opts.MarginFraction = DefaultMarginFraction
	}
	if opts.HedgeTimeout <= 0 {
		opts.HedgeTimeout = defaultHedgeTimeout
	}
	return &Executor{
		exchange:       exchange,
		ledger:         ledger,
		store:          opts.Store,
		alerts:         opts.Alerts,
		metrics:        opts.Metrics,
		marginFraction: opts.MarginFraction,
		hedgeTimeout:   opts.HedgeTimeout,
		log:            log.With(zap.String("component", "executor")),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Launch runs PlaceHedge in the background. The hedge is detached from ctx
// cancellation so a started hedge finishes both legs during shutdown; Wait
// blocks until every launched hedge has returned.
func (e *Executor) Launch(ctx context.Context, tick market.Tick, size float64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		hedgeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.hedgeTimeout)
		defer cancel()
		_ = e.PlaceHedge(hedgeCtx, tick, size)
	}()
}

func (e *Executor) Wait() {
	e.wg.Wait()
}

// Directions returns the spot and perp sides for tick: long the cheaper leg,
// short the richer one.
func Directions(tick market.Tick) (spot Side, perp Side) {
	if tick.PerpPrice > tick.SpotPrice {
		return SideBuy, SideSell
	}
	return SideSell, SideBuy
}

// PlaceHedge submits both legs for size units of tick.Symbol. Errors satisfy
// errors.Is with ErrHedgeNotPlaced or ErrUnwindRequired; both are logged and
// journaled here because Launch discards them.
func (e *Executor) PlaceHedge(ctx context.Context, tick market.Tick, size float64) error {
	hedgeID := e.newID()
	spotSide, perpSide := Directions(tick)
	log := e.log.With(
		zap.String("hedge_id", hedgeID),
		zap.String("symbol", tick.Symbol),
		zap.Float64("size", size),
		zap.Float64("spot_price", tick.SpotPrice),
		zap.Float64("perp_price", tick.PerpPrice),
	)
	record := state.HedgeRecord{
		ID:          hedgeID,
		Symbol:      tick.Symbol,
		Size:        size,
		SpotPrice:   tick.SpotPrice,
		PerpPrice:   tick.PerpPrice,
		SpotSide:    string(spotSide),
		PerpSide:    string(perpSide),
		Status:      state.HedgePending,
		CreatedAtMS: e.now().UnixMilli(),
	}
	if !(size > 0) || math.IsInf(size, 0) || !(tick.SpotPrice > 0) {
		err := fmt.Errorf("%w: invalid size %v at spot %v", ErrHedgeNotPlaced, size, tick.SpotPrice)
		e.metrics.HedgesFailed.Inc()
		log.Warn("hedge rejected", zap.Error(err))
		return err
	}
	e.journal(ctx, log, record)

	spotOrder := Order{Symbol: tick.Symbol, Side: spotSide, Quantity: size, ClientOrderID: hedgeID + "-s"}
	spotID, err := e.exchange.PlaceSpotMarketOrder(ctx, spotOrder)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.metrics.HedgesFailed.Inc()
		record.Status = state.HedgeFailed
		record.Error = err.Error()
		e.journal(ctx, log, record)
		log.Error("hedge spot leg failed, nothing filled", zap.String("spot_side", string(spotSide)), zap.Error(err))
		return fmt.Errorf("%w: spot leg: %w", ErrHedgeNotPlaced, err)
	}
	e.metrics.OrdersPlaced.Inc()
	record.SpotOrderID = spotID
	record.Status = state.HedgeSpotFilled
	e.journal(ctx, log, record)

	perpOrder := Order{Symbol: tick.Symbol, Side: perpSide, Quantity: size, ClientOrderID: hedgeID + "-p"}
	perpID, err := e.exchange.PlacePerpMarketOrder(ctx, perpOrder)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.metrics.HedgesUnwind.Inc()
		unwind := &UnwindRequiredError{
			HedgeID: hedgeID,
			Symbol:  tick.Symbol,
			Size:    size,
			Filled:  Leg{Market: MarketSpot, Side: spotSide, OrderID: spotID},
			Failed:  Leg{Market: MarketPerp, Side: perpSide},
			Err:     err,
		}
		record.Status = state.HedgeUnwindRequired
		record.Error = err.Error()
		e.journal(ctx, log, record)
		log.Error("hedge perp leg failed after spot fill, unwind required",
			zap.String("severity", "CRITICAL"),
			zap.Bool("unwind_required", true),
			zap.String("spot_order_id", spotID),
			zap.String("spot_side", string(spotSide)),
			zap.String("perp_side", string(perpSide)),
			zap.Error(err),
		)
		e.alert(ctx, log, unwind)
		return unwind
	}
	e.metrics.OrdersPlaced.Inc()
	record.PerpOrderID = perpID

	lockedUSD := size * tick.SpotPrice * e.marginFraction
	if e.ledger != nil {
		e.ledger.LockCollateral(tick.Symbol, lockedUSD)
	}
	e.metrics.HedgesPlaced.Inc()
	record.Status = state.HedgePlaced
	record.LockedUSD = lockedUSD
	e.journal(ctx, log, record)
	log.Info("hedge placed",
		zap.String("spot_order_id", spotID),
		zap.String("perp_order_id", perpID),
		zap.String("spot_side", string(spotSide)),
		zap.String("perp_side", string(perpSide)),
		zap.Float64("locked_usd", lockedUSD),
	)
	return nil
}

func (e *Executor) journal(ctx context.Context, log *zap.Logger, record state.HedgeRecord) {
	if e.store == nil {
		return
	}
	record.UpdatedAtMS = e.now().UnixMilli()
	if err := state.SaveHedge(ctx, e.store, record); err != nil {
		log.Warn("hedge journal write failed", zap.String("status", string(record.Status)), zap.Error(err))
	}
}

func (e *Executor) alert(ctx context.Context, log *zap.Logger, unwind *UnwindRequiredError) {
	if e.alerts == nil {
		return
	}
	msg := fmt.Sprintf("CRITICAL: unwind required for %s hedge %s. %s %s filled %v (order %s); %s %s failed: %v",
		unwind.Symbol, unwind.HedgeID,
		unwind.Filled.Market, unwind.Filled.Side, unwind.Size, unwind.Filled.OrderID,
		unwind.Failed.Market, unwind.Failed.Side, unwind.Err,
	)
	if err := e.alerts.Send(ctx, msg); err != nil {
		log.Warn("unwind alert failed", zap.Error(err))
	}
}
