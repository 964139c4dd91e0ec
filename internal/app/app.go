package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"binance-basis-bot/internal/alerts"
	"binance-basis-bot/internal/binance"
	"binance-basis-bot/internal/binance/ws"
	"binance-basis-bot/internal/config"
	"binance-basis-bot/internal/dispatch"
	"binance-basis-bot/internal/exec"
	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/metrics"
	"binance-basis-bot/internal/persist"
	"binance-basis-bot/internal/risk"
	"binance-basis-bot/internal/state"
	"binance-basis-bot/internal/state/sqlite"
	"binance-basis-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	decisionConsumer = "decision"
	persistConsumer  = "persist"
	shutdownTimeout  = 5 * time.Second
)

// openHedgeStatuses are journal states that may leave a naked spot leg.
var openHedgeStatuses = []state.HedgeStatus{state.HedgeUnwindRequired, state.HedgeInterrupted}

// App wires the feed, the dispatcher and its two consumers (hedge decisions
// and batched persistence), the fill listener and the operator surface.
type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	client     *binance.Client
	sink       persist.Sink
	closers    []io.Closer
	ledger     *risk.Ledger
	feed       *market.Feed
	dispatcher *dispatch.Dispatcher
	batcher    *persist.Batcher
	executor   *exec.Executor
	fills      *exec.FillListener
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     *alerts.Telegram

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	client, err := binance.New(cfg.Exchange, log)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, cfg.Exchange.Label, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := build(cfg, log, client, store, writer)
	a.closers = append(a.closers, writer, store)
	return a, nil
}

func build(cfg *config.Config, log *zap.Logger, client *binance.Client, store state.Store, sink persist.Sink) *App {
	if log == nil {
		log = zap.NewNop()
	}
	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	symbol := cfg.Exchange.Symbol
	ledger := risk.NewLedger(risk.Options{
		Symbol:        symbol,
		InitialEquity: cfg.Risk.InitialEquity,
		MaxAlloc:      cfg.Risk.MaxAlloc,
		HistorySize:   cfg.Risk.HistorySize,
		FallbackFee:   cfg.Risk.FallbackFee,
	}, log)

	marketWS := ws.New(market.StreamURL(cfg.Exchange.MarketWSURL, symbol), cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	feed := market.NewFeed(symbol, marketWS, client, cfg.Feed.FundingRefresh, cfg.Feed.TickBuffer, log, m)

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	executor := exec.New(&exchangeAdapter{client: client}, ledger, exec.Options{
		MarginFraction: cfg.Risk.MarginFraction,
		Store:          store,
		Alerts:         alertsClient,
		Metrics:        m,
	}, log)

	// A fresh listen key is requested on every (re)connect.
	userWS := ws.NewWithEndpoint(func(ctx context.Context) (string, error) {
		key, err := client.NewListenKey(ctx)
		if err != nil {
			return "", err
		}
		return binance.UserStreamURL(cfg.Exchange.UserWSURL, key), nil
	}, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	fills := exec.NewFillListener(userWS, client, ledger, log, m)

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		client:     client,
		sink:       sink,
		ledger:     ledger,
		feed:       feed,
		dispatcher: dispatch.New(log, m),
		batcher:    persist.NewBatcher(sink, cfg.Persist.BatchSize, cfg.Persist.FlushInterval, log, m),
		executor:   executor,
		fills:      fills,
		metrics:    m,
		prom:       prom,
		alerts:     alertsClient,
	}
	fills.OnOutcome(a.onOutcome)
	return a
}

// Run blocks until ctx is cancelled or a component fails. Hedges already in
// flight are allowed to finish before the ledger snapshot is written.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	a.restoreLedger(ctx)
	a.reconcileHedges(ctx)
	a.ledger.FetchFees(ctx, a.client)
	a.updateEquityGauges()

	decisions, err := a.dispatcher.Subscribe(decisionConsumer, a.cfg.Dispatch.BufferSize)
	if err != nil {
		return err
	}
	persisted, err := a.dispatcher.Subscribe(persistConsumer, a.cfg.Dispatch.BufferSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.feed.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx, a.feed.Ticks()) })
	g.Go(func() error { return a.batcher.Run(gctx, persisted) })
	g.Go(func() error { return a.decide(gctx, decisions) })
	g.Go(func() error { return a.fills.Run(gctx) })
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if a.operatorEnabled() {
		g.Go(func() error {
			a.runOperator(gctx)
			return nil
		})
	}
	a.log.Info("pipeline started",
		zap.String("symbol", a.cfg.Exchange.Symbol),
		zap.Float64("equity", a.ledger.Equity()),
		zap.Float64("max_alloc", a.cfg.Risk.MaxAlloc),
	)
	err = g.Wait()

	a.executor.Wait()
	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.saveLedgerSnapshot(saveCtx)
	a.log.Info("pipeline stopped", zap.Error(err))
	return err
}

func (a *App) decide(ctx context.Context, ticks <-chan market.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			a.evaluate(ctx, tick)
		}
	}
}

// evaluate sizes a hedge for tick and launches it without waiting for the
// legs. Nothing serializes launches per symbol; consecutive ticks can size
// against the same available equity before the first hedge locks collateral.
func (a *App) evaluate(ctx context.Context, tick market.Tick) {
	a.updateEquityGauges()
	if a.isPaused() {
		return
	}
	size := a.ledger.PositionSize(tick)
	if size <= 0 {
		return
	}
	a.log.Info("hedge signal",
		zap.String("symbol", tick.Symbol),
		zap.Float64("spot", tick.SpotPrice),
		zap.Float64("perp", tick.PerpPrice),
		zap.Float64("basis_pct", tick.BasisPct()),
		zap.Float64("size", size),
	)
	a.executor.Launch(ctx, tick, size)
}

func (a *App) onOutcome(ctx context.Context, fill exec.FillEvent) {
	a.updateEquityGauges()
	a.saveLedgerSnapshot(ctx)
}

func (a *App) updateEquityGauges() {
	a.metrics.Equity.Set(a.ledger.Equity())
	a.metrics.AvailableEquity.Set(a.ledger.AvailableEquity())
}

func (a *App) restoreLedger(ctx context.Context) {
	if !a.cfg.Risk.RestoreState {
		return
	}
	snap, ok, err := state.LoadLedgerSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("ledger snapshot load failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if snap.Symbol != a.cfg.Exchange.Symbol {
		a.log.Warn("ledger snapshot symbol mismatch, ignoring",
			zap.String("snapshot_symbol", snap.Symbol),
			zap.String("symbol", a.cfg.Exchange.Symbol),
		)
		return
	}
	a.ledger.Restore(snap.Ledger)
	a.log.Info("ledger restored",
		zap.Float64("equity", a.ledger.Equity()),
		zap.Float64("available_equity", a.ledger.AvailableEquity()),
		zap.Int("history", a.ledger.HistoryLen()),
		zap.Time("updated_at", time.UnixMilli(snap.UpdatedAtMS).UTC()),
	)
}

func (a *App) saveLedgerSnapshot(ctx context.Context) {
	snap := state.LedgerSnapshot{
		Symbol:      a.cfg.Exchange.Symbol,
		Ledger:      a.ledger.Snapshot(),
		UpdatedAtMS: time.Now().UTC().UnixMilli(),
	}
	if err := state.SaveLedgerSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("ledger snapshot save failed", zap.Error(err))
	}
}

// reconcileHedges runs before any hedge is launched. Records still pending
// or spot_filled were cut off by an earlier process and become interrupted;
// they and unwind-required records are reported and never unwound
// automatically. Old placed and failed records are pruned.
func (a *App) reconcileHedges(ctx context.Context) {
	if a.store == nil {
		return
	}
	now := time.Now().UTC()
	if _, err := state.MarkInterrupted(ctx, a.store, now.UnixMilli()); err != nil {
		a.log.Warn("hedge journal reconcile failed", zap.Error(err))
	}
	if retention := a.cfg.State.HedgeRetention; retention > 0 {
		removed, err := state.PruneHedges(ctx, a.store, now.Add(-retention).UnixMilli(), state.HedgePlaced, state.HedgeFailed)
		if err != nil {
			a.log.Warn("hedge journal prune failed", zap.Error(err))
		} else if removed > 0 {
			a.log.Info("hedge journal pruned", zap.Int("removed", removed), zap.Duration("retention", retention))
		}
	}
	open, err := state.LoadHedges(ctx, a.store, openHedgeStatuses...)
	if err != nil {
		a.log.Warn("hedge journal load failed", zap.Error(err))
		return
	}
	for _, rec := range open {
		msg := "hedge from previous run requires manual unwind"
		if rec.Status == state.HedgeInterrupted {
			msg = "hedge from previous run was interrupted, check spot leg"
		}
		a.log.Error(msg,
			zap.String("hedge_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.String("symbol", rec.Symbol),
			zap.Float64("size", rec.Size),
			zap.String("spot_side", rec.SpotSide),
			zap.String("spot_order_id", rec.SpotOrderID),
			zap.String("error", rec.Error),
		)
	}
}

// serveMetrics exposes the Prometheus registry. A listener failure is logged
// and does not stop trading.
func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
		return nil
	}
}

func (a *App) close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}

type exchangeAdapter struct {
	client *binance.Client
}

func (e *exchangeAdapter) PlaceSpotMarketOrder(ctx context.Context, order exec.Order) (string, error) {
	if e.client == nil {
		return "", errors.New("exchange client is required")
	}
	ack, err := e.client.PlaceSpotMarketOrder(ctx, orderRequest(order))
	if err != nil {
		return "", err
	}
	return orderID(ack, order), nil
}

func (e *exchangeAdapter) PlacePerpMarketOrder(ctx context.Context, order exec.Order) (string, error) {
	if e.client == nil {
		return "", errors.New("exchange client is required")
	}
	ack, err := e.client.PlacePerpMarketOrder(ctx, orderRequest(order))
	if err != nil {
		return "", err
	}
	return orderID(ack, order), nil
}

func orderRequest(order exec.Order) binance.OrderRequest {
	return binance.OrderRequest{
		Symbol:        order.Symbol,
		Side:          binance.Side(order.Side),
		Quantity:      order.Quantity,
		ClientOrderID: order.ClientOrderID,
	}
}

// orderID prefers the exchange id. An accepted order without one is still
// placed and is tracked by its client order id.
func orderID(ack binance.OrderAck, order exec.Order) string {
	if ack.OrderID != 0 {
		return strconv.FormatInt(ack.OrderID, 10)
	}
	if ack.ClientOrderID != "" {
		return ack.ClientOrderID
	}
	return order.ClientOrderID
}
