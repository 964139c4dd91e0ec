package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"binance-basis-bot/internal/binance/ws"
	"binance-basis-bot/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultKeepAliveInterval = 30 * time.Minute
	orderTradeUpdate         = "ORDER_TRADE_UPDATE"
)

// KeepAliver extends the lifetime of the active user stream listen key.
type KeepAliver interface {
	KeepAliveListenKey(ctx context.Context) error
}

type StreamRunner interface {
	Run(ctx context.Context, handler ws.Handler) error
}

type OutcomeRecorder interface {
	RecordTradeOutcome(symbol string, pnlUSD float64)
}

// FillEvent is the order object of an ORDER_TRADE_UPDATE event.
type FillEvent struct {
	Symbol         string
	Side           string
	Status         string
	ClientOrderID  string
	CumulativeQty  float64
	LastPrice      float64
	RealizedProfit float64
	EventTimeMS    int64
}

// FillListener consumes the futures user data stream and reports every order
// update to the ledger, which releases the symbol's collateral.
//
// Realized PnL is not reconciled across the two hedge legs: every update is
// recorded with pnl 0. The exchange-reported realized profit is logged only.
type FillListener struct {
	stream    StreamRunner
	keepAlive KeepAliver
	interval  time.Duration
	ledger    OutcomeRecorder
	onOutcome func(ctx context.Context, fill FillEvent)
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewFillListener(stream StreamRunner, keepAlive KeepAliver, ledger OutcomeRecorder, log *zap.Logger, m *metrics.Metrics) *FillListener {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &FillListener{
		stream:    stream,
		keepAlive: keepAlive,
		interval:  DefaultKeepAliveInterval,
		ledger:    ledger,
		log:       log.With(zap.String("component", "fills")),
		metrics:   m,
	}
}

// OnOutcome registers a callback run after each recorded outcome.
func (l *FillListener) OnOutcome(fn func(ctx context.Context, fill FillEvent)) {
	l.onOutcome = fn
}

func (l *FillListener) Run(ctx context.Context) error {
	if l.stream == nil {
		return errors.New("fill listener stream is required")
	}
	if l.ledger == nil {
		return errors.New("fill listener ledger is required")
	}
	return l.stream.Run(ctx, l)
}

// Connected starts the listen key keepalive for the lifetime of the session.
func (l *FillListener) Connected(ctx context.Context) error {
	l.log.Info("user data stream connected")
	if l.keepAlive != nil && l.interval > 0 {
		go l.keepAliveLoop(ctx)
	}
	return nil
}

func (l *FillListener) Disconnected(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	l.log.Warn("user data stream disconnected", zap.Error(err))
}

func (l *FillListener) Handle(ctx context.Context, msg []byte) error {
	fill, ok, err := parseOrderTradeUpdate(msg)
	if err != nil {
		// A single bad event is not worth a reconnect and a fresh listen key.
		l.log.Warn("invalid user stream event", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	l.metrics.FillEvents.Inc()
	l.ledger.RecordTradeOutcome(fill.Symbol, 0)
	l.log.Info("order update recorded",
		zap.String("symbol", fill.Symbol),
		zap.String("side", fill.Side),
		zap.String("status", fill.Status),
		zap.String("client_order_id", fill.ClientOrderID),
		zap.Float64("cumulative_qty", fill.CumulativeQty),
		zap.Float64("last_price", fill.LastPrice),
		zap.Float64("exchange_realized_profit", fill.RealizedProfit),
	)
	if l.onOutcome != nil {
		l.onOutcome(ctx, fill)
	}
	return nil
}

func (l *FillListener) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.keepAlive.KeepAliveListenKey(ctx); err != nil {
				l.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// Binance event keys differ only by case ("x"/"X", "l"/"L"), which struct
// decoding would conflate, so fields are looked up by exact key.
type rawObject map[string]json.RawMessage

func (o rawObject) stringField(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (o rawObject) floatField(key string) float64 {
	v, err := strconv.ParseFloat(o.stringField(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func (o rawObject) intField(key string) int64 {
	v, err := strconv.ParseInt(o.stringField(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseOrderTradeUpdate returns ok=false for any other event type.
func parseOrderTradeUpdate(msg []byte) (FillEvent, bool, error) {
	var evt rawObject
	if err := json.Unmarshal(msg, &evt); err != nil {
		return FillEvent{}, false, err
	}
	if evt.stringField("e") != orderTradeUpdate {
		return FillEvent{}, false, nil
	}
	raw, ok := evt["o"]
	if !ok {
		return FillEvent{}, false, errors.New("order update missing order object")
	}
	var o rawObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return FillEvent{}, false, fmt.Errorf("order object: %w", err)
	}
	symbol := o.stringField("s")
	if symbol == "" {
		return FillEvent{}, false, errors.New("order update missing symbol")
	}
	return FillEvent{
		Symbol:         symbol,
		Side:           o.stringField("S"),
		Status:         o.stringField("X"),
		ClientOrderID:  o.stringField("c"),
		CumulativeQty:  o.floatField("z"),
		LastPrice:      o.floatField("L"),
		RealizedProfit: o.floatField("rp"),
		EventTimeMS:    evt.intField("E"),
	}, true, nil
}
