package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"binance-basis-bot/internal/binance/ws"
	"binance-basis-bot/internal/metrics"

	"go.uber.org/zap"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateStreaming    State = "STREAMING"
)

// ErrNoFundingHistory is returned by a FundingSource when the exchange has no
// settled funding entry for the symbol yet.
var ErrNoFundingHistory = errors.New("funding history is empty")

// FundingSource returns the most recent funding rate for a perpetual symbol.
type FundingSource interface {
	LatestFundingRate(ctx context.Context, symbol string) (float64, error)
}

// StreamRunner drives a reconnecting stream connection.
type StreamRunner interface {
	Run(ctx context.Context, handler ws.Handler) error
}

// Feed turns the combined ticker/mark-price stream into Ticks. Prices are
// cached between messages; the funding rate is refreshed out of band through
// the FundingSource and may be stale for up to fundingRefresh.
type Feed struct {
	symbol         string
	stream         StreamRunner
	funding        FundingSource
	fundingRefresh time.Duration
	out            chan Tick
	log            *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	mu               sync.RWMutex
	state            State
	spotPrice        float64
	perpPrice        float64
	hasSpot          bool
	hasPerp          bool
	fundingRate      float64
	lastFundingFetch time.Time
}

func NewFeed(symbol string, stream StreamRunner, funding FundingSource, fundingRefresh time.Duration, buffer int, log *zap.Logger, m *metrics.Metrics) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Feed{
		symbol:         symbol,
		stream:         stream,
		funding:        funding,
		fundingRefresh: fundingRefresh,
		out:            make(chan Tick, buffer),
		log:            log.With(zap.String("component", "feed"), zap.String("symbol", symbol)),
		metrics:        m,
		now:            func() time.Time { return time.Now().UTC() },
		state:          StateDisconnected,
	}
}

// Ticks is closed when Run returns.
func (f *Feed) Ticks() <-chan Tick {
	return f.out
}

func (f *Feed) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// FundingRate returns the cached rate and whether it has ever been fetched.
func (f *Feed) FundingRate() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fundingRate, !f.lastFundingFetch.IsZero()
}

// Run streams until ctx is cancelled. Connection failures never end the loop.
func (f *Feed) Run(ctx context.Context) error {
	if f.stream == nil {
		close(f.out)
		return errors.New("feed stream is required")
	}
	defer close(f.out)
	return f.stream.Run(ctx, f)
}

func (f *Feed) Connected(ctx context.Context) error {
	f.mu.Lock()
	f.state = StateStreaming
	fetched := !f.lastFundingFetch.IsZero()
	f.mu.Unlock()
	f.log.Info("market stream connected")
	if !fetched {
		f.refreshFunding(ctx)
	}
	return nil
}

func (f *Feed) Disconnected(err error) {
	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	f.metrics.FeedReconnects.Inc()
}

func (f *Feed) Handle(ctx context.Context, msg []byte) error {
	kind, price, err := parseStreamMessage(msg)
	if err != nil {
		return err
	}
	if kind == updateNone {
		return nil
	}
	f.mu.Lock()
	switch kind {
	case updateSpot:
		f.spotPrice = price
		f.hasSpot = true
	case updatePerp:
		f.perpPrice = price
		f.hasPerp = true
	}
	ready := f.hasSpot && f.hasPerp
	f.mu.Unlock()
	if !ready {
		return nil
	}
	if f.fundingDue() {
		f.refreshFunding(ctx)
	}
	return f.emit(ctx)
}

func (f *Feed) emit(ctx context.Context) error {
	f.mu.RLock()
	tick := Tick{
		Symbol:      f.symbol,
		Timestamp:   f.now(),
		SpotPrice:   f.spotPrice,
		PerpPrice:   f.perpPrice,
		FundingRate: f.fundingRate,
	}
	f.mu.RUnlock()
	select {
	case f.out <- tick:
		f.metrics.TicksIngested.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) fundingDue() bool {
	f.mu.RLock()
	last := f.lastFundingFetch
	f.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return f.now().Sub(last) >= f.fundingRefresh
}

// refreshFunding blocks the emit path. On failure the rate falls back to 0,
// except for an empty funding history which keeps the last known rate. The
// fetch instant is recorded either way so the refresh cadence holds.
func (f *Feed) refreshFunding(ctx context.Context) {
	f.mu.RLock()
	rate := f.fundingRate
	f.mu.RUnlock()
	if f.funding == nil {
		rate = 0
		f.log.Warn("funding source not configured, using 0")
	} else if got, err := f.funding.LatestFundingRate(ctx, f.symbol); errors.Is(err, ErrNoFundingHistory) {
		f.metrics.FundingFailed.Inc()
		f.log.Warn("funding history empty, keeping last rate", zap.Float64("funding_rate", rate))
	} else if err != nil {
		rate = 0
		f.metrics.FundingFailed.Inc()
		f.log.Warn("funding rate refresh failed, using 0", zap.Error(err))
	} else {
		rate = got
		f.metrics.FundingRefreshed.Inc()
		f.log.Debug("funding rate refreshed", zap.Float64("funding_rate", rate))
	}
	f.mu.Lock()
	f.fundingRate = rate
	f.lastFundingFetch = f.now()
	f.mu.Unlock()
}
