package persist

import (
	"context"
	"errors"
	"time"

	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	finalFlushTimeout    = 5 * time.Second
)

// Sink stores a batch of ticks. Implementations write the batch atomically.
type Sink interface {
	WriteBatch(ctx context.Context, ticks []market.Tick) error
}

// Batcher buffers ticks and flushes them to the sink when the buffer reaches
// batchSize or when flushInterval has elapsed since the first buffered tick,
// whichever comes first. A failed write is logged and the batch is dropped.
type Batcher struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics
}

func NewBatcher(sink Sink, batchSize int, flushInterval time.Duration, log *zap.Logger, m *metrics.Metrics) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Batcher{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log.With(zap.String("component", "batcher")),
		metrics:       m,
	}
}

// Run consumes ticks until in is closed or ctx is done. Buffered ticks are
// flushed on the way out using a short detached deadline.
func (b *Batcher) Run(ctx context.Context, in <-chan market.Tick) error {
	if b.sink == nil {
		return errors.New("batcher sink is required")
	}
	buf := make([]market.Tick, 0, b.batchSize)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	flush := func(ctx context.Context, reason string) {
		stopTimer()
		if len(buf) == 0 {
			return
		}
		b.write(ctx, buf, reason)
		buf = make([]market.Tick, 0, b.batchSize)
	}
	finalFlush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		flush(flushCtx, "shutdown")
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return nil
		case tick, ok := <-in:
			if !ok {
				finalFlush()
				return nil
			}
			buf = append(buf, tick)
			if len(buf) == 1 {
				timer = time.NewTimer(b.flushInterval)
				timerC = timer.C
			}
			if len(buf) >= b.batchSize {
				flush(ctx, "size")
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush(ctx, "interval")
		}
	}
}

func (b *Batcher) write(ctx context.Context, batch []market.Tick, reason string) {
	if err := b.sink.WriteBatch(ctx, batch); err != nil {
		b.metrics.BatchesFailed.Inc()
		b.log.Warn("batch write failed, dropping batch",
			zap.Error(err),
			zap.Int("ticks", len(batch)),
			zap.String("trigger", reason),
		)
		return
	}
	b.metrics.BatchesFlushed.Inc()
	b.log.Debug("batch flushed", zap.Int("ticks", len(batch)), zap.String("trigger", reason))
}
