package dispatch

import (
	"context"
	"errors"
	"sync"

	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/metrics"

	"go.uber.org/zap"
)

var ErrStarted = errors.New("dispatcher already running")

// Dispatcher broadcasts every inbound tick to each subscriber through its own
// bounded buffer. A full buffer drops that subscriber's oldest tick so a slow
// consumer never blocks ingestion or its peers.
type Dispatcher struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	subs    []*subscriber
	started bool
}

type subscriber struct {
	name    string
	ch      chan market.Tick
	dropped uint64
}

func New(log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Dispatcher{log: log.With(zap.String("component", "dispatcher")), metrics: m}
}

// Subscribe registers a consumer. It must be called before Run; the returned
// channel is closed when Run returns.
func (d *Dispatcher) Subscribe(name string, size int) (<-chan market.Tick, error) {
	if size <= 0 {
		size = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil, ErrStarted
	}
	sub := &subscriber{name: name, ch: make(chan market.Tick, size)}
	d.subs = append(d.subs, sub)
	return sub.ch, nil
}

// Run forwards ticks from in until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, in <-chan market.Tick) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrStarted
	}
	d.started = true
	subs := d.subs
	d.mu.Unlock()
	defer func() {
		for _, sub := range subs {
			close(sub.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-in:
			if !ok {
				return nil
			}
			for _, sub := range subs {
				d.offer(sub, tick)
			}
		}
	}
}

func (d *Dispatcher) offer(sub *subscriber, tick market.Tick) {
	for {
		select {
		case sub.ch <- tick:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
			d.metrics.TicksDropped.Inc()
			if sub.dropped == 1 || sub.dropped%1000 == 0 {
				d.log.Warn("consumer lagging, dropped oldest tick",
					zap.String("consumer", sub.name),
					zap.Uint64("dropped_total", sub.dropped),
				)
			}
		default:
		}
	}
}
