package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "basis_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	p.Metrics = &Metrics{
		TicksIngested:    p.counter("ticks_ingested_total", "Total number of ticks emitted by the market data feed."),
		TicksDropped:     p.counter("ticks_dropped_total", "Total number of ticks dropped by the dispatcher on consumer overflow."),
		FeedReconnects:   p.counter("feed_reconnects_total", "Total number of stream reconnect attempts."),
		FundingRefreshed: p.counter("funding_refreshed_total", "Total number of successful funding rate refreshes."),
		FundingFailed:    p.counter("funding_failed_total", "Total number of failed funding rate refreshes."),
		OrdersPlaced:     p.counter("orders_placed_total", "Total number of orders placed."),
		OrdersFailed:     p.counter("orders_failed_total", "Total number of order placement failures."),
		HedgesPlaced:     p.counter("hedges_placed_total", "Total number of hedges with both legs placed."),
		HedgesFailed:     p.counter("hedges_failed_total", "Total number of hedges that failed before any leg was placed."),
		HedgesUnwind:     p.counter("hedges_unwind_required_total", "Total number of hedges left one-sided after the second leg failed."),
		FillEvents:       p.counter("fill_events_total", "Total number of order/trade update events reconciled."),
		BatchesFlushed:   p.counter("batches_flushed_total", "Total number of tick batches written to the sink."),
		BatchesFailed:    p.counter("batches_failed_total", "Total number of tick batch writes that failed."),
		Equity:           p.gauge("equity_usd", "Ledger equity in USD."),
		AvailableEquity:  p.gauge("available_equity_usd", "Ledger equity minus locked collateral in USD."),
	}
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) gauge(name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(g)
	p.gauges[name] = g
	return promGauge{g}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
