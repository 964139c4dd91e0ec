package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// Metrics is the set of instruments the pipeline reports into. Every field is
// always non-nil; use NewNoop when nothing should be exported.
type Metrics struct {
	TicksIngested    Counter
	TicksDropped     Counter
	FeedReconnects   Counter
	FundingRefreshed Counter
	FundingFailed    Counter
	OrdersPlaced     Counter
	OrdersFailed     Counter
	HedgesPlaced     Counter
	HedgesFailed     Counter
	HedgesUnwind     Counter
	FillEvents       Counter
	BatchesFlushed   Counter
	BatchesFailed    Counter
	Equity           Gauge
	AvailableEquity  Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		TicksIngested:    n,
		TicksDropped:     n,
		FeedReconnects:   n,
		FundingRefreshed: n,
		FundingFailed:    n,
		OrdersPlaced:     n,
		OrdersFailed:     n,
		HedgesPlaced:     n,
		HedgesFailed:     n,
		HedgesUnwind:     n,
		FillEvents:       n,
		BatchesFlushed:   n,
		BatchesFailed:    n,
		Equity:           g,
		AvailableEquity:  g,
	}
}
