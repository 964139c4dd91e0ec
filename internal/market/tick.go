package market

import "time"

// Tick is one observation of the spot/perp pair. Values are copied on send and
// never mutated after the feed emits them.
type Tick struct {
	Symbol      string
	Timestamp   time.Time
	SpotPrice   float64
	PerpPrice   float64
	FundingRate float64
}

// BasisPct is (perp - spot) / spot.
func (t Tick) BasisPct() float64 {
	if t.SpotPrice == 0 {
		return 0
	}
	return (t.PerpPrice - t.SpotPrice) / t.SpotPrice
}
