package risk

// Snapshot is a point-in-time copy of the ledger state.
type Snapshot struct {
	Equity          float64            `json:"equity"`
	AvailableEquity float64            `json:"available_equity"`
	Locked          map[string]float64 `json:"locked"`
	Outcomes        []bool             `json:"outcomes"`
	MakerFee        float64            `json:"maker_fee"`
	TakerFee        float64            `json:"taker_fee"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	locked := make(map[string]float64, len(l.openPositions))
	for symbol, amount := range l.openPositions {
		locked[symbol] = amount
	}
	return Snapshot{
		Equity:          l.equity,
		AvailableEquity: l.availableLocked(),
		Locked:          locked,
		Outcomes:        l.outcomes.Values(),
		MakerFee:        l.makerFee,
		TakerFee:        l.takerFee,
	}
}

// Restore replaces equity, locks and outcome history. Fees are left alone;
// they are always re-fetched at startup.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.equity = snap.Equity
	l.openPositions = make(map[string]float64, len(snap.Locked))
	for symbol, amount := range snap.Locked {
		l.openPositions[symbol] = amount
	}
	l.outcomes = newOutcomeRing(l.outcomes.Cap())
	for _, win := range snap.Outcomes {
		l.outcomes.Push(win)
	}
}
