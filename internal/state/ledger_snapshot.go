package state

import (
	"context"
	"encoding/json"
	"strings"

	"binance-basis-bot/internal/risk"
)

const LedgerSnapshotKey = "risk:ledger_snapshot"

type LedgerSnapshot struct {
	Symbol      string        `json:"symbol"`
	Ledger      risk.Snapshot `json:"ledger"`
	UpdatedAtMS int64         `json:"updated_at_ms"`
}

func LoadLedgerSnapshot(ctx context.Context, store Store) (LedgerSnapshot, bool, error) {
	if store == nil {
		return LedgerSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, LedgerSnapshotKey)
	if err != nil {
		return LedgerSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return LedgerSnapshot{}, false, nil
	}
	var snapshot LedgerSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return LedgerSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveLedgerSnapshot(ctx context.Context, store Store, snapshot LedgerSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerSnapshotKey, string(payload))
}
