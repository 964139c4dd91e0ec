package state

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

const hedgeKeyPrefix = "hedge:"

type HedgeStatus string

const (
	HedgePending        HedgeStatus = "pending"
	HedgeSpotFilled     HedgeStatus = "spot_filled"
	HedgePlaced         HedgeStatus = "placed"
	HedgeFailed         HedgeStatus = "failed"
	HedgeUnwindRequired HedgeStatus = "unwind_required"
	// HedgeInterrupted is a pending or spot_filled hedge left behind by an
	// earlier process. Its spot leg may be open.
	HedgeInterrupted HedgeStatus = "interrupted"
)

// HedgeRecord is the journal entry for one two-leg hedge attempt.
type HedgeRecord struct {
	ID          string      `msgpack:"id"`
	Symbol      string      `msgpack:"symbol"`
	Size        float64     `msgpack:"size"`
	SpotPrice   float64     `msgpack:"spot_price"`
	PerpPrice   float64     `msgpack:"perp_price"`
	SpotSide    string      `msgpack:"spot_side"`
	PerpSide    string      `msgpack:"perp_side"`
	SpotOrderID string      `msgpack:"spot_order_id,omitempty"`
	PerpOrderID string      `msgpack:"perp_order_id,omitempty"`
	LockedUSD   float64     `msgpack:"locked_usd,omitempty"`
	Status      HedgeStatus `msgpack:"status"`
	Error       string      `msgpack:"error,omitempty"`
	CreatedAtMS int64       `msgpack:"created_at_ms"`
	UpdatedAtMS int64       `msgpack:"updated_at_ms"`
}

func SaveHedge(ctx context.Context, store Store, record HedgeRecord) error {
	if store == nil {
		return nil
	}
	if record.ID == "" {
		return errors.New("hedge id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(&record)
	if err != nil {
		return err
	}
	return store.Set(ctx, hedgeKeyPrefix+record.ID, base64.StdEncoding.EncodeToString(payload))
}

func LoadHedge(ctx context.Context, store Store, id string) (HedgeRecord, bool, error) {
	if store == nil {
		return HedgeRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, hedgeKeyPrefix+id)
	if err != nil || !ok {
		return HedgeRecord{}, false, err
	}
	record, err := decodeHedge(raw)
	if err != nil {
		return HedgeRecord{}, false, fmt.Errorf("hedge %s: %w", id, err)
	}
	return record, true, nil
}

// LoadHedges returns journal entries oldest first, optionally filtered by
// status.
func LoadHedges(ctx context.Context, store Store, statuses ...HedgeStatus) ([]HedgeRecord, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := store.List(ctx, hedgeKeyPrefix)
	if err != nil {
		return nil, err
	}
	want := make(map[HedgeStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	records := make([]HedgeRecord, 0, len(items))
	for key, raw := range items {
		record, err := decodeHedge(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if len(want) > 0 && !want[record.Status] {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAtMS == records[j].CreatedAtMS {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAtMS < records[j].CreatedAtMS
	})
	return records, nil
}

// MarkInterrupted rewrites pending and spot_filled records to interrupted and
// returns them. It must run before the process launches any hedge.
func MarkInterrupted(ctx context.Context, store Store, nowMS int64) ([]HedgeRecord, error) {
	records, err := LoadHedges(ctx, store, HedgePending, HedgeSpotFilled)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Status = HedgeInterrupted
		records[i].UpdatedAtMS = nowMS
		if err := SaveHedge(ctx, store, records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// PruneHedges deletes records in statuses last updated before cutoffMS and
// returns how many were removed.
func PruneHedges(ctx context.Context, store Store, cutoffMS int64, statuses ...HedgeStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, errors.New("prune requires at least one status")
	}
	records, err := LoadHedges(ctx, store, statuses...)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range records {
		if record.UpdatedAtMS >= cutoffMS {
			continue
		}
		if err := store.Delete(ctx, hedgeKeyPrefix+record.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func decodeHedge(raw string) (HedgeRecord, error) {
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return HedgeRecord{}, err
	}
	var record HedgeRecord
	if err := msgpack.Unmarshal(payload, &record); err != nil {
		return HedgeRecord{}, err
	}
	return record, nil
}
