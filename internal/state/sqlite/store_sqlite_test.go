package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"binance-basis-bot/internal/state"
)

var _ state.Store = (*Store)(nil)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	for k, v := range map[string]string{
		"hedge:1":       "a",
		"hedge:2":       "b",
		"hedgefund":     "x",
		"risk:snapshot": "y",
		"hedge%:3":      "z",
	} {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	got, err := store.List(ctx, "hedge:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got["hedge:1"] != "a" || got["hedge:2"] != "b" {
		t.Fatalf("unexpected list result %v", got)
	}
}

func TestStoreHedgeJournalOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	ctx := context.Background()
	record := state.HedgeRecord{ID: "h-1", Symbol: "BTCUSDT", Status: state.HedgeUnwindRequired, CreatedAtMS: 1}
	if err := state.SaveHedge(ctx, store, record); err != nil {
		t.Fatalf("save hedge: %v", err)
	}
	_ = store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	records, err := state.LoadHedges(ctx, reopened, state.HedgeUnwindRequired)
	if err != nil {
		t.Fatalf("load hedges: %v", err)
	}
	if len(records) != 1 || records[0] != record {
		t.Fatalf("unexpected records %+v", records)
	}
}
