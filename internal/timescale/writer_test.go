package timescale

import (
	"context"
	"strings"
	"testing"
	"time"

	"binance-basis-bot/internal/config"
	"binance-basis-bot/internal/market"

	"go.uber.org/zap"
)

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{DSN: "  "}, "binance", nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestWriterDefaults(t *testing.T) {
	w := newWriter(nil, "", "", "", zap.NewNop())
	if w.qualified() != "public.prices" {
		t.Fatalf("unexpected table %q", w.qualified())
	}
	if w.exchange != "binance" {
		t.Fatalf("unexpected exchange %q", w.exchange)
	}
}

func TestQueriesUseQualifiedTable(t *testing.T) {
	w := newWriter(nil, "market", "ticks", "binance", zap.NewNop())
	for name, q := range map[string]string{
		"create":     w.createTableQuery(),
		"hypertable": w.hypertableQuery(),
		"insert":     w.insertQuery(),
	} {
		if !strings.Contains(q, "market.ticks") {
			t.Fatalf("%s query missing table: %s", name, q)
		}
	}
	if !strings.Contains(w.hypertableQuery(), "'timestamp'") {
		t.Fatalf("expected hypertable on timestamp column")
	}
	for _, col := range []string{"timestamp", "exchange", "symbol", "spot", "perp", "funding_rate"} {
		if !strings.Contains(w.createTableQuery(), col) || !strings.Contains(w.insertQuery(), col) {
			t.Fatalf("column %s missing from schema or insert", col)
		}
	}
}

func TestTickArgsOrder(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	args := tickArgs("binance", market.Tick{Symbol: "BTCUSDT", Timestamp: ts, SpotPrice: 100, PerpPrice: 101, FundingRate: 0.0001})
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
	if got := args[0].(time.Time); !got.Equal(ts) || got.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", got)
	}
	if args[1] != "binance" || args[2] != "BTCUSDT" || args[3] != 100.0 || args[4] != 101.0 || args[5] != 0.0001 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	w := newWriter(nil, "", "", "", zap.NewNop())
	if err := w.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil for empty batch, got %v", err)
	}
}
