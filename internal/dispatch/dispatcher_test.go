package dispatch

import (
	"context"
	"testing"
	"time"

	"binance-basis-bot/internal/market"
)

func ticks(n int) []market.Tick {
	out := make([]market.Tick, n)
	for i := range out {
		out[i] = market.Tick{Symbol: "BTCUSDT", SpotPrice: float64(100 + i), PerpPrice: float64(101 + i)}
	}
	return out
}

func TestEveryConsumerReceivesEveryTick(t *testing.T) {
	d := New(nil, nil)
	a, err := d.Subscribe("decision", 16)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := d.Subscribe("persist", 16)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	in := make(chan market.Tick, 10)
	for _, tick := range ticks(10) {
		in <- tick
	}
	close(in)
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	for name, ch := range map[string]<-chan market.Tick{"decision": a, "persist": b} {
		var got []market.Tick
		for tick := range ch {
			got = append(got, tick)
		}
		if len(got) != 10 {
			t.Fatalf("%s: expected 10 ticks, got %d", name, len(got))
		}
		for i, tick := range got {
			if tick.SpotPrice != float64(100+i) {
				t.Fatalf("%s: tick %d out of order: %+v", name, i, tick)
			}
		}
	}
}

func TestStalledConsumerDoesNotBlockOthers(t *testing.T) {
	d := New(nil, nil)
	stalled, _ := d.Subscribe("stalled", 2)
	live, _ := d.Subscribe("live", 1)

	in := make(chan market.Tick)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, in) }()

	for i, tick := range ticks(50) {
		select {
		case in <- tick:
		case <-time.After(time.Second):
			t.Fatalf("ingestion blocked at tick %d", i)
		}
		select {
		case got := <-live:
			if got.SpotPrice != tick.SpotPrice {
				t.Fatalf("live consumer got %v, want %v", got.SpotPrice, tick.SpotPrice)
			}
		case <-time.After(time.Second):
			t.Fatalf("live consumer starved at tick %d", i)
		}
	}
	close(in)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	var kept []market.Tick
	for tick := range stalled {
		kept = append(kept, tick)
	}
	if len(kept) != 2 {
		t.Fatalf("expected stalled consumer to keep 2 ticks, got %d", len(kept))
	}
	if kept[0].SpotPrice != 148 || kept[1].SpotPrice != 149 {
		t.Fatalf("expected newest ticks retained, got %+v", kept)
	}
}

func TestSubscribeAfterRunFails(t *testing.T) {
	d := New(nil, nil)
	in := make(chan market.Tick)
	close(in)
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := d.Subscribe("late", 1); err != ErrStarted {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := New(nil, nil)
	out, _ := d.Subscribe("decision", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx, make(chan market.Tick)); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := <-out; ok {
		t.Fatalf("expected subscriber channel closed")
	}
}
