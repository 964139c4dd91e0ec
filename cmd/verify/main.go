package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"binance-basis-bot/internal/binance"
	"binance-basis-bot/internal/binance/ws"
	"binance-basis-bot/internal/config"
	"binance-basis-bot/internal/exec"
	"binance-basis-bot/internal/logging"
	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/risk"

	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultTickTimeout   = 20 * time.Second
)

// report is printed as JSON once every check has run.
type report struct {
	Symbol      string      `json:"symbol"`
	MakerFee    float64     `json:"maker_fee"`
	TakerFee    float64     `json:"taker_fee"`
	FundingRate *float64    `json:"funding_rate,omitempty"`
	ListenKey   string      `json:"listen_key,omitempty"`
	Tick        *tickReport `json:"tick,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
}

type tickReport struct {
	SpotPrice   float64 `json:"spot_price"`
	PerpPrice   float64 `json:"perp_price"`
	BasisPct    float64 `json:"basis_pct"`
	WinProb     float64 `json:"win_prob"`
	Size        float64 `json:"size"`
	SpotSide    string  `json:"spot_side,omitempty"`
	PerpSide    string  `json:"perp_side,omitempty"`
	Quantity    string  `json:"quantity,omitempty"`
	NotionalUSD float64 `json:"notional_usd"`
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	skipListenKey := flag.Bool("skip-listen-key", false, "do not open a user data stream listen key")
	skipTick := flag.Bool("skip-tick", false, "do not wait for a live tick from the market stream")
	tickTimeout := flag.Duration("tick-timeout", defaultTickTimeout, "how long to wait for the first tick")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	client, err := binance.New(cfg.Exchange, log)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	symbol := cfg.Exchange.Symbol
	out := report{Symbol: symbol}

	ledger := risk.NewLedger(risk.Options{
		Symbol:        symbol,
		InitialEquity: cfg.Risk.InitialEquity,
		MaxAlloc:      cfg.Risk.MaxAlloc,
		HistorySize:   cfg.Risk.HistorySize,
		FallbackFee:   cfg.Risk.FallbackFee,
	}, log)
	if fees, err := client.TradingFees(ctx); err != nil {
		out.Errors = append(out.Errors, err.Error())
	} else if _, ok := fees[symbol]; !ok {
		out.Errors = append(out.Errors, fmt.Sprintf("fee schedule has no entry for %s", symbol))
	}
	ledger.FetchFees(ctx, client)
	fees := ledger.Fees()
	out.MakerFee, out.TakerFee = fees.Maker, fees.Taker

	if rate, err := client.LatestFundingRate(ctx, symbol); err != nil {
		out.Errors = append(out.Errors, err.Error())
	} else {
		out.FundingRate = &rate
	}

	if !*skipListenKey {
		key, err := client.NewListenKey(ctx)
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
		} else if err := client.KeepAliveListenKey(ctx); err != nil {
			out.Errors = append(out.Errors, err.Error())
		} else {
			out.ListenKey = key
		}
	}

	if !*skipTick {
		tick, err := firstTick(ctx, cfg, client, log, *tickTimeout)
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
		} else {
			out.Tick = describeTick(ledger, tick, cfg.Exchange.QuantityPrecision)
		}
	}

	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
	if len(out.Errors) > 0 {
		os.Exit(1)
	}
}

// firstTick runs the market feed until it emits one tick.
func firstTick(ctx context.Context, cfg *config.Config, client *binance.Client, log *zap.Logger, timeout time.Duration) (market.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream := ws.New(market.StreamURL(cfg.Exchange.MarketWSURL, cfg.Exchange.Symbol), cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	feed := market.NewFeed(cfg.Exchange.Symbol, stream, client, cfg.Feed.FundingRefresh, 1, log, nil)
	go func() { _ = feed.Run(ctx) }()
	select {
	case tick, ok := <-feed.Ticks():
		if !ok {
			return market.Tick{}, errors.New("market feed closed before the first tick")
		}
		return tick, nil
	case <-ctx.Done():
		return market.Tick{}, fmt.Errorf("no tick within %s: %w", timeout, ctx.Err())
	}
}

// describeTick reports the hedge the bot would launch for tick. Nothing is
// submitted.
func describeTick(ledger *risk.Ledger, tick market.Tick, precision int32) *tickReport {
	size := ledger.PositionSize(tick)
	rep := &tickReport{
		SpotPrice:   tick.SpotPrice,
		PerpPrice:   tick.PerpPrice,
		BasisPct:    tick.BasisPct(),
		WinProb:     ledger.EstimateWinProb(),
		Size:        size,
		NotionalUSD: size * tick.SpotPrice,
	}
	if size <= 0 {
		return rep
	}
	spotSide, perpSide := exec.Directions(tick)
	rep.SpotSide, rep.PerpSide = string(spotSide), string(perpSide)
	if qty, err := binance.FormatQuantity(size, precision); err == nil {
		rep.Quantity = qty
	}
	return rep
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
