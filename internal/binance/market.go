package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"binance-basis-bot/internal/market"
	"binance-basis-bot/internal/risk"

	"github.com/shopspring/decimal"
)

// ErrNoFundingHistory aliases the feed's sentinel so an empty history keeps
// the cached rate.
var ErrNoFundingHistory = market.ErrNoFundingHistory

type tradeFee struct {
	Symbol          string          `json:"symbol"`
	MakerCommission decimal.Decimal `json:"makerCommission"`
	TakerCommission decimal.Decimal `json:"takerCommission"`
}

type fundingEntry struct {
	Symbol      string          `json:"symbol"`
	FundingTime int64           `json:"fundingTime"`
	FundingRate decimal.Decimal `json:"fundingRate"`
}

// TradingFees returns the account's spot commission schedule keyed by symbol.
func (c *Client) TradingFees(ctx context.Context) (map[string]risk.Fee, error) {
	var entries []tradeFee
	if err := c.signedRequest(ctx, http.MethodGet, c.spotBaseURL, "/sapi/v1/asset/tradeFee", nil, &entries); err != nil {
		return nil, fmt.Errorf("trade fee: %w", err)
	}
	fees := make(map[string]risk.Fee, len(entries))
	for _, entry := range entries {
		fees[entry.Symbol] = risk.Fee{
			Maker: entry.MakerCommission.InexactFloat64(),
			Taker: entry.TakerCommission.InexactFloat64(),
		}
	}
	return fees, nil
}

// LatestFundingRate returns the most recent settled funding rate for symbol.
func (c *Client) LatestFundingRate(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "1")
	var entries []fundingEntry
	if err := c.publicRequest(ctx, http.MethodGet, c.futuresBaseURL, "/fapi/v1/fundingRate", params, &entries); err != nil {
		return 0, fmt.Errorf("funding rate: %w", err)
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoFundingHistory)
	}
	return entries[len(entries)-1].FundingRate.InexactFloat64(), nil
}
