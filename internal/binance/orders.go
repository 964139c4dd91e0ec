package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

var ErrQuantityTooSmall = errors.New("order quantity rounds to zero")

type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      float64
	ClientOrderID string
}

// OrderAck is the subset of the order response shared by spot and futures.
type OrderAck struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
}

// PlaceSpotMarketOrder submits a MARKET order on the spot exchange.
func (c *Client) PlaceSpotMarketOrder(ctx context.Context, order OrderRequest) (OrderAck, error) {
	return c.placeMarketOrder(ctx, c.spotBaseURL, "/api/v3/order", order)
}

// PlacePerpMarketOrder submits a MARKET order on the USDT-M futures exchange.
func (c *Client) PlacePerpMarketOrder(ctx context.Context, order OrderRequest) (OrderAck, error) {
	return c.placeMarketOrder(ctx, c.futuresBaseURL, "/fapi/v1/order", order)
}

func (c *Client) placeMarketOrder(ctx context.Context, baseURL, path string, order OrderRequest) (OrderAck, error) {
	params, err := marketOrderParams(order, c.precision)
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := c.signedRequest(ctx, http.MethodPost, baseURL, path, params, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("%s %s market order: %w", order.Symbol, order.Side, err)
	}
	return ack, nil
}

func marketOrderParams(order OrderRequest, precision int32) (url.Values, error) {
	if order.Symbol == "" {
		return nil, errors.New("order symbol is required")
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return nil, fmt.Errorf("invalid order side %q", order.Side)
	}
	qty, err := FormatQuantity(order.Quantity, precision)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", qty)
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	return params, nil
}

// FormatQuantity truncates qty to precision decimals; it never rounds up.
func FormatQuantity(qty float64, precision int32) (string, error) {
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return "", fmt.Errorf("non-finite quantity %v", qty)
	}
	if precision < 0 {
		precision = 0
	}
	d := decimal.NewFromFloat(qty).Truncate(precision)
	if !d.IsPositive() {
		return "", fmt.Errorf("%v: %w", qty, ErrQuantityTooSmall)
	}
	return d.String(), nil
}
