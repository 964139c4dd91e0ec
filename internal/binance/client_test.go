package binance

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"binance-basis-bot/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(config.ExchangeConfig{
		SpotBaseURL:       srv.URL,
		FuturesBaseURL:    srv.URL,
		Timeout:           time.Second,
		RecvWindow:        5 * time.Second,
		QuantityPrecision: 3,
		APIKey:            "key",
		APISecret:         "secret",
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(config.ExchangeConfig{APIKey: "key"}, nil); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestSignerMatchesBinanceExample(t *testing.T) {
	// Example from the Binance API documentation.
	s := NewSigner("NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := s.Sign(query); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestTradingFeesSigned(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sapi/v1/asset/tradeFee" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != "key" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		if q.Get("timestamp") != "1700000000000" || q.Get("recvWindow") != "5000" {
			t.Errorf("unexpected timing params %v", q)
		}
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if idx < 0 {
			t.Errorf("signature missing: %s", raw)
		} else if got := raw[idx+len("&signature="):]; got != NewSigner("secret").Sign(raw[:idx]) {
			t.Errorf("bad signature %s", got)
		}
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","makerCommission":"0.0002","takerCommission":"0.0004"},{"symbol":"ETHUSDT","makerCommission":"0.001","takerCommission":"0.001"}]`))
	})
	fees, err := c.TradingFees(context.Background())
	if err != nil {
		t.Fatalf("trading fees: %v", err)
	}
	if fees["BTCUSDT"].Maker != 0.0002 || fees["BTCUSDT"].Taker != 0.0004 {
		t.Fatalf("unexpected fees %+v", fees["BTCUSDT"])
	}
	if len(fees) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(fees))
	}
}

func TestLatestFundingRateTakesLastEntry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/fundingRate" || r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.URL.Query().Get("signature") != "" {
			t.Errorf("public endpoint should not be signed")
		}
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingTime":1,"fundingRate":"0.00005"},{"symbol":"BTCUSDT","fundingTime":2,"fundingRate":"0.00010000"}]`))
	})
	rate, err := c.LatestFundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if rate != 0.0001 {
		t.Fatalf("expected 0.0001, got %v", rate)
	}
}

func TestLatestFundingRateEmptyHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	if _, err := c.LatestFundingRate(context.Background(), "BTCUSDT"); !errors.Is(err, ErrNoFundingHistory) {
		t.Fatalf("expected ErrNoFundingHistory, got %v", err)
	}
}

func TestAPIErrorParsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})
	_, err := c.PlaceSpotMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -2010 || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestMarketOrdersHitSpotAndFutures(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		q := r.URL.Query()
		if r.Method != http.MethodPost || q.Get("type") != "MARKET" || q.Get("quantity") != "0.123" {
			t.Errorf("unexpected order request %s %v", r.Method, q)
		}
		if q.Get("newClientOrderId") != "hedge-1" {
			t.Errorf("missing client order id")
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"hedge-1","status":"FILLED","executedQty":"0.123"}`))
	})
	order := OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Quantity: 0.12399, ClientOrderID: "hedge-1"}
	ack, err := c.PlaceSpotMarketOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("spot order: %v", err)
	}
	if ack.OrderID != 42 || ack.Status != "FILLED" || ack.ExecutedQty.String() != "0.123" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if _, err := c.PlacePerpMarketOrder(context.Background(), order); err != nil {
		t.Fatalf("perp order: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/api/v3/order" || paths[1] != "/fapi/v1/order" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestFormatQuantityTruncates(t *testing.T) {
	cases := []struct {
		qty       float64
		precision int32
		want      string
	}{
		{0.12399, 3, "0.123"},
		{100, 3, "100"},
		{1.5, 0, "1"},
	}
	for _, tc := range cases {
		got, err := FormatQuantity(tc.qty, tc.precision)
		if err != nil || got != tc.want {
			t.Fatalf("FormatQuantity(%v,%d) = %q, %v; want %q", tc.qty, tc.precision, got, err, tc.want)
		}
	}
	if _, err := FormatQuantity(0.0004, 3); !errors.Is(err, ErrQuantityTooSmall) {
		t.Fatalf("expected ErrQuantityTooSmall, got %v", err)
	}
	for _, qty := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := FormatQuantity(qty, 3); err == nil {
			t.Fatalf("expected error for %v", qty)
		}
	}
}

func TestMarketOrderParamsValidation(t *testing.T) {
	if _, err := marketOrderParams(OrderRequest{Side: SideBuy, Quantity: 1}, 3); err == nil {
		t.Fatalf("expected missing symbol error")
	}
	if _, err := marketOrderParams(OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Quantity: 1}, 3); err == nil {
		t.Fatalf("expected invalid side error")
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/listenKey" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(apiKeyHeader) != "key" {
			t.Errorf("missing api key header")
		}
		methods = append(methods, r.Method)
		_, _ = w.Write([]byte(`{"listenKey":"abc123"}`))
	})
	key, err := c.NewListenKey(context.Background())
	if err != nil || key != "abc123" {
		t.Fatalf("listen key = %q, %v", key, err)
	}
	if err := c.KeepAliveListenKey(context.Background()); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if len(methods) != 2 || methods[0] != http.MethodPost || methods[1] != http.MethodPut {
		t.Fatalf("unexpected methods %v", methods)
	}
	if got := UserStreamURL("wss://fstream.binance.com/ws/", key); got != "wss://fstream.binance.com/ws/abc123" {
		t.Fatalf("unexpected user stream url %s", got)
	}
}
