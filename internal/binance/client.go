package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"binance-basis-bot/internal/config"

	"go.uber.org/zap"
)

const apiKeyHeader = "X-MBX-APIKEY"

// APIError is the error body Binance returns alongside non-2xx statuses.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance http %d: code=%d msg=%s", e.Status, e.Code, e.Msg)
}

// Client talks to the Binance spot and USDT-M futures REST APIs.
type Client struct {
	spotBaseURL    string
	futuresBaseURL string
	http           *http.Client
	signer         *Signer
	apiKey         string
	recvWindow     time.Duration
	precision      int32
	log            *zap.Logger
	now            func() time.Time
}

func New(cfg config.ExchangeConfig, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("binance api key and secret are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	spot := strings.TrimRight(cfg.SpotBaseURL, "/")
	if spot == "" {
		spot = "https://api.binance.com"
	}
	futures := strings.TrimRight(cfg.FuturesBaseURL, "/")
	if futures == "" {
		futures = "https://fapi.binance.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		spotBaseURL:    spot,
		futuresBaseURL: futures,
		http:           &http.Client{Timeout: timeout},
		signer:         NewSigner(cfg.APISecret),
		apiKey:         cfg.APIKey,
		recvWindow:     cfg.RecvWindow,
		precision:      cfg.QuantityPrecision,
		log:            log.With(zap.String("component", "binance")),
		now:            time.Now,
	}, nil
}

func (c *Client) publicRequest(ctx context.Context, method, baseURL, path string, params url.Values, out any) error {
	return c.do(ctx, method, baseURL+path, params.Encode(), false, out)
}

// keyedRequest carries the API key header but no signature (listen key endpoints).
func (c *Client) keyedRequest(ctx context.Context, method, baseURL, path string, params url.Values, out any) error {
	return c.do(ctx, method, baseURL+path, params.Encode(), true, out)
}

func (c *Client) signedRequest(ctx context.Context, method, baseURL, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	query := c.signer.SignQuery(params.Encode())
	return c.do(ctx, method, baseURL+path, query, true, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, query string, withKey bool, out any) error {
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if withKey {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) == nil && apiErr.Msg != "" {
			return apiErr
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
