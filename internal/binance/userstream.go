package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// NewListenKey opens a futures user data stream.
func (c *Client) NewListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.keyedRequest(ctx, http.MethodPost, c.futuresBaseURL, "/fapi/v1/listenKey", nil, &resp); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the active listen key by 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.keyedRequest(ctx, http.MethodPut, c.futuresBaseURL, "/fapi/v1/listenKey", nil, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// UserStreamURL joins the user stream base and a listen key.
func UserStreamURL(base, listenKey string) string {
	return strings.TrimRight(base, "/") + "/" + listenKey
}
