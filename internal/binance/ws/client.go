package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

// Handler receives the lifecycle of every connection the client opens.
// Connected and Handle run with a context that is cancelled when the
// connection ends; returning an error from either aborts the connection.
type Handler interface {
	Connected(ctx context.Context) error
	Handle(ctx context.Context, msg []byte) error
	Disconnected(err error)
}

// Endpoint resolves the URL to dial. It is called once per connection attempt
// so session-scoped URLs (listen keys) are refreshed on every reconnect.
type Endpoint func(ctx context.Context) (string, error)

type Client struct {
	endpoint       Endpoint
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return NewWithEndpoint(func(context.Context) (string, error) { return url, nil }, reconnectDelay, pingInterval, log)
}

func NewWithEndpoint(endpoint Endpoint, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{endpoint: endpoint, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// Run keeps a connection open until ctx is cancelled. Every failure (dial,
// handler error, read error, remote close) is followed by a fixed
// reconnectDelay pause; there is no retry limit.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("ws handler is required")
	}
	for {
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			handler.Disconnected(ctx.Err())
			return ctx.Err()
		}
		handler.Disconnected(err)
		c.logSessionError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context, handler Handler) error {
	url, err := c.endpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "reset") }()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(sessCtx, conn)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()

	if err := handler.Connected(sessCtx); err != nil {
		return fmt.Errorf("on connect: %w", err)
	}
	for {
		_, data, err := conn.Read(sessCtx)
		if err != nil {
			return err
		}
		if err := handler.Handle(sessCtx, data); err != nil {
			return fmt.Errorf("handle message: %w", err)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (c *Client) logSessionError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws connection closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason), zap.Duration("reconnect_in", c.reconnectDelay))
			return
		}
	}
	c.log.Warn("ws connection lost", zap.Error(err), zap.Duration("reconnect_in", c.reconnectDelay))
}
