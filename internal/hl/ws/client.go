package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("ws not connected")

var pingMessage = map[string]string{"method": "ping"}

// Client is a reconnecting websocket session. Subscriptions registered with
// Subscribe are replayed on every fresh connection.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        []any
	everDialed  bool
	onReconnect func()
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// OnReconnect registers fn to run after subscriptions are replayed on a
// reconnect. It is not called for the first connection.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Connect dials eagerly so that callers can send before Run starts.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.establish(ctx)
	return err
}

func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return send(ctx, conn, sub)
}

// Send writes msg on the current connection only.
func (c *Client) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return send(ctx, conn, msg)
}

// Run reads messages into handler until ctx is done, reconnecting after
// reconnectDelay whenever the session ends.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logSessionEnd(err)
		c.drop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context, handler func(json.RawMessage)) error {
	conn, err := c.establish(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(pingCtx, conn)
	}()
	defer func() {
		stopPing()
		wg.Wait()
	}()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

// establish returns the live connection, dialing and replaying subscriptions
// when there is none.
func (c *Client) establish(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.conn = conn
	reconnect := c.everDialed
	c.everDialed = true
	subs := append([]any(nil), c.subs...)
	hook := c.onReconnect
	c.mu.Unlock()

	for _, sub := range subs {
		if err := send(ctx, conn, sub); err != nil {
			return nil, fmt.Errorf("replay subscription: %w", err)
		}
	}
	if reconnect && hook != nil {
		hook()
	}
	return conn, nil
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
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
			if err := send(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logSessionEnd(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		c.log.Info("ws session closed", zap.String("url", c.url), zap.String("reason", closeErr.Reason))
		return
	}
	c.log.Warn("ws session ended", zap.String("url", c.url), zap.Error(err))
}

func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reconnect")
		c.conn = nil
	}
}

func send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
