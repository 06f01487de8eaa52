package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Update is one market event delivered to the strategy driver. Index is a
// monotonically increasing update counter for the life of the process.
type Update struct {
	Index int64
	Price float64
	Time  time.Time
}

type tradeMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
		TimeMS int64   `json:"ts"`
	} `json:"data"`
}

// Client streams trades for one symbol and invokes the per-update callback.
// It reconnects with a fixed delay and replays its subscription after each
// reconnect.
type Client struct {
	url            string
	symbol         string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	index int64
}

func New(url, symbol string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{
		url:            url,
		symbol:         symbol,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{"channel": "trades", "symbol": c.symbol},
	}
	return writeJSON(ctx, conn, sub)
}

func (c *Client) Run(ctx context.Context, handler func(Update)) error {
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("feed connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) readLoop(ctx context.Context, handler func(Update)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		upd, ok := c.parseTrade(data)
		if !ok {
			continue
		}
		if handler != nil {
			handler(upd)
		}
	}
}

func (c *Client) parseTrade(data []byte) (Update, bool) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Update{}, false
	}
	if msg.Channel != "trades" || msg.Data.Symbol != c.symbol || msg.Data.Price <= 0 {
		return Update{}, false
	}
	ts := time.Now()
	if msg.Data.TimeMS > 0 {
		ts = time.UnixMilli(msg.Data.TimeMS)
	}
	c.mu.Lock()
	c.index++
	idx := c.index
	c.mu.Unlock()
	return Update{Index: idx, Price: msg.Data.Price, Time: ts}, true
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("feed read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("feed read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
