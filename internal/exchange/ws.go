// ws.go implements the streaming transport: one WebSocket connection
// carrying the public channels (ticker, depth, trade) and the private
// account messages.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes on reconnection. A read deadline (90s) ensures silent
// server failures are detected within ~2 missed pings. After every
// (re)connect the client downloads the fulldepth and fullhistory
// snapshots over HTTP (gated by load_fulldepth / load_history) and
// requests the account info and open-order list when credentials are
// available.
package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradeterm/internal/config"
	"tradeterm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// WSClient is the concrete Transport: a WebSocket stream plus an HTTP
// client for snapshots and (optionally) private calls.
type WSClient struct {
	Feed

	cfg    config.APIConfig
	secret *Secret
	http   *HTTPClient
	logger *slog.Logger

	// limiter paces all outbound private calls so command bursts
	// (cancel_by_type over a long owns list) don't trip server limits.
	limiter *rate.Limiter

	connMu sync.Mutex
	conn   *websocket.Conn
	connID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient creates the transport for the configured market. The secret
// may be empty; the client then serves public data only.
func NewWSClient(cfg config.APIConfig, secret *Secret, logger *slog.Logger) *WSClient {
	return &WSClient{
		Feed:    NewFeed(),
		cfg:     cfg,
		secret:  secret,
		http:    NewHTTPClient(cfg, secret, logger),
		logger:  logger.With("component", "ws"),
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// HasSecret reports whether trading credentials are available.
func (c *WSClient) HasSecret() bool {
	return c.secret != nil && c.secret.Known()
}

// Start connects and begins delivering events. Non-blocking; the
// connection loop runs until Stop.
func (c *WSClient) Start() error {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	return nil
}

// Stop shuts the transport down and waits for the connection loop.
func (c *WSClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// run maintains the connection with auto-reconnect.
func (c *WSClient) run() {
	backoff := time.Second

	for {
		err := c.connectAndRead(c.ctx)
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		c.disconnected.Emit(c, nil)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (c *WSClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connID = uuid.New().String()[:8]
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	for _, channel := range []string{"ticker", "depth", "trade"} {
		if err := c.writeJSON(map[string]any{"op": "subscribe", "channel": channel}); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	c.logger.Info("websocket connected", "conn_id", c.connID)
	c.connected.Emit(c, nil)

	// Snapshots and account bootstrap run in the background so the read
	// loop starts draining immediately.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.bootstrap(ctx)
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(pingCtx)
	}()

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.recv.Emit(c, msg)
	}
}

// bootstrap downloads snapshots and requests account state after connect.
func (c *WSClient) bootstrap(ctx context.Context) {
	if c.cfg.LoadFullDepth {
		if depth, err := c.http.FetchFullDepth(ctx); err != nil {
			c.logger.Error("fulldepth download failed", "error", err)
			c.fullDepth.Emit(c, types.FullDepth{Error: err.Error()})
		} else {
			c.fullDepth.Emit(c, *depth)
		}
	}

	if c.cfg.LoadHistory {
		trades, err := c.http.FetchFullHistory(ctx, c.HistoryLastCandle())
		if err != nil {
			c.logger.Error("fullhistory download failed", "error", err)
		} else {
			c.fullHistory.Emit(c, trades)
		}
	}

	if c.HasSecret() {
		if err := c.SendSignedCall("private/info", nil, "info"); err != nil {
			c.logger.Error("info request failed", "error", err)
		}
		if err := c.SendSignedCall("private/orders", nil, "orders"); err != nil {
			c.logger.Error("orders request failed", "error", err)
		}
	}
}

// SendOrderAdd submits a new order. The request id encodes side, price
// and volume so the ack can be correlated back into a pending own order.
func (c *WSClient) SendOrderAdd(side types.Side, price, volume decimal.Decimal) error {
	reqid := fmt.Sprintf("order_add:%s:%s:%s", side, price, volume)
	params := map[string]any{
		"type":   side,
		"amount": volume.String(),
	}
	if !price.IsZero() {
		params["price"] = price.String()
	}
	return c.SendSignedCall("order/add", params, reqid)
}

// SendOrderCancel requests cancellation of an order by oid.
func (c *WSClient) SendOrderCancel(oid string) error {
	return c.SendSignedCall("order/cancel", map[string]any{"oid": oid}, "order_cancel:"+oid)
}

// SendSignedCall issues an authenticated call. The reply comes back as an
// op=result message with the given reqid, over the socket or — when
// use_http_api is set — as the HTTP response body replayed onto the recv
// signal.
func (c *WSClient) SendSignedCall(endpoint string, params map[string]any, reqid string) error {
	if !c.HasSecret() {
		return fmt.Errorf("signed call %s: no secret available", endpoint)
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	call := map[string]any{
		"id":       reqid,
		"call":     endpoint,
		"params":   params,
		"item":     c.cfg.BaseCurrency,
		"currency": c.cfg.QuoteCurrency,
	}
	if c.cfg.UseTonce {
		call["tonce"] = time.Now().UnixMicro()
	} else {
		call["nonce"] = time.Now().UnixMicro()
	}

	raw, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}

	if c.cfg.UseHTTPAPI {
		body, err := c.http.SignedCall(ctx, endpoint, raw)
		if err != nil {
			return err
		}
		c.recv.Emit(c, body)
		return nil
	}

	sign, err := c.secret.Sign(raw)
	if err != nil {
		return err
	}
	return c.writeJSON(map[string]any{
		"op":        "call",
		"id":        reqid,
		"call":      base64.StdEncoding.EncodeToString(raw),
		"key":       c.secret.Key,
		"signature": base64.StdEncoding.EncodeToString(sign),
	})
}

func (c *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WSClient) url() string {
	scheme := "ws"
	if c.cfg.UseSSL {
		scheme = "wss"
	}
	path := "/stream"
	if c.cfg.UsePlainOldWebsocket {
		path = "/websocket"
	}
	return fmt.Sprintf("%s://%s%s?market=%s%s",
		scheme, c.cfg.WSHost, path, c.cfg.BaseCurrency, c.cfg.QuoteCurrency)
}

func (c *WSClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSClient) writeMessage(msgType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(msgType, data)
}
