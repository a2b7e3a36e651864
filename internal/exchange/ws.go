// ws.go implements WebSocket feeds for real-time Kraken data (API v2).
//
// Two independent feeds run concurrently:
//
//   - PublicFeed: subscribes to the "book" channel for a set of pairs,
//     receiving an initial snapshot followed by incremental updates per
//     pair. Subscriptions are sent in chunks of at most 50 pairs per
//     frame, at least 100ms apart, to stay inside Kraken's per-connection
//     subscription rate limit.
//
//   - PrivateFeed: authenticates with a WebSocket token (see auth.go) and
//     subscribes to the "executions" channel, which reports order state
//     transitions and fills. Each execution is correlated back to a
//     pending leg by its client-supplied userref (req_id).
//
// Both feeds auto-reconnect with exponential backoff (5s → 60s max, 10
// attempts before giving up) and re-subscribe to everything tracked on
// reconnection. A read deadline (60s) detects a silently dead connection
// within two missed heartbeats.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

const (
	wsReadTimeout      = 60 * time.Second
	wsWriteTimeout      = 10 * time.Second
	wsMinReconnectWait  = 5 * time.Second
	wsMaxReconnectWait  = 60 * time.Second
	wsMaxReconnectTries = 10
	wsSubscribeChunk    = 50
	wsSubscribeGap      = 100 * time.Millisecond

	publicWSURL  = "wss://ws.kraken.com/v2"
	privateWSURL = "wss://ws-auth.kraken.com/v2"
)

// BookUpdate is a parsed book-channel message: either a full snapshot
// (IsSnapshot) or an incremental delta, ready to feed into book.Cache's
// ApplySnapshot/ApplyIncrement.
type BookUpdate struct {
	Pair       string
	Bids       []types.OrderBookLevel
	Asks       []types.OrderBookLevel
	Sequence   uint64
	IsSnapshot bool
}

// Execution is a parsed execution-channel message: a fill or state
// transition for an order this engine placed.
type Execution struct {
	OrderID  string
	ClientID string // userref, correlates to Engine's pending-order table
	Status   string // new, filled, canceled, expired
	VolExec  float64
	Price    float64
	Fee      float64
}

// PublicFeed streams order-book state for a set of pairs.
type PublicFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subMu      sync.RWMutex
	subscribed map[string]bool

	bookCh chan BookUpdate
	logger *slog.Logger
}

// NewPublicFeed creates a book-channel feed. bufferSize bounds the
// update channel; a full channel drops the oldest pending update to
// make room for the newest, since a stale book update is worse than a
// skipped one.
func NewPublicFeed(logger *slog.Logger, bufferSize int) *PublicFeed {
	return &PublicFeed{
		url:        publicWSURL,
		subscribed: make(map[string]bool),
		bookCh:     make(chan BookUpdate, bufferSize),
		logger:     logger.With("component", "ws_public"),
	}
}

// Updates returns the channel of parsed book updates.
func (f *PublicFeed) Updates() <-chan BookUpdate { return f.bookCh }

// Subscribe adds pairs to the book-channel subscription, sending
// subscribe frames in chunks of wsSubscribeChunk, spaced wsSubscribeGap
// apart.
func (f *PublicFeed) Subscribe(ctx context.Context, pairs []string) error {
	f.subMu.Lock()
	for _, p := range pairs {
		f.subscribed[p] = true
	}
	f.subMu.Unlock()

	return f.sendChunked(ctx, pairs)
}

func (f *PublicFeed) sendChunked(ctx context.Context, pairs []string) error {
	for i := 0; i < len(pairs); i += wsSubscribeChunk {
		end := i + wsSubscribeChunk
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[i:end]

		msg := map[string]any{
			"method": "subscribe",
			"params": map[string]any{
				"channel": "book",
				"symbol":  chunk,
				"depth":   10,
			},
		}
		if err := f.writeJSON(msg); err != nil {
			return fmt.Errorf("subscribe chunk %d-%d: %w", i, end, err)
		}

		if end < len(pairs) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wsSubscribeGap):
			}
		}
	}
	return nil
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled or the reconnect attempt budget is exhausted.
func (f *PublicFeed) Run(ctx context.Context) error {
	return runWithReconnect(ctx, f.logger, f.connectAndRead)
}

func (f *PublicFeed) resubscribe(ctx context.Context) error {
	f.subMu.RLock()
	pairs := make([]string, 0, len(f.subscribed))
	for p := range f.subscribed {
		pairs = append(pairs, p)
	}
	f.subMu.RUnlock()
	if len(pairs) == 0 {
		return nil
	}
	return f.sendChunked(ctx, pairs)
}

func (f *PublicFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(ctx); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(data)
	}
}

func (f *PublicFeed) dispatch(data []byte) {
	var envelope struct {
		Channel string `json:"channel"`
		Type    string `json:"type"`
		Data    []struct {
			Symbol string `json:"symbol"`
			Bids   []struct {
				Price float64 `json:"price"`
				Qty   float64 `json:"qty"`
			} `json:"bids"`
			Asks []struct {
				Price float64 `json:"price"`
				Qty   float64 `json:"qty"`
			} `json:"asks"`
			Checksum uint64 `json:"checksum"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if envelope.Channel != "book" {
		return
	}

	for _, d := range envelope.Data {
		update := BookUpdate{
			Pair:       d.Symbol,
			Sequence:   d.Checksum,
			IsSnapshot: envelope.Type == "snapshot",
		}
		for _, b := range d.Bids {
			update.Bids = append(update.Bids, types.OrderBookLevel{Price: b.Price, Qty: b.Qty})
		}
		for _, a := range d.Asks {
			update.Asks = append(update.Asks, types.OrderBookLevel{Price: a.Price, Qty: a.Qty})
		}

		select {
		case f.bookCh <- update:
		default:
			// Drop the oldest queued update to make room; a stale update
			// is strictly worse than a skipped one for a live book.
			select {
			case <-f.bookCh:
			default:
			}
			select {
			case f.bookCh <- update:
			default:
			}
		}
	}
}

func (f *PublicFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

// PrivateFeed streams order executions (fills) for the authenticated
// account, correlating each one back to the engine's pending-order
// table by client ID.
type PrivateFeed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex

	execCh chan Execution
	logger *slog.Logger
}

// NewPrivateFeed creates an executions-channel feed authenticated via
// auth's cached WebSocket token.
func NewPrivateFeed(auth *Auth, logger *slog.Logger) *PrivateFeed {
	return &PrivateFeed{
		url:    privateWSURL,
		auth:   auth,
		execCh: make(chan Execution, 256),
		logger: logger.With("component", "ws_private"),
	}
}

// Executions returns the channel of parsed execution events.
func (f *PrivateFeed) Executions() <-chan Execution { return f.execCh }

// Run connects, authenticates, and maintains the connection with
// auto-reconnect. Blocks until ctx is cancelled or reconnect attempts
// are exhausted.
func (f *PrivateFeed) Run(ctx context.Context) error {
	return runWithReconnect(ctx, f.logger, f.connectAndRead)
}

func (f *PrivateFeed) connectAndRead(ctx context.Context) error {
	token, err := f.auth.WSToken(ctx)
	if err != nil {
		return fmt.Errorf("ws token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": "executions",
			"token":   token,
		},
	}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe executions: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(data)
	}
}

func (f *PrivateFeed) dispatch(data []byte) {
	var envelope struct {
		Channel string `json:"channel"`
		Data    []struct {
			OrderID   string  `json:"order_id"`
			OrderUserref string `json:"order_userref"`
			ExecType  string  `json:"exec_type"`
			LastQty   float64 `json:"last_qty"`
			LastPrice float64 `json:"last_price"`
			Fees      []struct {
				Amount float64 `json:"qty"`
			} `json:"fees"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if envelope.Channel != "executions" {
		return
	}

	for _, d := range envelope.Data {
		var fee float64
		for _, fe := range d.Fees {
			fee += fe.Amount
		}
		exec := Execution{
			OrderID:  d.OrderID,
			ClientID: d.OrderUserref,
			Status:   d.ExecType,
			VolExec:  d.LastQty,
			Price:    d.LastPrice,
			Fee:      fee,
		}
		select {
		case f.execCh <- exec:
		default:
			f.logger.Warn("execution channel full, dropping event", "order_id", exec.OrderID)
		}
	}
}

func (f *PrivateFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, mustJSON(v))
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// runWithReconnect is the shared reconnect loop for both feeds:
// exponential backoff from wsMinReconnectWait to wsMaxReconnectWait,
// giving up after wsMaxReconnectTries consecutive failures. The attempt
// counter and backoff reset only after a connection that stayed up
// longer than wsReadTimeout; a shorter-lived one counts as a failure.
func runWithReconnect(ctx context.Context, logger *slog.Logger, connect func(context.Context) error) error {
	backoff := wsMinReconnectWait
	attempts := 0

	for {
		connectedAt := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(connectedAt) > wsReadTimeout {
			attempts = 0
			backoff = wsMinReconnectWait
		} else {
			attempts++
		}

		if attempts >= wsMaxReconnectTries {
			return fmt.Errorf("giving up after %d reconnect attempts: %w", attempts, err)
		}

		logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff, "attempt", attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}
