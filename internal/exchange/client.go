// Package exchange implements the Kraken REST and WebSocket clients used
// by the execution engine.
//
// The REST client (Client) talks to Kraken's private trading API:
//   - AddOrder:     POST /0/private/AddOrder     — place a market order
//   - QueryOrders:  POST /0/private/QueryOrders  — poll for fill status
//   - CancelOrder:  POST /0/private/CancelOrder  — cancel a resting order
//
// Every request is rate-limited via per-category TokenBuckets and signed
// with Kraken's HMAC-SHA512 scheme (see auth.go). Requests are sent once
// through Auth's HTTP client; a failed request is not retried.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// Client is the Kraken private REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with per-category rate limiting. The
// retry policy below is configured on c.http only; the request methods
// send through Auth.postPrivate, which does not retry.
func NewClient(baseURL string, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger,
	}
}

// krakenEnvelope is the {error, result} shape every Kraken REST response
// shares.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// AddOrderRequest is the subset of Kraken's AddOrder params this engine
// uses: market orders only, with an optional client-supplied request ID
// for correlation with the private WebSocket fill feed.
type AddOrderRequest struct {
	Pair      string
	Side      types.Side
	Volume    string // decimal string, Kraken's own precision rules apply
	ClientID  string // userref
}

// AddOrderResult is the parsed response to AddOrder.
type AddOrderResult struct {
	TxIDs       []string `json:"txid"`
	Description string   `json:"descr"`
}

// AddOrder places a market order. In dry-run mode it returns a synthetic
// accepted response without making any HTTP call.
func (c *Client) AddOrder(ctx context.Context, req AddOrderRequest) (*AddOrderResult, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would place order", "pair", req.Pair, "side", req.Side, "volume", req.Volume)
		return &AddOrderResult{TxIDs: []string{"dry-run-" + req.ClientID}}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{
		"pair":      {req.Pair},
		"type":      {string(req.Side)},
		"ordertype": {"market"},
		"volume":    {req.Volume},
	}
	if req.ClientID != "" {
		params.Set("userref", req.ClientID)
	}

	resp, err := c.auth.postPrivate(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return nil, fmt.Errorf("add order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("add order: status %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope krakenEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("add order: parse response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return nil, fmt.Errorf("add order: kraken error: %v", envelope.Error)
	}

	var result AddOrderResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, fmt.Errorf("add order: parse result: %w", err)
	}
	return &result, nil
}

// OrderStatus is the parsed per-order status from QueryOrders.
type OrderStatus struct {
	TxID        string
	Status      string // pending, open, closed, canceled, expired
	VolExec     float64
	Cost        float64
	Fee         float64
	Price       float64 // average fill price
}

// QueryOrders polls for the current status of one or more orders by
// transaction ID.
func (c *Client) QueryOrders(ctx context.Context, txIDs []string) (map[string]OrderStatus, error) {
	if c.dryRun || len(txIDs) == 0 {
		return map[string]OrderStatus{}, nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{"txid": {joinCommas(txIDs)}}
	resp, err := c.auth.postPrivate(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("query orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope krakenEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("query orders: parse response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return nil, fmt.Errorf("query orders: kraken error: %v", envelope.Error)
	}

	var raw map[string]struct {
		Status  string `json:"status"`
		VolExec string `json:"vol_exec"`
		Cost    string `json:"cost"`
		Fee     string `json:"fee"`
		Price   string `json:"price"`
	}
	if err := json.Unmarshal(envelope.Result, &raw); err != nil {
		return nil, fmt.Errorf("query orders: parse result: %w", err)
	}

	out := make(map[string]OrderStatus, len(raw))
	for txid, o := range raw {
		out[txid] = OrderStatus{
			TxID:    txid,
			Status:  o.Status,
			VolExec: parseFloatOrZero(o.VolExec),
			Cost:    parseFloatOrZero(o.Cost),
			Fee:     parseFloatOrZero(o.Fee),
			Price:   parseFloatOrZero(o.Price),
		}
	}
	return out, nil
}

// CancelOrder cancels a resting order by transaction ID.
func (c *Client) CancelOrder(ctx context.Context, txID string) error {
	if c.dryRun {
		c.logger.Info("dry-run: would cancel order", "txid", txID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{"txid": {txID}}
	resp, err := c.auth.postPrivate(ctx, "/0/private/CancelOrder", params)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope krakenEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("cancel order: parse response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("cancel order: kraken error: %v", envelope.Error)
	}
	return nil
}

func joinCommas(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
