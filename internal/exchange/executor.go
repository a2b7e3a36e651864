package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/internal/slippage"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

const (
	orderTimeout       = 5 * time.Second
	fullArbitrageLimit = 60 * time.Second
	janitorPeriod      = 10 * time.Second
	reapBuffer         = 5 * time.Second
)

// pendingOrder is a slot in the correlation table: inserted before the
// order is sent, resolved when the fill feed (or the janitor) reports an
// outcome. Inserting before sending closes the race where a fill arrives
// before the table knows to expect it.
type pendingOrder struct {
	clientID  string
	createdAt time.Time
	resultCh  chan OrderStatus
}

// Engine is the sequential leg-chaining execution engine: it parses a
// cycle path into legs, places one order per leg in order, and halts on
// the first failure.
type Engine struct {
	client *Client
	cache  *book.Cache

	reqCounter atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingOrder

	feeRate float64

	slippageCalc *slippage.Calculator
}

// NewEngine wires an execution engine to its REST client and the
// order-book cache used to resolve pair direction. feeRate is the flat
// taker fee applied to every leg (spec: uniform fee rate, no
// maker/taker distinction).
func NewEngine(client *Client, cache *book.Cache, feeRate float64) *Engine {
	e := &Engine{
		client:  client,
		cache:   cache,
		pending: make(map[string]*pendingOrder),
		feeRate: feeRate,
	}
	e.reqCounter.Store(1)
	return e
}

// SetSlippageCalculator wires a pre-trade slippage gate into the engine.
// When set, ExecuteOpportunity refuses to place any leg of a path whose
// estimated slippage-adjusted fill would fail the calculator's
// staleness/depth checks, rather than discovering a too-thin book after
// the first order is already in flight.
func (e *Engine) SetSlippageCalculator(calc *slippage.Calculator) {
	e.slippageCalc = calc
}

// RunJanitor periodically reaps pending orders older than the order
// timeout plus a buffer, resolving them with a synthetic timeout status
// so a hung WebSocket fill never leaves a leg waiting forever.
func (e *Engine) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStale()
		}
	}
}

func (e *Engine) reapStale() {
	cutoff := time.Now().Add(-(orderTimeout + reapBuffer))

	e.pendingMu.Lock()
	var stale []*pendingOrder
	for id, p := range e.pending {
		if p.createdAt.Before(cutoff) {
			stale = append(stale, p)
			delete(e.pending, id)
		}
	}
	e.pendingMu.Unlock()

	for _, p := range stale {
		select {
		case p.resultCh <- OrderStatus{Status: "timeout"}:
		default:
		}
	}
}

// ResolveFill is called by the private WebSocket client when a fill
// update arrives, keyed by the client-supplied request ID (userref).
func (e *Engine) ResolveFill(clientID string, status OrderStatus) {
	e.pendingMu.Lock()
	p, ok := e.pending[clientID]
	if ok {
		delete(e.pending, clientID)
	}
	e.pendingMu.Unlock()

	if !ok {
		return
	}
	select {
	case p.resultCh <- status:
	default:
	}
}

func (e *Engine) nextClientID() string {
	return fmt.Sprintf("req_%d", e.reqCounter.Add(1))
}

// parsePath splits a canonical cycle path on the mandated " → " arrow,
// requiring at least 3 currencies and that it starts and ends on the
// same currency. It resolves each consecutive pair to a direct (sell)
// or inverse (buy) instrument using whatever is registered in the
// cache.
func (e *Engine) parsePath(path string, startAmount decimal.Decimal) ([]types.TradeLeg, error) {
	parts := strings.Split(path, types.PathArrow)
	currencies := make([]types.Currency, len(parts))
	for i, p := range parts {
		currencies[i] = types.Currency(strings.TrimSpace(p))
	}

	if len(currencies) < 3 {
		return nil, fmt.Errorf("path %q has fewer than 3 currencies", path)
	}
	if currencies[0] != currencies[len(currencies)-1] {
		return nil, fmt.Errorf("path %q does not return to its starting currency", path)
	}

	legs := make([]types.TradeLeg, 0, len(currencies)-1)
	amount := startAmount

	for i := 0; i < len(currencies)-1; i++ {
		from, to := currencies[i], currencies[i+1]
		pair, side, rate, err := e.findPairAndSide(from, to)
		if err != nil {
			return nil, err
		}

		var expected decimal.Decimal
		rateDec := decimal.NewFromFloat(rate)
		if side == types.Sell {
			expected = amount.Mul(rateDec)
		} else {
			if rate == 0 {
				return nil, fmt.Errorf("zero rate for pair %s", pair)
			}
			expected = amount.Div(rateDec)
		}

		legs = append(legs, types.TradeLeg{
			Pair: pair, Side: side,
			InputCurrency: from, OutputCurrency: to,
			Amount: amount, ExpectedOutput: expected,
		})
		amount = expected
	}

	return legs, nil
}

// findPairAndSide resolves a from→to currency hop to a registered pair
// and the side that achieves that direction: selling the direct pair,
// or buying its inverse.
func (e *Engine) findPairAndSide(from, to types.Currency) (string, types.Side, float64, error) {
	direct := string(from) + "/" + string(to)
	if edge, ok := e.cache.GetPrice(direct); ok && edge.Bid > 0 {
		return direct, types.Sell, edge.Bid, nil
	}

	inverse := string(to) + "/" + string(from)
	if edge, ok := e.cache.GetPrice(inverse); ok && edge.Ask > 0 {
		return inverse, types.Buy, edge.Ask, nil
	}

	return "", "", 0, fmt.Errorf("no pair found for %s -> %s", from, to)
}

// ExecuteOpportunity places one order per leg of the given opportunity in
// sequence, halting at the first failed leg. tradeAmountUSD seeds the
// first leg's notional. The whole multi-leg sequence is bounded by
// fullArbitrageLimit regardless of how many legs the path has or how
// long any individual leg's timeout is.
func (e *Engine) ExecuteOpportunity(ctx context.Context, opp types.Opportunity, tradeAmountUSD float64) (types.TradeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, fullArbitrageLimit)
	defer cancel()

	startedAt := time.Now()
	startAmount := decimal.NewFromFloat(tradeAmountUSD)

	legs, err := e.parsePath(opp.Path, startAmount)
	if err != nil {
		return types.TradeResult{}, fmt.Errorf("parse path: %w", err)
	}

	result := types.TradeResult{
		ID: opp.ID, Path: opp.Path,
		StartAmount: startAmount, ExecutedAt: startedAt,
	}

	if e.slippageCalc != nil {
		if sr := e.slippageCalc.CalculatePath(opp.Path, tradeAmountUSD); !sr.CanExecute {
			result.Status = types.StatusFailed
			result.Error = fmt.Sprintf("pre-trade slippage check failed: %s", sr.Reason)
			result.TotalDurationMS = time.Since(startedAt).Milliseconds()
			return result, nil
		}
	}

	currentAmount := startAmount
	totalFees := decimal.Zero

	for i, leg := range legs {
		legResult, err := e.executeLeg(ctx, i, leg)
		result.Legs = append(result.Legs, legResult)

		if err != nil || !legResult.Success {
			result.Status = types.StatusFailed
			if i > 0 {
				result.Status = types.StatusPartial
				result.HeldCurrency = leg.InputCurrency
				result.HeldAmount = currentAmount
			}
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Error = legResult.Error
			}
			result.TotalDurationMS = time.Since(startedAt).Milliseconds()
			result.TotalFees = totalFees
			return result, nil
		}

		currentAmount = legResult.OutputAmt.Sub(legResult.Fee)
		totalFees = totalFees.Add(legResult.Fee)
	}

	result.Status = types.StatusCompleted
	result.EndAmount = currentAmount
	result.ProfitAmount = currentAmount.Sub(startAmount)
	if !startAmount.IsZero() {
		pct, _ := result.ProfitAmount.Div(startAmount).Mul(decimal.NewFromInt(100)).Float64()
		result.ProfitPct = pct
	}
	result.TotalFees = totalFees
	result.TotalDurationMS = time.Since(startedAt).Milliseconds()
	return result, nil
}

// executeLeg places and awaits a single leg's order, inserting the
// pending-order entry before the request goes out so a fast fill can
// never race ahead of the correlation table.
func (e *Engine) executeLeg(ctx context.Context, index int, leg types.TradeLeg) (types.LegResult, error) {
	start := time.Now()
	clientID := e.nextClientID()
	volume := leg.Amount.StringFixed(8)

	p := &pendingOrder{clientID: clientID, createdAt: time.Now(), resultCh: make(chan OrderStatus, 1)}
	e.pendingMu.Lock()
	e.pending[clientID] = p
	e.pendingMu.Unlock()

	result, err := e.client.AddOrder(ctx, AddOrderRequest{
		Pair: leg.Pair, Side: leg.Side, Volume: volume, ClientID: clientID,
	})
	if err != nil {
		e.pendingMu.Lock()
		delete(e.pending, clientID)
		e.pendingMu.Unlock()
		return types.LegResult{LegIndex: index, Pair: leg.Pair, Side: leg.Side, Success: false, Error: err.Error()}, err
	}

	txID := ""
	if len(result.TxIDs) > 0 {
		txID = result.TxIDs[0]
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	var status OrderStatus
	select {
	case status = <-p.resultCh:
	case <-timeoutCtx.Done():
		status = OrderStatus{Status: "timeout"}
		e.pendingMu.Lock()
		delete(e.pending, clientID)
		e.pendingMu.Unlock()
	}

	durationMS := time.Since(start).Milliseconds()
	metrics.ExecutionLegDurationSeconds.Observe(time.Since(start).Seconds())

	if status.Status != "closed" && status.Status != "filled" {
		errMsg := status.Status
		if errMsg == "" {
			errMsg = "order did not fill"
		}
		return types.LegResult{
			LegIndex: index, Pair: leg.Pair, Side: leg.Side, OrderID: txID,
			DurationMS: durationMS, Success: false, Error: errMsg,
		}, nil
	}

	avgPrice := decimal.NewFromFloat(status.Price)
	outputAmt := decimal.NewFromFloat(status.VolExec).Mul(avgPrice)
	if leg.Side == types.Buy {
		outputAmt = decimal.NewFromFloat(status.VolExec)
	}
	fee := decimal.NewFromFloat(status.Fee)

	return types.LegResult{
		LegIndex: index, Pair: leg.Pair, Side: leg.Side, OrderID: txID,
		InputAmt: leg.Amount, OutputAmt: outputAmt, AvgPrice: avgPrice, Fee: fee,
		DurationMS: durationMS, Success: true,
	}, nil
}
