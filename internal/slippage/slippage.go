// Package slippage estimates realistic execution cost for a candidate
// cycle by walking order-book depth rather than assuming a trade fills
// entirely at the best price.
package slippage

import (
	"fmt"
	"strings"
	"time"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// Leg is the realized slippage for one hop of a path.
type Leg struct {
	Pair        string
	Side        types.Side
	BestPrice   float64
	ActualPrice float64
	SlippagePct float64
	CanFill     bool
	DepthUsed   int
	Reason      string
}

// Result is the aggregate slippage estimate for a full path.
type Result struct {
	TotalSlippagePct float64
	CanExecute       bool
	Reason           string
	Legs             []Leg
}

// Calculator walks order-book depth to estimate the true average fill
// price a cycle would realize, applying a staleness buffer or outright
// rejection when the underlying book is too old to trust.
type Calculator struct {
	cache             *book.Cache
	stalenessWarnMS   int64
	stalenessBufferMS int64
	stalenessRejectMS int64
}

// New returns a calculator with the given staleness thresholds in
// milliseconds: warn (stored, but no check or log uses it), buffer (add
// a 1% slippage penalty), reject (refuse to execute the leg at all).
func New(cache *book.Cache, stalenessWarnMS, stalenessBufferMS, stalenessRejectMS int64) *Calculator {
	return &Calculator{
		cache:             cache,
		stalenessWarnMS:   stalenessWarnMS,
		stalenessBufferMS: stalenessBufferMS,
		stalenessRejectMS: stalenessRejectMS,
	}
}

// CalculateSingle walks one side of an order book, accumulating levels
// until tradeAmountUSD of notional is filled, and reports the resulting
// average price and slippage versus the best quote.
func (c *Calculator) CalculateSingle(ob types.OrderBook, side types.Side, tradeAmountUSD float64) Leg {
	levels := ob.Bids
	if side == types.Buy {
		levels = ob.Asks
	}

	if len(levels) == 0 {
		return Leg{Pair: ob.Pair, Side: side, Reason: "No order book data available"}
	}

	bestPrice := levels[0].Price
	remaining := tradeAmountUSD
	totalQty, totalCost := 0.0, 0.0
	depthUsed := 0

	for _, level := range levels {
		levelValue := level.Qty * level.Price
		depthUsed++

		if remaining <= levelValue {
			qtyNeeded := remaining / level.Price
			totalQty += qtyNeeded
			totalCost += remaining
			remaining = 0
			break
		}
		totalQty += level.Qty
		totalCost += levelValue
		remaining -= levelValue
	}

	if remaining > 0 {
		return Leg{
			Pair: ob.Pair, Side: side, BestPrice: bestPrice, DepthUsed: depthUsed,
			Reason: fmt.Sprintf("Insufficient liquidity. Needed $%.2f, available $%.2f", tradeAmountUSD, totalCost),
		}
	}

	actualPrice := bestPrice
	if totalQty > 0 {
		actualPrice = totalCost / totalQty
	}

	var slippagePct float64
	if side == types.Buy {
		slippagePct = max0((actualPrice - bestPrice) / bestPrice * 100.0)
	} else {
		slippagePct = max0((bestPrice - actualPrice) / bestPrice * 100.0)
	}

	return Leg{
		Pair: ob.Pair, Side: side, BestPrice: bestPrice, ActualPrice: actualPrice,
		SlippagePct: slippagePct, CanFill: true, DepthUsed: depthUsed,
	}
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// CalculatePath walks every leg of a canonical "C0 → C1 → ... → C0"
// path, chaining the diminished notional from one leg's slippage into
// the next leg's trade size, and rejecting the whole path if any leg's
// order book is too stale or too thin to fill.
func (c *Calculator) CalculatePath(path string, tradeAmountUSD float64) Result {
	currencies := splitPath(path)
	if len(currencies) < 3 {
		return Result{Reason: "invalid path format"}
	}

	var legs []Leg
	currentAmount := tradeAmountUSD
	totalSlippage := 0.0

	for i := 0; i < len(currencies)-1; i++ {
		from, to := currencies[i], currencies[i+1]

		pair, side, ob, ok := c.findPairAndSide(from, to)
		if !ok {
			return Result{
				TotalSlippagePct: totalSlippage, Legs: legs,
				Reason: fmt.Sprintf("order book not found for %s/%s", from, to),
			}
		}

		staleness := ob.StalenessMS(time.Now())
		if staleness > c.stalenessRejectMS {
			return Result{
				TotalSlippagePct: totalSlippage, Legs: legs,
				Reason: fmt.Sprintf("order book for %s too stale: %dms > %dms limit", pair, staleness, c.stalenessRejectMS),
			}
		}

		leg := c.CalculateSingle(ob, side, currentAmount)
		if staleness > c.stalenessBufferMS {
			leg.SlippagePct += 1.0
		}

		if !leg.CanFill {
			legs = append(legs, leg)
			reason := leg.Reason
			if reason == "" {
				reason = "unknown"
			}
			return Result{TotalSlippagePct: totalSlippage, Legs: legs, Reason: fmt.Sprintf("cannot fill leg %d: %s", i+1, reason)}
		}

		totalSlippage += leg.SlippagePct
		currentAmount *= 1.0 - leg.SlippagePct/100.0
		legs = append(legs, leg)
	}

	return Result{TotalSlippagePct: totalSlippage, CanExecute: true, Legs: legs}
}

func splitPath(path string) []string {
	raw := strings.Split(path, "→")
	out := make([]string, len(raw))
	for i, s := range raw {
		out[i] = strings.TrimSpace(s)
	}
	return out
}

func (c *Calculator) findPairAndSide(from, to string) (string, types.Side, types.OrderBook, bool) {
	direct := from + "/" + to
	if ob, ok := c.cache.GetOrderBook(direct); ok {
		return direct, types.Sell, ob, true
	}
	reverse := to + "/" + from
	if ob, ok := c.cache.GetOrderBook(reverse); ok {
		return reverse, types.Buy, ob, true
	}
	return "", "", types.OrderBook{}, false
}
