// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — currencies,
// pairs, order-book ladders, graph edges, opportunities, and trade
// records. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Currency
// ————————————————————————————————————————————————————————————————————————

// Currency is an opaque uppercase symbol, normalized at ingest so that
// exchange-specific aliases collapse to one canonical form.
type Currency string

// krakenAliases maps Kraken's legacy asset codes to canonical symbols.
// Populated from the exchange's own asset listing; this is the fixed
// subset that shows up across virtually every pair set.
var krakenAliases = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC",
	"XETH": "ETH",
	"XETC": "ETC",
	"XLTC": "LTC",
	"XXLM": "XLM",
	"XXRP": "XRP",
	"XXMR": "XMR",
	"XZEC": "ZEC",
	"XREP": "REP",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZJPY": "JPY",
	"ZAUD": "AUD",
}

// NormalizeCurrency maps a raw exchange asset code to its canonical form.
// Unknown symbols pass through unchanged.
func NormalizeCurrency(raw string) Currency {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if canonical, ok := krakenAliases[symbol]; ok {
		return Currency(canonical)
	}
	return Currency(symbol)
}

// ————————————————————————————————————————————————————————————————————————
// Pair
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order leg.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PairInfo describes one tradeable instrument. Identity is Base/Quote.
type PairInfo struct {
	Base           Currency
	Quote          Currency
	KrakenID       string // exchange's internal wsname-free identifier, e.g. "XXBTZUSD"
	WSName         string // streaming subscription name, e.g. "BTC/USD"
	MinOrderSize   float64
	MinOrderCost   float64
	Volume24h      float64
	PriceDecimals  int
	VolumeDecimals int
}

// Name returns the canonical "base/quote" identity string.
func (p PairInfo) Name() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// OrderBookLevel is a single price level: a price and an aggregate quantity.
// A level with Qty == 0 represents removal and must never be stored.
type OrderBookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is the canonical live state for one pair: two ordered ladders
// (bids descending, asks ascending), a monotonic sequence counter, and the
// wall-clock time of the last applied update.
type OrderBook struct {
	Pair       string
	Bids       []OrderBookLevel
	Asks       []OrderBookLevel
	Sequence   uint64
	LastUpdate time.Time
}

// BestBid returns the highest bid price, or (0, false) if the bid side is empty.
func (b *OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or (0, false) if the ask side is empty.
func (b *OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// StalenessMS returns milliseconds elapsed since LastUpdate.
func (b *OrderBook) StalenessMS(now time.Time) int64 {
	return now.Sub(b.LastUpdate).Milliseconds()
}

// Clone returns a value copy safe to hand to a reader without sharing
// the backing ladder slices with the writer.
func (b *OrderBook) Clone() OrderBook {
	out := OrderBook{
		Pair:       b.Pair,
		Sequence:   b.Sequence,
		LastUpdate: b.LastUpdate,
	}
	out.Bids = append([]OrderBookLevel(nil), b.Bids...)
	out.Asks = append([]OrderBookLevel(nil), b.Asks...)
	return out
}

// PriceEdge is the best-of-book projection of an OrderBook used as the
// currency-graph scan input.
type PriceEdge struct {
	Pair       string
	Base       Currency
	Quote      Currency
	Bid        float64
	Ask        float64
	Volume24h  float64
	LastUpdate time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Currency graph
// ————————————————————————————————————————————————————————————————————————

// GraphEdge is a directed edge in the currency graph: one per (pair, side).
// For pair Base/Quote, the sell edge runs Base→Quote at rate=best_bid; the
// buy edge runs Quote→Base at rate=1/best_ask.
type GraphEdge struct {
	Pair  string
	From  Currency
	To    Currency
	Side  Side
	Rate  float64
	Valid bool
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and trades
// ————————————————————————————————————————————————————————————————————————

// PathArrow is the mandated Unicode separator for canonical path strings.
const PathArrow = " → "

// LegDetail describes one leg of a candidate cycle at detection time.
type LegDetail struct {
	Pair string
	Side Side
	Rate float64
}

// Opportunity is a closed currency cycle whose compounded best-of-book
// rates, net of fees, were evaluated at detection time. Identity for
// deduplication is Path.
type Opportunity struct {
	ID            string
	Path          string // canonical "C0 → C1 → ... → C0"
	Legs          int
	GrossProfit   float64 // percent
	FeesPct       float64 // percent
	NetProfitPct  float64 // percent
	IsProfitable  bool
	DetectedAt    time.Time
	FeeRate       float64
	FeeSource     string
	LegsDetail    []LegDetail
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	StatusCompleted TradeStatus = "COMPLETED"
	StatusFailed    TradeStatus = "FAILED"
	StatusPartial   TradeStatus = "PARTIAL"
	StatusResolved  TradeStatus = "RESOLVED"
)

// TradeLeg is the intended execution of one leg before it is sent.
type TradeLeg struct {
	Pair            string
	Side            Side
	InputCurrency   Currency
	OutputCurrency  Currency
	Amount          decimal.Decimal
	ExpectedOutput  decimal.Decimal
}

// LegResult is the realized outcome of one executed leg.
type LegResult struct {
	LegIndex   int
	Pair       string
	Side       Side
	OrderID    string
	InputAmt   decimal.Decimal
	OutputAmt  decimal.Decimal
	AvgPrice   decimal.Decimal
	Fee        decimal.Decimal
	DurationMS int64
	Success    bool
	Error      string
}

// TradeResult is the aggregate outcome of executing an Opportunity.
type TradeResult struct {
	ID              string
	Path            string
	Legs            []LegResult
	StartAmount     decimal.Decimal
	EndAmount       decimal.Decimal
	ProfitAmount    decimal.Decimal
	ProfitPct       float64
	TotalFees       decimal.Decimal
	TotalDurationMS int64
	Status          TradeStatus
	Error           string
	HeldCurrency    Currency
	HeldAmount      decimal.Decimal
	ExecutedAt      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Durable config / state (TradingConfig, TradingState, FeeConfiguration)
// ————————————————————————————————————————————————————————————————————————

// TradingConfig is the user-owned, durable set of arming parameters. Per
// spec: no hard-coded defaults — unset fields forbid arming.
type TradingConfig struct {
	IsEnabled          bool
	TradeAmount        float64
	MinProfitThreshold float64 // fraction, e.g. 0.003 = 0.3%
	MaxDailyLoss       float64
	MaxTotalLoss       float64
	BaseCurrencies     string // "ALL" or comma-separated list, e.g. "USD,EUR"
	ExecutionMode      string // "sequential" — the only mode in scope
}

// RequiredFieldsSet reports whether every field that arming depends on
// has been explicitly configured (non-zero / non-empty).
func (c TradingConfig) RequiredFieldsSet() bool {
	return c.TradeAmount > 0 &&
		c.MinProfitThreshold != 0 &&
		c.MaxDailyLoss > 0 &&
		c.MaxTotalLoss > 0 &&
		c.BaseCurrencies != ""
}

// TradingState is the durable, monotone counter set mirrored in memory
// and persisted to the sink.
type TradingState struct {
	DailyProfit          float64
	DailyLoss            float64
	TotalProfit          float64
	TotalLoss            float64
	DailyTrades          uint64
	TotalTrades          uint64
	DailyWins            uint64
	TotalWins            uint64
	PartialTrades        uint64
	PartialEstimatedLoss float64
	LastDailyReset        time.Time
	IsCircuitBroken      bool
	IsExecuting          bool
	BrokenReason         string
	BrokenAt             time.Time
}

// FeeConfiguration is the durable fee schedule record: one flat rate and
// its source, with no maker/taker fields — only taker market orders are
// in scope (spec §9 Open Question #2).
type FeeConfiguration struct {
	FeeRate   float64
	FeeSource string
	UpdatedAt time.Time
}
