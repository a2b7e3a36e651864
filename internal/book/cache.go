// Package book implements the order-book cache: the canonical live state
// for every tracked pair.
//
// Cache holds one ladder pair (bids descending, asks ascending) per pair,
// derives a best-of-book PriceEdge on every mutation, and tracks per-pair
// staleness. It is written by exactly one ingest task per pair and read
// concurrently by the scanner and the execution engine — readers never
// block behind an in-progress write on an unrelated pair, and never block
// each other.
package book

import (
	"sync"
	"time"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// epsRelative is the relative tolerance used to match two price levels
// that should be considered "the same price" despite floating-point
// noise. epsAbsolute is the fallback used when both prices are near zero,
// where relative comparison becomes numerically unstable.
const (
	epsRelative = 1e-9
	epsAbsolute = 1e-15
	nearZero    = 1e-10
)

type entry struct {
	mu   sync.RWMutex
	book types.OrderBook
}

// Stats tracks cache-wide counters for observability.
type Stats struct {
	UpdatesReceived   uint64
	SnapshotsReceived uint64
	LastUpdate        time.Time
}

// Cache is the thread-safe order-book cache described in spec §4.A.
type Cache struct {
	mu       sync.RWMutex // guards the registries below, not individual ladders
	books    map[string]*entry
	prices   map[string]types.PriceEdge
	pairInfo map[string]types.PairInfo
	currencies map[types.Currency]struct{}

	statsMu sync.Mutex
	stats   Stats
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		books:      make(map[string]*entry),
		prices:     make(map[string]types.PriceEdge),
		pairInfo:   make(map[string]types.PairInfo),
		currencies: make(map[types.Currency]struct{}),
	}
}

// RegisterPair is idempotent: it creates empty ladders for a pair that has
// not been seen before, and is a no-op if the pair is already registered.
func (c *Cache) RegisterPair(info types.PairInfo) {
	name := info.Name()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.currencies[info.Base] = struct{}{}
	c.currencies[info.Quote] = struct{}{}
	c.pairInfo[name] = info

	if _, exists := c.books[name]; !exists {
		c.books[name] = &entry{book: types.OrderBook{Pair: name}}
	}
}

// ApplySnapshot atomically replaces a pair's ladders and sequence counter.
func (c *Cache) ApplySnapshot(pair string, bids, asks []types.OrderBookLevel, sequence uint64) {
	e := c.entryFor(pair)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.book.Bids = bids
	e.book.Asks = asks
	e.book.Sequence = sequence
	e.book.LastUpdate = time.Now()
	snapshot := e.book.Clone()
	e.mu.Unlock()

	c.updatePriceFromBook(pair, snapshot)

	c.statsMu.Lock()
	c.stats.SnapshotsReceived++
	c.stats.LastUpdate = time.Now()
	c.statsMu.Unlock()
}

// ApplyIncrement applies per-level deltas to a pair's ladders. Deltas with
// a sequence at or below the current sequence are discarded; sequence==0
// always applies (treated as "no sequence supplied").
func (c *Cache) ApplyIncrement(pair string, bidDeltas, askDeltas []types.OrderBookLevel, sequence uint64) {
	e := c.entryFor(pair)
	if e == nil {
		return
	}

	e.mu.Lock()
	if sequence != 0 && sequence <= e.book.Sequence {
		e.mu.Unlock()
		return
	}

	for _, d := range bidDeltas {
		applyLevelUpdate(&e.book.Bids, d, true)
	}
	for _, d := range askDeltas {
		applyLevelUpdate(&e.book.Asks, d, false)
	}
	e.book.Sequence = sequence
	e.book.LastUpdate = time.Now()
	snapshot := e.book.Clone()
	e.mu.Unlock()

	c.updatePriceFromBook(pair, snapshot)

	c.statsMu.Lock()
	c.stats.UpdatesReceived++
	c.stats.LastUpdate = time.Now()
	c.statsMu.Unlock()
}

// applyLevelUpdate finds an existing level at update.Price using relative
// epsilon comparison (falling back to absolute comparison near zero),
// removes it when qty==0, replaces its quantity when found, or inserts it
// preserving order when not found. Mandatory per spec §4.A / §9: relative
// tolerance is required so BTC-scale and SHIB-scale pairs behave the same.
func applyLevelUpdate(levels *[]types.OrderBookLevel, update types.OrderBookLevel, isBid bool) {
	pos := -1
	for i, l := range *levels {
		if samePrice(l.Price, update.Price) {
			pos = i
			break
		}
	}

	if update.Qty == 0 {
		if pos >= 0 {
			*levels = append((*levels)[:pos], (*levels)[pos+1:]...)
		}
		return
	}

	if pos >= 0 {
		(*levels)[pos].Qty = update.Qty
		return
	}

	insertAt := len(*levels)
	for i, l := range *levels {
		if isBid && l.Price < update.Price {
			insertAt = i
			break
		}
		if !isBid && l.Price > update.Price {
			insertAt = i
			break
		}
	}
	*levels = append(*levels, types.OrderBookLevel{})
	copy((*levels)[insertAt+1:], (*levels)[insertAt:])
	(*levels)[insertAt] = update
}

func samePrice(a, b float64) bool {
	diff := abs(a - b)
	maxPrice := maxF(abs(a), abs(b))
	if maxPrice < nearZero {
		return diff < epsAbsolute
	}
	return diff/maxPrice < epsRelative
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (c *Cache) updatePriceFromBook(pair string, snapshot types.OrderBook) {
	c.mu.Lock()
	info, ok := c.pairInfo[pair]
	if !ok {
		c.mu.Unlock()
		return
	}

	bid, _ := snapshot.BestBid()
	ask, _ := snapshot.BestAsk()

	c.prices[pair] = types.PriceEdge{
		Pair:       pair,
		Base:       info.Base,
		Quote:      info.Quote,
		Bid:        bid,
		Ask:        ask,
		Volume24h:  info.Volume24h,
		LastUpdate: snapshot.LastUpdate,
	}
	c.mu.Unlock()
}

// UpdatePriceTicker updates the price edge directly from a ticker frame,
// with no ladder side effects — used when only ticker data is available.
func (c *Cache) UpdatePriceTicker(pair string, bid, ask, volume24h float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.pairInfo[pair]
	if !ok {
		return
	}
	c.prices[pair] = types.PriceEdge{
		Pair:       pair,
		Base:       info.Base,
		Quote:      info.Quote,
		Bid:        bid,
		Ask:        ask,
		Volume24h:  volume24h,
		LastUpdate: time.Now(),
	}
}

func (c *Cache) entryFor(pair string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.books[pair]
}

// GetOrderBook returns a read-consistent snapshot of a pair's ladders.
// Returns (zero, false) when either side is empty: fake liquidity is a
// forbidden state, so callers must treat this as "book absent."
func (c *Cache) GetOrderBook(pair string) (types.OrderBook, bool) {
	e := c.entryFor(pair)
	if e == nil {
		return types.OrderBook{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.book.Bids) == 0 || len(e.book.Asks) == 0 {
		return types.OrderBook{}, false
	}
	return e.book.Clone(), true
}

// GetPrice returns the cached price edge for a pair.
func (c *Cache) GetPrice(pair string) (types.PriceEdge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	edge, ok := c.prices[pair]
	return edge, ok
}

// GetAllPrices returns every cached price edge.
func (c *Cache) GetAllPrices() map[string]types.PriceEdge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.PriceEdge, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// GetCurrencies returns every currency seen across registered pairs.
func (c *Cache) GetCurrencies() []types.Currency {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Currency, 0, len(c.currencies))
	for cur := range c.currencies {
		out = append(out, cur)
	}
	return out
}

// GetPairInfo returns the registered metadata for a pair.
func (c *Cache) GetPairInfo(pair string) (types.PairInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.pairInfo[pair]
	return info, ok
}

// GetAllPairs returns every registered pair name.
func (c *Cache) GetAllPairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.pairInfo))
	for name := range c.pairInfo {
		out = append(out, name)
	}
	return out
}

// StalenessMS returns milliseconds since the pair's last applied update.
func (c *Cache) StalenessMS(pair string) (int64, bool) {
	e := c.entryFor(pair)
	if e == nil {
		return 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.book.LastUpdate.IsZero() {
		return 0, false
	}
	return e.book.StalenessMS(time.Now()), true
}

// IsFresh reports whether a pair's book was updated within maxStalenessMS.
func (c *Cache) IsFresh(pair string, maxStalenessMS int64) bool {
	ms, ok := c.StalenessMS(pair)
	return ok && ms < maxStalenessMS
}

// Stats returns a copy of cache-wide counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Clear resets all registries and ladders. Used on WebSocket reconnect,
// where sequence continuity is lost and stale book state must not linger.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.books = make(map[string]*entry)
	c.prices = make(map[string]types.PriceEdge)
	c.pairInfo = make(map[string]types.PairInfo)
	c.currencies = make(map[types.Currency]struct{})
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats = Stats{}
	c.statsMu.Unlock()
}
