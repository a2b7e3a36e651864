// Package graph implements the persistent currency graph: one node per
// currency, two directed rate edges per pair, updated in place as the
// order-book cache mutates, with an iterative DFS cycle enumerator that
// produces candidate arbitrage opportunities.
//
// The graph never uses owning cyclic references. Edges live in a flat
// slice addressed by index; adjacency is a currency→edge-index list and a
// pair→edge-index pair, so the structure stays a plain value graph rather
// than a pointer-linked one.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

const (
	minDepthPerSide   = 3
	maxStalenessMS    = 5000
	minSpreadPct      = 0.0
	maxSpreadPct      = 10.0
	rateChangeEps     = 1e-5
	maxRealisticGross = 5.0 // percent; anything larger is almost-certainly stale data
	maxLegs           = 4
)

// edge is one directed rate in the currency graph.
type edge struct {
	pair  string
	from  types.Currency
	to    types.Currency
	side  types.Side
	rate  float64
	valid bool
}

// ScanConfig controls cycle enumeration and fee application.
type ScanConfig struct {
	FeeRate            float64
	MinProfitThreshold float64 // fraction, e.g. 0.003
}

// HealthStats mirrors the per-scan validity breakdown used for
// observability: how many pairs were skipped and why.
type HealthStats struct {
	TotalPairs       int
	ValidPairs       int
	SkippedNoBook    int
	SkippedThinDepth int
	SkippedStale     int
	SkippedBadSpread int
	SkippedNoPrice   int
}

// Graph is the persistent currency graph.
type Graph struct {
	mu sync.RWMutex

	edges      []edge
	nodeIdx    map[types.Currency]struct{}
	adjacency  map[types.Currency][]int // currency -> outgoing edge indices
	pairEdges  map[string][2]int        // pair -> {sellEdgeIdx, buyEdgeIdx}
	lastUpdate map[string]time.Time

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	buildCount  uint64
	updateCount uint64

	health HealthStats
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodeIdx:    make(map[types.Currency]struct{}),
		adjacency:  make(map[types.Currency][]int),
		pairEdges:  make(map[string][2]int),
		lastUpdate: make(map[string]time.Time),
		dirty:      make(map[string]struct{}),
	}
}

// Initialize (re)builds the graph from every pair known to the cache: one
// node per currency, two invalid zero-rate edges per pair. Called once at
// start, and again on a full rebuild.
func (g *Graph) Initialize(cache *book.Cache) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = nil
	g.nodeIdx = make(map[types.Currency]struct{})
	g.adjacency = make(map[types.Currency][]int)
	g.pairEdges = make(map[string][2]int)

	for _, pair := range cache.GetAllPairs() {
		info, ok := cache.GetPairInfo(pair)
		if !ok {
			continue
		}
		g.addNodeLocked(info.Base)
		g.addNodeLocked(info.Quote)
		g.addPairEdgesLocked(pair, info.Base, info.Quote)
	}

	g.buildCount++
}

func (g *Graph) addNodeLocked(c types.Currency) {
	g.nodeIdx[c] = struct{}{}
}

func (g *Graph) addPairEdgesLocked(pair string, base, quote types.Currency) {
	sellIdx := len(g.edges)
	g.edges = append(g.edges, edge{pair: pair, from: base, to: quote, side: types.Sell, rate: 0, valid: false})
	g.adjacency[base] = append(g.adjacency[base], sellIdx)

	buyIdx := len(g.edges)
	g.edges = append(g.edges, edge{pair: pair, from: quote, to: base, side: types.Buy, rate: 0, valid: false})
	g.adjacency[quote] = append(g.adjacency[quote], buyIdx)

	g.pairEdges[pair] = [2]int{sellIdx, buyIdx}
}

// UpdatePair recomputes the two edges for a pair from current cache state.
// It reports whether either edge actually changed (rate beyond relative
// tolerance, or validity flipped), in which case the pair is marked dirty.
func (g *Graph) UpdatePair(cache *book.Cache, pair string) bool {
	priceEdge, hasPrice := cache.GetPrice(pair)
	bookSnap, hasBook := cache.GetOrderBook(pair)

	var bid, ask float64
	var valid bool

	switch {
	case hasPrice && hasBook:
		bestBid, _ := bookSnap.BestBid()
		bestAsk, _ := bookSnap.BestAsk()
		hasDepth := len(bookSnap.Bids) >= minDepthPerSide && len(bookSnap.Asks) >= minDepthPerSide
		staleMS := bookSnap.StalenessMS(time.Now())
		isFresh := staleMS < maxStalenessMS
		spreadPct := 0.0
		if bestBid > 0 {
			spreadPct = (bestAsk - bestBid) / bestBid * 100.0
		}
		reasonableSpread := spreadPct >= minSpreadPct && spreadPct < maxSpreadPct

		if hasDepth && isFresh && reasonableSpread && bestBid > 0 && bestAsk > 0 {
			bid, ask, valid = bestBid, bestAsk, true
		} else {
			bid, ask, valid = priceEdge.Bid, priceEdge.Ask, false
		}
	case hasPrice:
		bid, ask, valid = priceEdge.Bid, priceEdge.Ask, false
	default:
		return false
	}

	g.mu.Lock()
	idxPair, ok := g.pairEdges[pair]
	if !ok {
		g.mu.Unlock()
		return false
	}

	changed := false
	for _, idx := range idxPair {
		e := &g.edges[idx]
		var newRate float64
		if e.side == types.Sell {
			newRate = bid
		} else if ask > 0 {
			newRate = 1.0 / ask
		}

		rateDiff := 1.0
		if e.rate != 0 {
			rateDiff = abs(newRate-e.rate) / e.rate
		}

		if rateDiff > rateChangeEps || e.valid != valid {
			e.rate = newRate
			e.valid = valid
			changed = true
		}
	}
	g.mu.Unlock()

	if changed {
		g.lastUpdate[pair] = time.Now()
		g.markDirty(pair)
		g.updateCount++
	}
	return changed
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (g *Graph) markDirty(pair string) {
	g.dirtyMu.Lock()
	g.dirty[pair] = struct{}{}
	g.dirtyMu.Unlock()
}

// TakeDirtyPairs atomically drains and returns the dirty-pair set.
func (g *Graph) TakeDirtyPairs() []string {
	g.dirtyMu.Lock()
	defer g.dirtyMu.Unlock()
	out := make([]string, 0, len(g.dirty))
	for p := range g.dirty {
		out = append(out, p)
	}
	g.dirty = make(map[string]struct{})
	return out
}

// NeedsFullScan reports whether the graph should fall back to a full
// rebuild rather than trust the incremental dirty set: on the first build,
// or once too many pairs have drifted since the last scan.
func (g *Graph) NeedsFullScan() bool {
	g.dirtyMu.Lock()
	dirtyLen := len(g.dirty)
	g.dirtyMu.Unlock()
	return g.buildCount <= 1 || dirtyLen > 50
}

// stackFrame is the explicit DFS stack element mandated by the design
// notes: no recursion, and edges for a node are collected once, not
// rebuilt on every backtrack.
type stackFrame struct {
	edges    []int
	edgeIter int
}

type pathState struct {
	currencies []types.Currency
	pairs      []string
	sides      []types.Side
	rates      []float64
}

// Scan enumerates opportunities for every base currency concurrently.
func (g *Graph) Scan(ctx context.Context, baseCurrencies []types.Currency, cfg ScanConfig) ([]types.Opportunity, error) {
	results := make([][]types.Opportunity, len(baseCurrencies))

	grp, _ := errgroup.WithContext(ctx)
	for i, base := range baseCurrencies {
		i, base := i, base
		grp.Go(func() error {
			results[i] = g.findOpportunitiesFrom(base, cfg, false, 0)
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var all []types.Opportunity
	for _, r := range results {
		all = append(all, r...)
	}
	return dedupeBestByPath(all), nil
}

// ScanFirst is the HFT-optimized variant: it stops at the first cycle
// whose net profit clears minThreshold (fraction), running base
// currencies in the caller-supplied order and halting the very first DFS
// that finds one. No sorting, no collecting all paths.
func (g *Graph) ScanFirst(baseCurrencies []types.Currency, cfg ScanConfig, minThreshold float64) (types.Opportunity, bool) {
	for _, base := range baseCurrencies {
		opps := g.findOpportunitiesFrom(base, cfg, true, minThreshold)
		if len(opps) > 0 {
			return opps[0], true
		}
	}
	return types.Opportunity{}, false
}

func (g *Graph) findOpportunitiesFrom(start types.Currency, cfg ScanConfig, stopFirst bool, minThreshold float64) []types.Opportunity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodeIdx[start]; !ok {
		return nil
	}

	var found []types.Opportunity

	startEdges := g.validEdgesFromLocked(start)
	if len(startEdges) == 0 {
		return nil
	}

	stack := []stackFrame{{edges: startEdges}}
	state := pathState{currencies: []types.Currency{start}}
	visitedPairs := make(map[string]struct{})

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.edgeIter >= len(top.edges) {
			// Backtrack: undo whatever this frame pushed onto the path.
			stack = stack[:len(stack)-1]
			if len(state.pairs) > 0 && len(stack) > 0 {
				lastPair := state.pairs[len(state.pairs)-1]
				delete(visitedPairs, lastPair)
				state.currencies = state.currencies[:len(state.currencies)-1]
				state.pairs = state.pairs[:len(state.pairs)-1]
				state.sides = state.sides[:len(state.sides)-1]
				state.rates = state.rates[:len(state.rates)-1]
			}
			continue
		}

		edgeIdx := top.edges[top.edgeIter]
		top.edgeIter++
		e := g.edges[edgeIdx]

		if len(state.currencies) >= maxLegs+1 {
			continue
		}
		if _, seen := visitedPairs[e.pair]; seen {
			continue
		}
		if e.to != start && containsCurrency(state.currencies, e.to) {
			continue
		}

		if e.to == start && len(state.pairs) > 0 {
			finalCurrencies := append(append([]types.Currency(nil), state.currencies...), start)
			finalPairs := append(append([]string(nil), state.pairs...), e.pair)
			finalSides := append(append([]types.Side(nil), state.sides...), e.side)
			finalRates := append(append([]float64(nil), state.rates...), e.rate)

			if opp, ok := pathToOpportunity(finalCurrencies, finalPairs, finalSides, finalRates, cfg); ok {
				if !stopFirst {
					found = append(found, opp)
				} else if opp.NetProfitPct > minThreshold*100.0 {
					return []types.Opportunity{opp}
				}
			}
			continue
		}

		state.currencies = append(state.currencies, e.to)
		state.pairs = append(state.pairs, e.pair)
		state.sides = append(state.sides, e.side)
		state.rates = append(state.rates, e.rate)
		visitedPairs[e.pair] = struct{}{}

		nextEdges := g.validEdgesFromLocked(e.to)
		stack = append(stack, stackFrame{edges: nextEdges})
	}

	return found
}

func (g *Graph) validEdgesFromLocked(c types.Currency) []int {
	var out []int
	for _, idx := range g.adjacency[c] {
		e := g.edges[idx]
		if e.valid && e.rate > 0 {
			out = append(out, idx)
		}
	}
	return out
}

func containsCurrency(list []types.Currency, c types.Currency) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func pathToOpportunity(currencies []types.Currency, pairs []string, sides []types.Side, rates []float64, cfg ScanConfig) (types.Opportunity, bool) {
	const startAmount = 1.0
	amount := startAmount
	legsDetail := make([]types.LegDetail, len(pairs))
	grossProduct := 1.0

	for i, r := range rates {
		grossProduct *= r
		amount *= r
		amount *= 1.0 - cfg.FeeRate
		legsDetail[i] = types.LegDetail{Pair: pairs[i], Side: sides[i], Rate: r}
	}

	grossProfitPct := (grossProduct - 1.0) * 100.0
	if abs(grossProfitPct) > maxRealisticGross {
		return types.Opportunity{}, false
	}

	netProfitPct := (amount - startAmount) / startAmount * 100.0
	feesPct := cfg.FeeRate * 100.0 * float64(len(pairs))

	pathStrs := make([]string, len(currencies))
	for i, c := range currencies {
		pathStrs[i] = string(c)
	}

	return types.Opportunity{
		ID:           uuid.NewString(),
		Path:         strings.Join(pathStrs, types.PathArrow),
		Legs:         len(pairs),
		GrossProfit:  grossProfitPct,
		FeesPct:      feesPct,
		NetProfitPct: netProfitPct,
		IsProfitable: netProfitPct > cfg.MinProfitThreshold*100.0,
		DetectedAt:   time.Now(),
		FeeRate:      cfg.FeeRate,
		LegsDetail:   legsDetail,
	}, true
}

func dedupeBestByPath(opps []types.Opportunity) []types.Opportunity {
	best := make(map[string]types.Opportunity, len(opps))
	for _, o := range opps {
		if existing, ok := best[o.Path]; !ok || o.NetProfitPct > existing.NetProfitPct {
			best[o.Path] = o
		}
	}
	out := make([]types.Opportunity, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetProfitPct > out[j].NetProfitPct })
	return out
}

// UpdateHealth recomputes validity-breakdown counters across every pair
// known to the cache, using the same four gates as UpdatePair.
func (g *Graph) UpdateHealth(cache *book.Cache) HealthStats {
	var h HealthStats
	pairs := cache.GetAllPairs()
	h.TotalPairs = len(pairs)

	for _, pair := range pairs {
		priceEdge, hasPrice := cache.GetPrice(pair)
		if !hasPrice {
			h.SkippedNoPrice++
			continue
		}
		bookSnap, hasBook := cache.GetOrderBook(pair)
		if !hasBook {
			h.SkippedNoBook++
			continue
		}
		if len(bookSnap.Bids) < minDepthPerSide || len(bookSnap.Asks) < minDepthPerSide {
			h.SkippedThinDepth++
			continue
		}
		if bookSnap.StalenessMS(time.Now()) >= maxStalenessMS {
			h.SkippedStale++
			continue
		}
		bid, _ := bookSnap.BestBid()
		ask, _ := bookSnap.BestAsk()
		spreadPct := 0.0
		if bid > 0 {
			spreadPct = (ask - bid) / bid * 100.0
		}
		if spreadPct < minSpreadPct || spreadPct >= maxSpreadPct {
			h.SkippedBadSpread++
			continue
		}
		_ = priceEdge
		h.ValidPairs++
	}

	g.mu.Lock()
	g.health = h
	g.mu.Unlock()
	return h
}

// Health returns the last computed health snapshot.
func (g *Graph) Health() HealthStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// Stats returns (nodeCount, edgeCount, buildCount, updateCount).
func (g *Graph) Stats() (int, int, uint64, uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodeIdx), len(g.edges), g.buildCount, g.updateCount
}

// String implements fmt.Stringer for debug logging.
func (g *Graph) String() string {
	nodes, edges, builds, updates := g.Stats()
	return fmt.Sprintf("graph{nodes=%d edges=%d builds=%d updates=%d}", nodes, edges, builds, updates)
}
