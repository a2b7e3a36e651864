// Package scanner implements the event-driven scan dispatcher: the glue
// between order-book updates and the currency graph's DFS scan, with an
// optional auto-execution hook.
//
// Every order-book update funnels through OnOrderBookUpdate. Depending on
// the configured TriggerMode, that either does nothing (Disabled), fires
// a scan synchronously (Immediate), or folds the pair into a coalescing
// pending set and fires once the debounce window has elapsed
// (Debounced). A scan never overlaps another: entry is gated by a single
// atomic.Bool rather than a mutex, so a scan already running is skipped
// outright instead of queued.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraken-arb/triangle-engine/internal/graph"
	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// TriggerMode controls when an order-book update causes a scan.
type TriggerMode int

const (
	// Disabled relies entirely on external polling via TriggerScan.
	Disabled TriggerMode = iota
	// Immediate scans synchronously on every update.
	Immediate
	// Debounced coalesces updates within a time window into one scan.
	Debounced
)

const defaultDebounceWindow = 50 * time.Millisecond

// AutoExecutor is the subset of the trading guard and execution engine
// the dispatcher needs to auto-execute a profitable opportunity without
// importing either package directly. internal/guard and internal/exchange
// together satisfy this.
type AutoExecutor interface {
	IsEnabled() bool
	Config() types.TradingConfig
	CheckOpportunity(path string, netProfitPct float64) (bool, string)
	TryStartExecution() bool
	FinishExecution()
	Execute(ctx context.Context, opp types.Opportunity, tradeAmount float64) (types.TradeResult, error)
	RecordTrade(result types.TradeResult)
}

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	EventCount          uint64
	ScanCount           uint64
	OpportunitiesFound  uint64
	PendingPairs        int
	Mode                TriggerMode
	AutoExecutions      uint64
	AutoExecutionWins   uint64
}

// Dispatcher is the event-driven scan coordinator.
type Dispatcher struct {
	graph *graph.Graph
	cfg   graph.ScanConfig

	modeMu sync.RWMutex
	mode   TriggerMode
	window time.Duration

	pendingMu sync.Mutex
	pending   map[string]struct{}

	lastScanMu sync.Mutex
	lastScan   time.Time

	scanInProgress atomic.Bool

	baseMu sync.RWMutex
	base   []types.Currency

	resultMu       sync.RWMutex
	cachedResults  []types.Opportunity
	lastResultTime time.Time

	eventCount         atomic.Uint64
	scanCount          atomic.Uint64
	opportunitiesFound atomic.Uint64
	autoExecutions     atomic.Uint64
	autoExecutionWins  atomic.Uint64

	opportunityCh chan types.Opportunity

	autoExecMu sync.RWMutex
	autoExec   AutoExecutor
}

// New returns a dispatcher in Debounced(50ms) mode, matching the default
// a fresh engine ships with.
func New(g *graph.Graph, cfg graph.ScanConfig) *Dispatcher {
	return &Dispatcher{
		graph:         g,
		cfg:           cfg,
		mode:          Debounced,
		window:        defaultDebounceWindow,
		pending:       make(map[string]struct{}),
		lastScan:      time.Now(),
		base:          []types.Currency{"USD", "EUR"},
		opportunityCh: make(chan types.Opportunity, 256),
	}
}

// SetTriggerMode changes the scan trigger mode. window is only consulted
// for Debounced; pass 0 to keep the default 50ms.
func (d *Dispatcher) SetTriggerMode(mode TriggerMode, window time.Duration) {
	d.modeMu.Lock()
	defer d.modeMu.Unlock()
	d.mode = mode
	if window > 0 {
		d.window = window
	}
}

// TriggerMode returns the current mode.
func (d *Dispatcher) TriggerMode() TriggerMode {
	d.modeMu.RLock()
	defer d.modeMu.RUnlock()
	return d.mode
}

// SetBaseCurrencies replaces the set of currencies scanned for cycles.
func (d *Dispatcher) SetBaseCurrencies(currencies []types.Currency) {
	d.baseMu.Lock()
	defer d.baseMu.Unlock()
	d.base = append([]types.Currency(nil), currencies...)
}

// SetAutoExecutor wires (or clears, with nil) the auto-execution hook.
func (d *Dispatcher) SetAutoExecutor(ex AutoExecutor) {
	d.autoExecMu.Lock()
	defer d.autoExecMu.Unlock()
	d.autoExec = ex
}

// Opportunities returns the channel opportunities are pushed to after
// every scan. The send never blocks a scan: once the channel's buffer
// (256) is full, further opportunities are dropped until it is drained.
func (d *Dispatcher) Opportunities() <-chan types.Opportunity {
	return d.opportunityCh
}

// OnOrderBookUpdate is the main entry point: called once per order-book
// mutation, after the caller has already updated the pair's graph edge
// (ingest does so via graph.UpdatePair). It only applies the
// trigger-mode policy.
func (d *Dispatcher) OnOrderBookUpdate(pair string) {
	d.eventCount.Add(1)

	mode := d.TriggerMode()
	switch mode {
	case Disabled:
		return
	case Immediate:
		d.tryScan(context.Background(), "immediate")
	case Debounced:
		d.pendingMu.Lock()
		_, alreadyPending := d.pending[pair]
		d.pending[pair] = struct{}{}
		d.pendingMu.Unlock()
		if alreadyPending {
			metrics.DirtyPairsDroppedTotal.Inc()
		}

		d.lastScanMu.Lock()
		elapsed := time.Since(d.lastScan)
		d.lastScanMu.Unlock()

		d.modeMu.RLock()
		window := d.window
		d.modeMu.RUnlock()

		if elapsed >= window {
			d.tryScan(context.Background(), "debounced")
		}
	}
}

// TriggerScan forces an immediate scan attempt regardless of trigger mode
// or debounce state, used by external polling and manual operator action.
func (d *Dispatcher) TriggerScan(ctx context.Context) {
	d.tryScan(ctx, "manual")
}

// tryScan is the single-flight gate: a scan already in progress causes
// this call to return immediately rather than queue behind it. trigger
// labels the cause of the scan for metrics.ScansTotal.
func (d *Dispatcher) tryScan(ctx context.Context, trigger string) {
	if !d.scanInProgress.CompareAndSwap(false, true) {
		return
	}
	defer d.scanInProgress.Store(false)
	metrics.ScansTotal.WithLabelValues(trigger).Inc()

	d.pendingMu.Lock()
	d.pending = make(map[string]struct{})
	d.pendingMu.Unlock()

	d.lastScanMu.Lock()
	d.lastScan = time.Now()
	d.lastScanMu.Unlock()

	d.baseMu.RLock()
	base := append([]types.Currency(nil), d.base...)
	d.baseMu.RUnlock()

	opportunities, err := d.graph.Scan(ctx, base, d.cfg)
	if err != nil {
		return
	}

	d.scanCount.Add(1)
	d.opportunitiesFound.Add(uint64(len(opportunities)))

	d.resultMu.Lock()
	d.cachedResults = opportunities
	d.lastResultTime = time.Now()
	d.resultMu.Unlock()

	d.autoExecMu.RLock()
	exec := d.autoExec
	d.autoExecMu.RUnlock()
	if exec != nil {
		d.tryAutoExecute(ctx, exec, opportunities)
	}

	for _, opp := range opportunities {
		select {
		case d.opportunityCh <- opp:
		default:
			// Channel full: drop rather than block the scan path. A slow
			// consumer should widen its own buffer or poll cached results.
		}
	}
}

// tryAutoExecute executes at most one opportunity per scan cycle, the
// single best candidate clearing the configured profit threshold.
func (d *Dispatcher) tryAutoExecute(ctx context.Context, exec AutoExecutor, opportunities []types.Opportunity) {
	if !exec.IsEnabled() {
		return
	}
	cfg := exec.Config()

	var best *types.Opportunity
	for i := range opportunities {
		o := &opportunities[i]
		if !o.IsProfitable || o.NetProfitPct < cfg.MinProfitThreshold*100.0 {
			continue
		}
		if best == nil || o.NetProfitPct > best.NetProfitPct {
			best = o
		}
	}
	if best == nil {
		return
	}

	if ok, _ := exec.CheckOpportunity(best.Path, best.NetProfitPct); !ok {
		return
	}
	if !exec.TryStartExecution() {
		return
	}
	defer exec.FinishExecution()

	d.autoExecutions.Add(1)
	result, err := exec.Execute(ctx, *best, cfg.TradeAmount)
	if err != nil {
		return
	}

	exec.RecordTrade(result)
	if result.Status == types.StatusCompleted {
		d.autoExecutionWins.Add(1)
	}
}

// CachedOpportunities returns the last scan's results along with their
// age, without triggering a new scan.
func (d *Dispatcher) CachedOpportunities() ([]types.Opportunity, time.Duration) {
	d.resultMu.RLock()
	defer d.resultMu.RUnlock()
	age := time.Since(d.lastResultTime)
	out := append([]types.Opportunity(nil), d.cachedResults...)
	return out, age
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.pendingMu.Lock()
	pending := len(d.pending)
	d.pendingMu.Unlock()

	return Stats{
		EventCount:         d.eventCount.Load(),
		ScanCount:          d.scanCount.Load(),
		OpportunitiesFound: d.opportunitiesFound.Load(),
		PendingPairs:       pending,
		Mode:               d.TriggerMode(),
		AutoExecutions:     d.autoExecutions.Load(),
		AutoExecutionWins:  d.autoExecutionWins.Load(),
	}
}
