// Package hftloop implements the unified scan-then-execute hot/cold
// state machine: Idle waits for an order-book event, HotPath scans for
// the first opportunity clearing the profit threshold and executes it
// immediately with no further checks, and ColdPath validates the result,
// updates statistics, persists it, and decides whether to continue or
// trip the circuit breaker.
//
// The hot path is deliberately minimal: no sorting, no secondary
// checks, first profitable path wins. Beyond one config snapshot taken
// before the scan, everything that costs time — statistics bookkeeping,
// persistence — happens only in the cold path, after the trade is
// already done.
package hftloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraken-arb/triangle-engine/internal/graph"
	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// State is a position in the Idle → HotPath → ColdPath → {Idle, Stopped}
// state machine.
type State int

const (
	Idle State = iota
	HotPath
	ColdPath
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HotPath:
		return "hot_path"
	case ColdPath:
		return "cold_path"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the live configuration consulted by the hot path.
type Config struct {
	MinProfitThreshold float64 // fraction; may be negative in test mode
	TradeAmount        float64
	MaxDailyLoss       float64
	MaxTotalLoss       float64
	BaseCurrencies     []types.Currency
}

// Stats accumulates across the loop's lifetime, reset only via
// ResetDailyStats (daily_profit/daily_loss) or process restart (rest).
type Stats struct {
	CyclesCompleted          uint64
	OpportunitiesFound       uint64
	TradesExecuted           uint64
	TradesSuccessful         uint64
	TradesFailed             uint64
	TradesPartial            uint64
	TotalProfit              float64
	TotalLoss                float64
	DailyProfit              float64
	DailyLoss                float64
	EventsReceived           uint64
	EventsIgnoredInHotPath   uint64
}

// LegTiming is the per-leg record persisted alongside a trade outcome.
type LegTiming struct {
	Leg        int
	Pair       string
	Side       types.Side
	DurationMS int64
	Success    bool
	Error      string
}

// Outcome classifies a completed cycle.
type Outcome int

const (
	NoOpportunity Outcome = iota
	TradeSuccess
	TradeFailed
	CircuitBroken
)

// CycleResult is the outcome of one hot-path pass.
type CycleResult struct {
	Outcome      Outcome
	Path         string
	ProfitPct    float64
	ProfitAmount float64
	DurationMS   int64
	Error        string
	IsPartial    bool
	LegTimings   []LegTiming
	Reason       string // set only for CircuitBroken
}

// ColdPathDecision is what the cold path decides after validating a result.
type ColdPathDecision struct {
	Stop   bool
	Reason string
}

// Executor runs a single opportunity end to end.
type Executor interface {
	ExecuteOpportunity(ctx context.Context, opp types.Opportunity, tradeAmount float64) (types.TradeResult, error)
}

// Sink is the subset of durable persistence the cold path needs.
type Sink interface {
	SaveTrade(result types.TradeResult) error
	RecordTradeResult(profitAmount, tradeAmount float64, isWin bool) error
}

// Loop is the unified HFT scan+execute state machine.
type Loop struct {
	g    *graph.Graph
	exec Executor
	sink Sink

	stateMu sync.RWMutex
	state   State

	statsMu sync.Mutex
	stats   Stats

	cfgMu sync.RWMutex
	cfg   Config

	events chan string

	running    atomic.Bool
	cycleCount atomic.Uint64
}

// New returns a loop wired to its graph, executor, and sink. The event
// channel is buffered at 1000, matching the backpressure budget of a
// busy order-book feed: a burst of updates coalesces into "there is
// something to scan," not a queue of individual pairs.
func New(g *graph.Graph, exec Executor, sink Sink, cfg Config) *Loop {
	return &Loop{
		g:      g,
		exec:   exec,
		sink:   sink,
		cfg:    cfg,
		events: make(chan string, 1000),
	}
}

// UpdateConfig replaces the live configuration.
func (l *Loop) UpdateConfig(cfg Config) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.cfg = cfg
}

func (l *Loop) config() Config {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// State returns the current state.
func (l *Loop) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

// Stats returns a copy of the accumulated statistics.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// NotifyOrderBookUpdate is the event-producer side: called once per
// order-book mutation. Non-blocking; a full event channel drops the
// notification rather than stalling the ingest path, since the pending
// scan will still pick up the latest book state regardless of which
// specific pair woke it.
func (l *Loop) NotifyOrderBookUpdate(pair string) {
	select {
	case l.events <- pair:
	default:
	}
}

// Run drives the state machine until ctx is cancelled or the event
// channel is closed. Intended to run in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !l.running.Load() {
			return
		}

		switch l.State() {
		case Stopped:
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue

		case Idle:
			select {
			case <-ctx.Done():
				return
			case _, ok := <-l.events:
				if !ok {
					return
				}
				l.statsMu.Lock()
				l.stats.EventsReceived++
				l.statsMu.Unlock()
				l.setState(HotPath)
			}
		}

		if l.State() != HotPath {
			continue
		}

		result := l.executeHotPath(ctx)
		l.cycleCount.Add(1)

		// Events that queued up while the hot path ran are dropped, not
		// replayed as further cycles.
		ignored := uint64(0)
		for len(l.events) > 0 {
			<-l.events
			ignored++
		}
		l.statsMu.Lock()
		l.stats.EventsIgnoredInHotPath += ignored
		l.statsMu.Unlock()

		l.setState(ColdPath)
		decision := l.executeColdPath(result)

		if decision.Stop {
			l.setState(Stopped)
		} else {
			l.setState(Idle)
		}
	}
}

// IsRunning reports whether Run is actively driving the loop.
func (l *Loop) IsRunning() bool { return l.running.Load() }

// CycleCount returns the number of hot-path passes executed.
func (l *Loop) CycleCount() uint64 { return l.cycleCount.Load() }

// executeHotPath scans for the first opportunity clearing the
// threshold and executes it immediately. Speed-critical: no sorting,
// no extra validation beyond what ScanFirst already applies.
func (l *Loop) executeHotPath(ctx context.Context) CycleResult {
	cfg := l.config()

	scanStart := time.Now()
	scanCfg := graph.ScanConfig{MinProfitThreshold: cfg.MinProfitThreshold}
	opp, found := l.g.ScanFirst(cfg.BaseCurrencies, scanCfg, cfg.MinProfitThreshold)
	metrics.HotPathStageDurationSeconds.WithLabelValues("scan").Observe(time.Since(scanStart).Seconds())
	if !found {
		return CycleResult{Outcome: NoOpportunity}
	}

	if l.exec == nil {
		return CycleResult{Outcome: TradeFailed, Path: opp.Path, Error: "execution engine not available"}
	}

	start := time.Now()
	tradeResult, err := l.exec.ExecuteOpportunity(ctx, opp, cfg.TradeAmount)
	durationMS := time.Since(start).Milliseconds()
	metrics.HotPathStageDurationSeconds.WithLabelValues("execute").Observe(time.Since(start).Seconds())

	if err != nil {
		return CycleResult{Outcome: TradeFailed, Path: opp.Path, Error: err.Error(), DurationMS: durationMS}
	}

	legTimings := make([]LegTiming, len(tradeResult.Legs))
	completed := 0
	for i, leg := range tradeResult.Legs {
		legTimings[i] = LegTiming{
			Leg: leg.LegIndex + 1, Pair: leg.Pair, Side: leg.Side,
			DurationMS: leg.DurationMS, Success: leg.Success, Error: leg.Error,
		}
		if leg.Success {
			completed++
		}
	}

	if tradeResult.Status == types.StatusCompleted {
		profitAmount, _ := tradeResult.ProfitAmount.Float64()
		return CycleResult{
			Outcome: TradeSuccess, Path: tradeResult.Path,
			ProfitPct: tradeResult.ProfitPct, ProfitAmount: profitAmount,
			DurationMS: durationMS, LegTimings: legTimings,
		}
	}

	isPartial := completed > 0 && completed < len(tradeResult.Legs)
	errMsg := tradeResult.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return CycleResult{
		Outcome: TradeFailed, Path: tradeResult.Path, Error: errMsg,
		IsPartial: isPartial, DurationMS: durationMS, LegTimings: legTimings,
	}
}

// executeColdPath validates a completed cycle, updates stats, persists
// the outcome, and decides whether to continue or trip the breaker. A
// config snapshot is taken before the stats lock, and persistence runs
// with no locks held: the circuit-breaker check uses the snapshot's
// loss limits against counters updated inside the (brief) stats critical
// section, never the other way around.
func (l *Loop) executeColdPath(result CycleResult) ColdPathDecision {
	cfg := l.config()

	var dailyLoss, totalLoss float64

	l.statsMu.Lock()
	l.stats.CyclesCompleted++

	switch result.Outcome {
	case NoOpportunity:
		l.statsMu.Unlock()
		return ColdPathDecision{Stop: false}

	case TradeSuccess:
		l.stats.OpportunitiesFound++
		l.stats.TradesExecuted++
		l.stats.TradesSuccessful++
		if result.ProfitAmount >= 0 {
			l.stats.TotalProfit += result.ProfitAmount
			l.stats.DailyProfit += result.ProfitAmount
		} else {
			l.stats.TotalLoss += -result.ProfitAmount
			l.stats.DailyLoss += -result.ProfitAmount
		}

	case TradeFailed:
		l.stats.OpportunitiesFound++
		l.stats.TradesExecuted++
		l.stats.TradesFailed++
		if result.IsPartial {
			l.stats.TradesPartial++
		}

	case CircuitBroken:
		l.statsMu.Unlock()
		return ColdPathDecision{Stop: true, Reason: result.Reason}
	}

	dailyLoss, totalLoss = l.stats.DailyLoss, l.stats.TotalLoss
	l.statsMu.Unlock()

	if l.sink != nil {
		l.persist(result, cfg)
	}

	if result.Outcome == TradeSuccess {
		if dailyLoss > cfg.MaxDailyLoss {
			return ColdPathDecision{Stop: true, Reason: fmt.Sprintf(
				"daily loss limit exceeded: $%.2f > $%.2f", dailyLoss, cfg.MaxDailyLoss)}
		}
		if totalLoss > cfg.MaxTotalLoss {
			return ColdPathDecision{Stop: true, Reason: fmt.Sprintf(
				"total loss limit exceeded: $%.2f > $%.2f", totalLoss, cfg.MaxTotalLoss)}
		}
	}

	return ColdPathDecision{Stop: false}
}

func (l *Loop) persist(result CycleResult, cfg Config) {
	switch result.Outcome {
	case TradeSuccess:
		isWin := result.ProfitAmount > 0
		if err := l.sink.RecordTradeResult(result.ProfitAmount, cfg.TradeAmount, isWin); err != nil {
			return
		}
	case TradeFailed:
		// Failed trades are not passed to RecordTradeResult, so they have
		// no pnl effect; they are only appended to the trade log below.
	}

	status := types.StatusCompleted
	if result.Outcome == TradeFailed {
		status = types.StatusFailed
		if result.IsPartial {
			status = types.StatusPartial
		}
	}

	tr := types.TradeResult{
		Path:      result.Path,
		ProfitPct: result.ProfitPct,
		Status:    status,
		Error:     result.Error,
	}
	_ = l.sink.SaveTrade(tr)
}

// Stop halts Run at its next poll point (Stopped state) or next loop
// iteration boundary. Run itself exits on context cancellation; Stop is
// for callers holding a Loop reference without the cancel func at hand.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// ResetCircuitBreaker manually un-trips a Stopped loop, resuming at
// Idle. Unlike the automatic daily reset, this does not touch daily
// counters — only the state itself.
func (l *Loop) ResetCircuitBreaker() {
	l.stateMu.Lock()
	if l.state == Stopped {
		l.state = Idle
	}
	l.stateMu.Unlock()
}

// ResetDailyStats zeroes the daily profit/loss counters, leaving
// lifetime totals untouched.
func (l *Loop) ResetDailyStats() {
	l.statsMu.Lock()
	l.stats.DailyProfit = 0
	l.stats.DailyLoss = 0
	l.statsMu.Unlock()
}
