// Package dashboard defines the downstream push contract for an
// external HTTP/WebSocket dashboard. The dashboard transport itself —
// the HTTP server, the WebSocket hub, the static asset handler — is
// out of scope; this package exists only so the engine has a real
// interface to push summaries through, matching the teacher's
// internal/api role without porting its handlers (see DESIGN.md for
// why internal/api was deleted rather than adapted).
package dashboard

import "time"

// Snapshot is the periodic (1 Hz) summary pushed to a dashboard
// consumer.
type Snapshot struct {
	Timestamp            time.Time            `json:"timestamp"`
	IsRunning            bool                 `json:"is_running"`
	PairsMonitored       int                  `json:"pairs_monitored"`
	TradingEnabled       bool                 `json:"trading_enabled"`
	AutoExecutionEnabled bool                 `json:"auto_execution_enabled"`
	IsCircuitBroken      bool                 `json:"is_circuit_broken"`
	OpportunitiesFound   uint64               `json:"opportunities_found"`
	BestProfitPct        float64              `json:"best_profit_pct"`
	RecentOpportunities  []OpportunitySummary `json:"recent_opportunities"`
	DailyPnL             float64              `json:"daily_pnl"`
	TotalPnL             float64              `json:"total_pnl"`
}

// OpportunitySummary is the trimmed-down opportunity shape included in
// a Snapshot's recent-opportunities list (at most 10 entries, newest
// first).
type OpportunitySummary struct {
	Path         string    `json:"path"`
	NetProfitPct float64   `json:"net_profit_pct"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Broadcaster is the one method the engine depends on to push a
// summary downstream. Any transport (HTTP long-poll, WebSocket hub,
// gRPC stream) implements this to receive snapshots; the engine never
// depends on a concrete transport.
type Broadcaster interface {
	Push(snapshot Snapshot)
}

// NopBroadcaster discards every snapshot. Used when no dashboard
// transport is configured so the engine always has a non-nil
// Broadcaster to push to.
type NopBroadcaster struct{}

// Push implements Broadcaster by discarding the snapshot.
func (NopBroadcaster) Push(Snapshot) {}
