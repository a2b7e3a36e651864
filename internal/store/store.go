// Package store provides crash-safe persistence for engine state using
// JSON files.
//
// Durable state is split across a handful of files:
//   - config.json:             the durable TradingConfig (arming parameters)
//   - state.json:              the durable TradingState (loss/win counters,
//     circuit-breaker status)
//   - fee_configuration.json:  the durable FeeConfiguration record
//   - trades.jsonl:            an append-only log of every TradeResult
//   - opportunities.jsonl:     an append-only log of every Opportunity seen
//
// Config, state and fee-configuration writes use atomic file replacement
// (write to .tmp, then rename) so a crash mid-save never leaves a
// corrupt file. The append-only logs do not need the same treatment: a
// partial final line is detectable and discardable by a reader, and
// never corrupts prior entries.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

const (
	configFile      = "config.json"
	stateFile       = "state.json"
	feeConfigFile   = "fee_configuration.json"
	tradesFile      = "trades.jsonl"
	opportunityFile = "opportunities.jsonl"
)

// Sink is the durable-persistence contract the engine depends on. The
// relational persistence layer behind it (schema, migrations, query
// engine) is out of scope; Sink only names the method set every
// component that touches durable state actually calls, so the core
// never depends on a concrete storage technology. FileSink is the one
// concrete adapter.
type Sink interface {
	GetConfig() (*types.TradingConfig, error)
	UpdateConfig(cfg types.TradingConfig) error
	EnableConfig() error
	DisableConfig() error

	GetState() (*types.TradingState, error)
	TripCircuitBreaker(reason string) error
	ResetCircuitBreaker() error
	ResetDailyStats() error
	RecordTradeResult(profitAmount, tradeAmount float64, isWin bool) error

	SaveTrade(result types.TradeResult) error
	UpdateTradeStatus(id string, status types.TradeStatus) error
	ResolvePartialTrade(id string, held types.Currency, amount float64) error

	SaveOpportunity(opp types.Opportunity) error

	GetFeeConfiguration() (*types.FeeConfiguration, error)
	UpdateFeeRate(rate float64, source string) error
}

// FileSink persists durable engine state to files in a designated
// directory. All operations are mutex-protected to prevent concurrent
// file corruption. It is the one concrete Sink this engine ships with;
// swapping in a relational store means implementing Sink, not changing
// any call site.
type FileSink struct {
	dir           string
	configMu      sync.Mutex
	stateMu       sync.Mutex
	tradesMu      sync.Mutex
	opportunityMu sync.Mutex
	feeMu         sync.Mutex
}

// Open creates a file-backed sink rooted at the given directory.
func Open(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *FileSink) Close() error {
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return &v, nil
}

// GetConfig restores the trading configuration from disk. Returns
// nil, nil if no saved config exists.
func (s *FileSink) GetConfig() (*types.TradingConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	return readJSON[types.TradingConfig](filepath.Join(s.dir, configFile))
}

// UpdateConfig atomically persists the trading configuration.
func (s *FileSink) UpdateConfig(cfg types.TradingConfig) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, configFile), data)
}

// EnableConfig flips the persisted config's arming flag on, without
// disturbing any other field.
func (s *FileSink) EnableConfig() error {
	return s.setEnabled(true)
}

// DisableConfig flips the persisted config's arming flag off.
func (s *FileSink) DisableConfig() error {
	return s.setEnabled(false)
}

func (s *FileSink) setEnabled(enabled bool) error {
	cfg, err := s.GetConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &types.TradingConfig{}
	}
	cfg.IsEnabled = enabled
	return s.UpdateConfig(*cfg)
}

// GetState restores trading state counters from disk. Returns nil,
// nil if no saved state exists (fresh install).
func (s *FileSink) GetState() (*types.TradingState, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return readJSON[types.TradingState](filepath.Join(s.dir, stateFile))
}

// SaveState atomically persists the trading state counters.
func (s *FileSink) SaveState(state types.TradingState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, stateFile), data)
}

// TripCircuitBreaker latches the persisted circuit-breaker flag and
// records the reason and timestamp, mirroring guard.Guard.TripCircuitBreaker
// for the durable copy of the same state.
func (s *FileSink) TripCircuitBreaker(reason string) error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	if state == nil {
		state = &types.TradingState{}
	}
	state.IsCircuitBroken = true
	state.BrokenReason = reason
	state.BrokenAt = time.Now()
	return s.SaveState(*state)
}

// ResetCircuitBreaker clears the persisted circuit-breaker flag
// unconditionally.
func (s *FileSink) ResetCircuitBreaker() error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	state.IsCircuitBroken = false
	state.BrokenReason = ""
	return s.SaveState(*state)
}

// ResetDailyStats zeroes the daily counters and stamps LastDailyReset,
// leaving the lifetime totals untouched.
func (s *FileSink) ResetDailyStats() error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	if state == nil {
		state = &types.TradingState{}
	}
	state.DailyProfit = 0
	state.DailyLoss = 0
	state.DailyTrades = 0
	state.DailyWins = 0
	state.LastDailyReset = time.Now()
	return s.SaveState(*state)
}

// RecordTradeResult folds a trade outcome into the persisted trading
// state's win/loss counters. Satisfies hftloop.Sink.
func (s *FileSink) RecordTradeResult(profitAmount, tradeAmount float64, isWin bool) error {
	state, err := s.GetState()
	if err != nil {
		return err
	}
	if state == nil {
		state = &types.TradingState{}
	}

	state.DailyTrades++
	state.TotalTrades++
	if isWin {
		state.DailyWins++
		state.TotalWins++
		state.DailyProfit += profitAmount
		state.TotalProfit += profitAmount
	} else {
		state.DailyLoss += -profitAmount
		state.TotalLoss += -profitAmount
	}

	return s.SaveState(*state)
}

// SaveTrade appends a completed trade record to the trade log.
// Satisfies hftloop.Sink.
func (s *FileSink) SaveTrade(result types.TradeResult) error {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	return appendJSONL(filepath.Join(s.dir, tradesFile), result)
}

// UpdateTradeStatus rewrites a trade record's lifecycle status in
// place. The trade log is append-only for writers, but a status
// transition (e.g. PARTIAL to RESOLVED once a held leg is swept) needs
// to mutate a record already on disk, so this reads the whole log,
// patches the matching ID, and rewrites it atomically.
func (s *FileSink) UpdateTradeStatus(id string, status types.TradeStatus) error {
	return s.mutateTrade(id, func(t *types.TradeResult) {
		t.Status = status
	})
}

// ResolvePartialTrade records how a held currency from a PARTIAL trade
// was ultimately disposed of and marks the trade RESOLVED.
func (s *FileSink) ResolvePartialTrade(id string, held types.Currency, amount float64) error {
	return s.mutateTrade(id, func(t *types.TradeResult) {
		t.Status = types.StatusResolved
		t.HeldCurrency = held
		t.HeldAmount = decimal.NewFromFloat(amount)
	})
}

func (s *FileSink) mutateTrade(id string, mutate func(*types.TradeResult)) error {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	trades, err := s.loadTradesLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range trades {
		if trades[i].ID == id {
			mutate(&trades[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("trade %s not found", id)
	}

	path := filepath.Join(s.dir, tradesFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open trade log tmp: %w", err)
	}
	for _, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal trade: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("rewrite trade log: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadTrades replays the trade log in order. Useful for rebuilding
// in-memory statistics on startup or for a downstream consumer's trade
// history view. A truncated final line (a crash mid-append) is skipped
// rather than treated as a read failure.
func (s *FileSink) LoadTrades() ([]types.TradeResult, error) {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	return s.loadTradesLocked()
}

func (s *FileSink) loadTradesLocked() ([]types.TradeResult, error) {
	return readJSONL[types.TradeResult](filepath.Join(s.dir, tradesFile))
}

// SaveOpportunity appends an observed opportunity to the opportunity
// log, for after-the-fact audit of what the scanner saw versus what
// the executor acted on.
func (s *FileSink) SaveOpportunity(opp types.Opportunity) error {
	s.opportunityMu.Lock()
	defer s.opportunityMu.Unlock()
	return appendJSONL(filepath.Join(s.dir, opportunityFile), opp)
}

// LoadOpportunities replays the opportunity log in order.
func (s *FileSink) LoadOpportunities() ([]types.Opportunity, error) {
	s.opportunityMu.Lock()
	defer s.opportunityMu.Unlock()
	return readJSONL[types.Opportunity](filepath.Join(s.dir, opportunityFile))
}

// GetFeeConfiguration restores the durable fee schedule from disk.
// Returns nil, nil if no saved fee configuration exists.
func (s *FileSink) GetFeeConfiguration() (*types.FeeConfiguration, error) {
	s.feeMu.Lock()
	defer s.feeMu.Unlock()
	return readJSON[types.FeeConfiguration](filepath.Join(s.dir, feeConfigFile))
}

// UpdateFeeRate atomically persists a new fee rate and its source
// (e.g. "api" for a fetched tier, "config" for an operator override).
func (s *FileSink) UpdateFeeRate(rate float64, source string) error {
	s.feeMu.Lock()
	defer s.feeMu.Unlock()

	fc := types.FeeConfiguration{FeeRate: rate, FeeSource: source, UpdatedAt: time.Now()}
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal fee configuration: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, feeConfigFile), data)
}

func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}
