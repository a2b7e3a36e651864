package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

func TestUpdateAndGetConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cfg := types.TradingConfig{
		IsEnabled:          true,
		TradeAmount:        100,
		MinProfitThreshold: 0.003,
		MaxDailyLoss:       30,
		MaxTotalLoss:       100,
		BaseCurrencies:     "USD",
		ExecutionMode:      "sequential",
	}

	if err := s.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	loaded, err := s.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if loaded == nil {
		t.Fatal("GetConfig returned nil")
	}
	if loaded.TradeAmount != cfg.TradeAmount || loaded.BaseCurrencies != cfg.BaseCurrencies {
		t.Errorf("loaded = %+v, want %+v", *loaded, cfg)
	}
}

func TestGetConfigMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing config, got %+v", loaded)
	}
}

func TestEnableDisableConfigPreservesOtherFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpdateConfig(types.TradingConfig{TradeAmount: 50, BaseCurrencies: "USD"}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if err := s.EnableConfig(); err != nil {
		t.Fatalf("EnableConfig: %v", err)
	}

	cfg, err := s.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !cfg.IsEnabled {
		t.Error("expected IsEnabled=true after EnableConfig")
	}
	if cfg.TradeAmount != 50 {
		t.Errorf("TradeAmount = %v, want 50 (preserved)", cfg.TradeAmount)
	}

	if err := s.DisableConfig(); err != nil {
		t.Fatalf("DisableConfig: %v", err)
	}
	cfg, _ = s.GetConfig()
	if cfg.IsEnabled {
		t.Error("expected IsEnabled=false after DisableConfig")
	}
}

func TestSaveStateOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveState(types.TradingState{TotalTrades: 1})
	_ = s.SaveState(types.TradingState{TotalTrades: 2})

	loaded, err := s.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if loaded.TotalTrades != 2 {
		t.Errorf("TotalTrades = %v, want 2 (latest save)", loaded.TotalTrades)
	}
}

func TestTripAndResetCircuitBreaker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.TripCircuitBreaker("daily loss exceeded"); err != nil {
		t.Fatalf("TripCircuitBreaker: %v", err)
	}

	state, err := s.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !state.IsCircuitBroken || state.BrokenReason != "daily loss exceeded" {
		t.Errorf("state = %+v, want broken with reason set", *state)
	}

	if err := s.ResetCircuitBreaker(); err != nil {
		t.Fatalf("ResetCircuitBreaker: %v", err)
	}
	state, _ = s.GetState()
	if state.IsCircuitBroken {
		t.Error("expected IsCircuitBroken=false after reset")
	}
}

func TestResetDailyStatsClearsDailyNotTotal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.RecordTradeResult(5.0, 100.0, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}
	if err := s.ResetDailyStats(); err != nil {
		t.Fatalf("ResetDailyStats: %v", err)
	}

	state, err := s.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.DailyTrades != 0 || state.DailyProfit != 0 {
		t.Errorf("daily counters not reset: %+v", *state)
	}
	if state.TotalTrades != 1 || state.TotalProfit != 5.0 {
		t.Errorf("total counters should survive a daily reset: %+v", *state)
	}
}

func TestSaveTradeAppendsAndLoadTradesReplays(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	t1 := types.TradeResult{ID: "t1", Path: "USD → BTC → USD", ProfitAmount: decimal.NewFromFloat(1.5)}
	t2 := types.TradeResult{ID: "t2", Path: "USD → ETH → USD", ProfitAmount: decimal.NewFromFloat(-0.5)}

	if err := s.SaveTrade(t1); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.SaveTrade(t2); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	trades, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "t1" || trades[1].ID != "t2" {
		t.Errorf("trades out of order: %+v", trades)
	}
}

func TestUpdateTradeStatusPatchesMatchingRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveTrade(types.TradeResult{ID: "t1", Status: types.StatusPartial})
	_ = s.SaveTrade(types.TradeResult{ID: "t2", Status: types.StatusCompleted})

	if err := s.UpdateTradeStatus("t1", types.StatusResolved); err != nil {
		t.Fatalf("UpdateTradeStatus: %v", err)
	}

	trades, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if trades[0].Status != types.StatusResolved {
		t.Errorf("t1 status = %v, want RESOLVED", trades[0].Status)
	}
	if trades[1].Status != types.StatusCompleted {
		t.Errorf("t2 status should be untouched, got %v", trades[1].Status)
	}
}

func TestResolvePartialTradeSetsHeldFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveTrade(types.TradeResult{ID: "t1", Status: types.StatusPartial})

	if err := s.ResolvePartialTrade("t1", "ETH", 0.25); err != nil {
		t.Fatalf("ResolvePartialTrade: %v", err)
	}

	trades, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if trades[0].Status != types.StatusResolved {
		t.Errorf("status = %v, want RESOLVED", trades[0].Status)
	}
	if trades[0].HeldCurrency != "ETH" {
		t.Errorf("HeldCurrency = %v, want ETH", trades[0].HeldCurrency)
	}
	if !trades[0].HeldAmount.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("HeldAmount = %v, want 0.25", trades[0].HeldAmount)
	}
}

func TestUpdateTradeStatusUnknownIDErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveTrade(types.TradeResult{ID: "t1"})

	if err := s.UpdateTradeStatus("nonexistent", types.StatusResolved); err == nil {
		t.Fatal("expected an error for an unknown trade ID")
	}
}

func TestRecordTradeResultAccumulatesCounters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.RecordTradeResult(5.0, 100.0, true); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}
	if err := s.RecordTradeResult(-2.0, 100.0, false); err != nil {
		t.Fatalf("RecordTradeResult: %v", err)
	}

	state, err := s.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.TotalTrades != 2 {
		t.Errorf("TotalTrades = %v, want 2", state.TotalTrades)
	}
	if state.TotalWins != 1 {
		t.Errorf("TotalWins = %v, want 1", state.TotalWins)
	}
	if state.TotalProfit != 5.0 {
		t.Errorf("TotalProfit = %v, want 5.0", state.TotalProfit)
	}
	if state.TotalLoss != 2.0 {
		t.Errorf("TotalLoss = %v, want 2.0", state.TotalLoss)
	}
}

func TestLoadTradesMissingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	trades, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if trades != nil {
		t.Errorf("expected nil trades for a missing log, got %+v", trades)
	}
}

func TestSaveOpportunityAppendsAndLoadReplays(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	o1 := types.Opportunity{ID: "o1", Path: "USD → BTC → USD", NetProfitPct: 0.4}
	o2 := types.Opportunity{ID: "o2", Path: "USD → ETH → USD", NetProfitPct: 0.1}

	if err := s.SaveOpportunity(o1); err != nil {
		t.Fatalf("SaveOpportunity: %v", err)
	}
	if err := s.SaveOpportunity(o2); err != nil {
		t.Fatalf("SaveOpportunity: %v", err)
	}

	opps, err := s.LoadOpportunities()
	if err != nil {
		t.Fatalf("LoadOpportunities: %v", err)
	}
	if len(opps) != 2 || opps[0].ID != "o1" || opps[1].ID != "o2" {
		t.Errorf("opportunities out of order or missing: %+v", opps)
	}
}

func TestFeeConfigurationRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	fc, err := s.GetFeeConfiguration()
	if err != nil {
		t.Fatalf("GetFeeConfiguration: %v", err)
	}
	if fc != nil {
		t.Fatalf("expected nil fee configuration before any update, got %+v", fc)
	}

	if err := s.UpdateFeeRate(0.0026, "api"); err != nil {
		t.Fatalf("UpdateFeeRate: %v", err)
	}

	fc, err = s.GetFeeConfiguration()
	if err != nil {
		t.Fatalf("GetFeeConfiguration: %v", err)
	}
	if fc.FeeRate != 0.0026 || fc.FeeSource != "api" {
		t.Errorf("fc = %+v, want rate=0.0026 source=api", *fc)
	}
}
