package backtester

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/costmodel"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testConfig(tickers []string, start, end time.Time) *types.BacktestConfig {
	return &types.BacktestConfig{
		ID:               "engine-test",
		Tickers:          tickers,
		Regions:          []string{"US"},
		StartDate:        start,
		EndDate:          end,
		InitialCapital:   decimal.NewFromInt(100000),
		RiskTier:         types.RiskTierModerate,
		ScoreThreshold:   0,
		KellyFraction:    decimal.NewFromFloat(0.5),
		LotSize:          1,
		MaxOpenPositions: 3,
		MaxHoldingDays:   20,
		CostProfile:      "US_DEFAULT",
	}
}

func newTestEngine(t *testing.T, provider data.Provider) *Engine {
	t.Helper()
	logger := zap.NewNop()
	costModel, err := costmodel.NewRegistry().Get("US_DEFAULT")
	if err != nil {
		t.Fatalf("unexpected error resolving cost profile: %v", err)
	}
	sizer := sizing.New(logger, sizing.DefaultConfig())
	runner := strategy.NewRunner(logger, strategy.Config{MaxWorkers: 4})
	return NewEngine(logger, provider, costModel, sizer, runner)
}

func TestEngineRunProducesEquityCurveAndMetrics(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	provider := data.NewMemoryProvider(7)
	provider.GenerateWalk("AAPL", start, end, 150.0)
	provider.GenerateWalk("MSFT", start, end, 300.0)

	engine := newTestEngine(t, provider)
	config := testConfig([]string{"AAPL", "MSFT"}, start, end)

	result, err := engine.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.EquityCurve) == 0 {
		t.Fatal("expected a non-empty equity curve")
	}
	if result.Metrics == nil {
		t.Fatal("expected metrics to be computed")
	}
	first := result.EquityCurve[0].Equity
	if !first.GreaterThan(decimal.Zero) {
		t.Fatalf("expected positive starting equity, got %s", first)
	}
	if result.DaysProcessed == 0 {
		t.Fatal("expected at least one trading day to be processed")
	}
}

func TestEngineRunRespectsMaxOpenPositions(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

	provider := data.NewMemoryProvider(11)
	tickers := []string{"A", "B", "C", "D", "E"}
	for _, ticker := range tickers {
		provider.GenerateWalk(ticker, start, end, 100.0)
	}

	engine := newTestEngine(t, provider)
	config := testConfig(tickers, start, end)
	config.MaxOpenPositions = 2

	result, err := engine.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, point := range result.EquityCurve {
		if point.Equity.LessThan(decimal.Zero) {
			t.Fatalf("equity went negative at %s: %s", point.Date, point.Equity)
		}
		open := 0
		for _, trade := range result.Trades {
			if !trade.EntryDate.After(point.Date) && trade.ExitDate.After(point.Date) {
				open++
			}
		}
		if open > config.MaxOpenPositions {
			t.Fatalf("expected at most %d open positions on %s, got %d", config.MaxOpenPositions, point.Date, open)
		}
	}
}

func TestEngineRunWithValidationEnabled(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)

	provider := data.NewMemoryProvider(21)
	provider.GenerateWalk("AAPL", start, end, 150.0)

	engine := newTestEngine(t, provider)
	config := testConfig([]string{"AAPL"}, start, end)
	config.Validation.MonteCarlo = types.MonteCarloConfig{Enabled: true, Iterations: 200}
	config.Validation.Viability = true

	result, err := engine.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Viability == nil {
		t.Fatal("expected a viability report when Validation.Viability is enabled")
	}
	if result.MonteCarlo == nil {
		t.Fatal("expected a Monte Carlo result when Validation.MonteCarlo.Enabled is true")
	}
}

func TestEngineRejectsConcurrentRuns(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)

	provider := data.NewMemoryProvider(3)
	provider.GenerateWalk("AAPL", start, end, 150.0)

	engine := newTestEngine(t, provider)
	config := testConfig([]string{"AAPL"}, start, end)

	engine.running.Store(true)
	if _, err := engine.Run(context.Background(), config); err == nil {
		t.Fatal("expected an error when a backtest is already running")
	}
	engine.running.Store(false)
}

func TestBusinessDaysSkipsWeekends(t *testing.T) {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC) // Monday
	end := time.Date(2023, 1, 8, 0, 0, 0, 0, time.UTC)   // Sunday
	days := businessDays(start, end)
	if len(days) != 5 {
		t.Fatalf("expected 5 business days, got %d", len(days))
	}
	for _, d := range days {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			t.Fatalf("businessDays returned a weekend day: %s", d)
		}
	}
}
