package backtester

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/costmodel"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"go.uber.org/zap"
)

func TestGenerateWindowsProducesEightyTwentySplit(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	windows := generateWindows(start, end, 30, 7)
	if len(windows) == 0 {
		t.Fatal("expected at least one window")
	}
	for _, w := range windows {
		total := w.OutSampleEnd.Sub(w.InSampleStart)
		inSample := w.InSampleEnd.Sub(w.InSampleStart)
		frac := float64(inSample) / float64(total)
		if frac < 0.75 || frac > 0.85 {
			t.Fatalf("expected an ~80%% in-sample split, got %.2f", frac)
		}
		if w.OutSampleStart != w.InSampleEnd {
			t.Fatalf("expected out-of-sample window to start where in-sample ends")
		}
	}
}

func TestWalkForwardAnalyzerRunSkippedWhenDisabled(t *testing.T) {
	logger := zap.NewNop()
	provider := data.NewMemoryProvider(5)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	provider.GenerateWalk("AAPL", start, end, 100.0)

	costModel, _ := costmodel.NewRegistry().Get("US_DEFAULT")
	sizer := sizing.New(logger, sizing.DefaultConfig())
	runner := strategy.NewRunner(logger, strategy.Config{MaxWorkers: 2})

	analyzer := NewWalkForwardAnalyzer(logger, provider, costModel, sizer, runner)
	config := testConfig([]string{"AAPL"}, start, end)

	result, err := analyzer.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatal("expected nil result when WalkForward.Enabled is false")
	}
}

func TestWalkForwardAnalyzerRunProducesWindows(t *testing.T) {
	logger := zap.NewNop()
	provider := data.NewMemoryProvider(9)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	provider.GenerateWalk("AAPL", start, end, 100.0)

	costModel, _ := costmodel.NewRegistry().Get("US_DEFAULT")
	sizer := sizing.New(logger, sizing.DefaultConfig())
	runner := strategy.NewRunner(logger, strategy.Config{MaxWorkers: 2})

	analyzer := NewWalkForwardAnalyzer(logger, provider, costModel, sizer, runner)
	config := testConfig([]string{"AAPL"}, start, end)
	config.Validation.WalkForward.Enabled = true
	config.Validation.WalkForward.WindowDays = 60
	config.Validation.WalkForward.StepDays = 20

	result, err := analyzer.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil walk-forward result")
	}
	if len(result.Windows) == 0 {
		t.Fatal("expected at least one walk-forward window")
	}
	if result.Robustness.IsNegative() {
		t.Fatalf("expected non-negative robustness, got %s", result.Robustness)
	}

	summary := result.toTypes()
	if summary.Windows != len(result.Windows) {
		t.Fatalf("expected summary window count to match, got %d vs %d", summary.Windows, len(result.Windows))
	}
}
