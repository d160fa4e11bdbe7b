package sizing

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestFullKellyClampedNonNegative(t *testing.T) {
	if k := fullKelly(0.2, 1.0); k != 0 {
		t.Fatalf("expected 0 kelly for a losing edge, got %f", k)
	}
}

func TestCalculateSizeRespectsLotSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LotSize = 100
	cfg.MinHistorySamples = 1000 // force prior usage
	sizer := New(zap.NewNop(), cfg)

	result, err := sizer.CalculateSize(SizingRequest{
		Ticker:      "AAPL",
		PatternType: types.PatternStageTwoBreakout,
		EntryScore:  80,
		Equity:      decimal.NewFromInt(1000000),
		Price:       decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Shares%100 != 0 {
		t.Fatalf("expected shares rounded to lot size 100, got %d", result.Shares)
	}
}

func TestStageTwoAdjustmentIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StageTwo = func(req SizingRequest) float64 { return 10.0 } // way outside bounds
	sizer := New(zap.NewNop(), cfg)

	result, err := sizer.CalculateSize(SizingRequest{
		Ticker:      "MSFT",
		PatternType: types.PatternMA200Breakout,
		EntryScore:  75, // >= 70: Stage-2 gate must be open for clamping to be exercised
		Equity:      decimal.NewFromInt(100000),
		Price:       decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StageTwoFactor > 1.5 {
		t.Fatalf("expected stage-two factor clamped to 1.5, got %f", result.StageTwoFactor)
	}
}

func TestStageTwoSkippedBelowQualityGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StageTwo = func(req SizingRequest) float64 { return 10.0 }
	sizer := New(zap.NewNop(), cfg)

	result, err := sizer.CalculateSize(SizingRequest{
		Ticker:      "MSFT",
		PatternType: types.PatternMA200Breakout,
		EntryScore:  65, // below the 70 quality gate
		Equity:      decimal.NewFromInt(100000),
		Price:       decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StageTwoFactor != 1.0 {
		t.Fatalf("expected stage-two to be skipped below quality_score 70, got factor %f", result.StageTwoFactor)
	}
}

func TestCalculateSizeRejectsZeroEquity(t *testing.T) {
	sizer := New(zap.NewNop(), DefaultConfig())
	_, err := sizer.CalculateSize(SizingRequest{
		Ticker: "GME",
		Equity: decimal.Zero,
		Price:  decimal.NewFromInt(10),
	})
	if err == nil {
		t.Fatal("expected error for zero equity")
	}
}
