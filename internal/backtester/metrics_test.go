package backtester

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func curvePoint(day int, equity float64) types.EquityCurvePoint {
	return types.EquityCurvePoint{
		Date:   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day),
		Equity: decimal.NewFromFloat(equity),
	}
}

func TestMaxDrawdownIsSignedAndNonPositive(t *testing.T) {
	curve := []types.EquityCurvePoint{
		curvePoint(0, 100000),
		curvePoint(1, 110000),
		curvePoint(2, 88000), // -20% off the 110000 peak
		curvePoint(3, 95000),
		curvePoint(4, 111000), // recovers past the prior peak
	}

	dd, date, duration := maxDrawdown(curve)
	if dd.GreaterThan(decimal.Zero) {
		t.Fatalf("expected a non-positive max drawdown, got %s", dd)
	}
	if !dd.Equal(decimal.NewFromFloat(-0.2)) {
		t.Fatalf("expected drawdown of -0.2, got %s", dd)
	}
	if !date.Equal(curve[2].Date) {
		t.Fatalf("expected trough date %s, got %s", curve[2].Date, date)
	}
	if duration != 2 {
		t.Fatalf("expected a 2-day recovery, got %d", duration)
	}
}

func TestMaxDrawdownDurationExtendsToSeriesEndWhenNeverRecovered(t *testing.T) {
	curve := []types.EquityCurvePoint{
		curvePoint(0, 100000),
		curvePoint(1, 120000),
		curvePoint(2, 90000),
		curvePoint(3, 95000),
	}

	_, date, duration := maxDrawdown(curve)
	if duration != 1 {
		t.Fatalf("expected duration to run from the trough to the series end (1 day), got %d", duration)
	}
	if !date.Equal(curve[2].Date) {
		t.Fatalf("expected trough date %s, got %s", curve[2].Date, date)
	}
}

func TestAnalyzeCalmarUsesAbsoluteDrawdown(t *testing.T) {
	curve := []types.EquityCurvePoint{
		curvePoint(0, 100000),
		curvePoint(1, 105000),
		curvePoint(2, 95000),
		curvePoint(3, 115000),
	}
	metrics := Analyze(nil, curve, decimal.NewFromInt(100000))
	if metrics.MaxDrawdown.GreaterThan(decimal.Zero) {
		t.Fatalf("expected non-positive max drawdown, got %s", metrics.MaxDrawdown)
	}
	if !metrics.CalmarRatio.IsZero() && metrics.CalmarRatio.LessThan(decimal.Zero) && metrics.AnnualizedReturn.GreaterThan(decimal.Zero) {
		t.Fatalf("expected Calmar ratio to carry the sign of the return when drawdown magnitude is used, got %s", metrics.CalmarRatio)
	}
}

func TestBenchmarkMetricsComputedWhenProvided(t *testing.T) {
	curve := []types.EquityCurvePoint{
		curvePoint(0, 100000),
		curvePoint(1, 101000),
		curvePoint(2, 102500),
		curvePoint(3, 101500),
	}
	benchmarkReturns := []float64{0.005, 0.008, -0.004}

	metrics := Analyze(nil, curve, decimal.NewFromInt(100000), benchmarkReturns...)
	if metrics.Beta.IsZero() {
		t.Fatal("expected a non-zero beta when benchmark returns are supplied")
	}
}
