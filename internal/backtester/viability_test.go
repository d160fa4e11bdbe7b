package backtester

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func strongMetrics() *types.PerformanceMetrics {
	return &types.PerformanceMetrics{
		TotalReturn:   decimal.NewFromFloat(0.35),
		SharpeRatio:   decimal.NewFromFloat(1.8),
		SortinoRatio:  decimal.NewFromFloat(2.2),
		CalmarRatio:   decimal.NewFromFloat(1.5),
		MaxDrawdown:   decimal.NewFromFloat(-0.08),
		VaR95:         decimal.NewFromFloat(0.01),
		TotalTrades:   120,
		WinningTrades: 78,
		LosingTrades:  42,
		WinRate:       decimal.NewFromFloat(0.65),
		ProfitFactor:  decimal.NewFromFloat(2.4),
		Expectancy:    decimal.NewFromFloat(0.01),
	}
}

func weakMetrics() *types.PerformanceMetrics {
	return &types.PerformanceMetrics{
		TotalReturn:   decimal.NewFromFloat(-0.15),
		SharpeRatio:   decimal.NewFromFloat(-0.4),
		SortinoRatio:  decimal.NewFromFloat(-0.3),
		CalmarRatio:   decimal.NewFromFloat(-0.2),
		MaxDrawdown:   decimal.NewFromFloat(-0.45),
		VaR95:         decimal.NewFromFloat(0.09),
		TotalTrades:   15,
		WinningTrades: 4,
		LosingTrades:  11,
		WinRate:       decimal.NewFromFloat(0.27),
		ProfitFactor:  decimal.NewFromFloat(0.6),
		Expectancy:    decimal.NewFromFloat(-0.02),
	}
}

func TestViabilityCheckerGradesStrongStrategyAsViable(t *testing.T) {
	checker := NewViabilityChecker(DefaultViabilityThresholds())
	result := &types.BacktestResult{Metrics: strongMetrics()}

	report := checker.Check(result, nil)
	if !report.IsViable {
		t.Fatalf("expected a strong strategy to be viable, got score %d, issues %+v", report.Score, report.Issues)
	}
	if report.Grade == "F" || report.Grade == "D" {
		t.Fatalf("expected at least a C grade, got %s", report.Grade)
	}
}

func TestViabilityCheckerFlagsWeakStrategyAsCritical(t *testing.T) {
	checker := NewViabilityChecker(DefaultViabilityThresholds())
	result := &types.BacktestResult{Metrics: weakMetrics()}

	report := checker.Check(result, nil)
	if report.IsViable {
		t.Fatal("expected a weak strategy to be flagged non-viable")
	}

	hasCritical := false
	for _, issue := range report.Issues {
		if issue.Severity == "critical" {
			hasCritical = true
		}
	}
	if !hasCritical {
		t.Fatal("expected at least one critical issue for a strategy with negative Sharpe and expectancy")
	}
}

func TestViabilityReportToTypesFlattensIssues(t *testing.T) {
	checker := NewViabilityChecker(DefaultViabilityThresholds())
	result := &types.BacktestResult{Metrics: weakMetrics()}
	report := checker.Check(result, nil)

	flat := report.toTypes()
	if flat.Score != report.Score || flat.Grade != report.Grade {
		t.Fatal("expected toTypes to preserve score and grade")
	}
	if len(flat.Issues) != len(report.Issues) {
		t.Fatalf("expected %d flattened issues, got %d", len(report.Issues), len(flat.Issues))
	}
}

func TestWalkForwardConsistencyStrength(t *testing.T) {
	checker := NewViabilityChecker(DefaultViabilityThresholds())
	result := &types.BacktestResult{Metrics: strongMetrics()}

	wf := &WalkForwardResult{
		Windows: []WalkForwardWindow{
			{OutSampleMetrics: &types.PerformanceMetrics{TotalReturn: decimal.NewFromFloat(0.05), SharpeRatio: decimal.NewFromFloat(1.0)}},
			{OutSampleMetrics: &types.PerformanceMetrics{TotalReturn: decimal.NewFromFloat(0.03), SharpeRatio: decimal.NewFromFloat(0.8)}},
		},
		Robustness: decimal.NewFromFloat(0.9),
	}

	report := checker.Check(result, wf)
	found := false
	for _, s := range report.Strengths {
		if s == "Consistent out-of-sample performance" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected consistent out-of-sample strength to be recorded, got %+v", report.Strengths)
	}
}
