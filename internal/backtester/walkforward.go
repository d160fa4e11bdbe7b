// Package backtester: walk-forward analysis for strategy robustness (C9).
package backtester

import (
	"context"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/costmodel"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalkForwardWindow holds the in-sample/out-of-sample metrics for one
// rolling window.
type WalkForwardWindow struct {
	InSampleStart    time.Time
	InSampleEnd      time.Time
	OutSampleStart   time.Time
	OutSampleEnd     time.Time
	InSampleMetrics  *types.PerformanceMetrics
	OutSampleMetrics *types.PerformanceMetrics
}

// WalkForwardResult is the full set of rolling-window results plus a single
// robustness score.
type WalkForwardResult struct {
	Windows        []WalkForwardWindow
	OverallMetrics *types.PerformanceMetrics
	Robustness     decimal.Decimal // out-of-sample return / in-sample return, clamped [0, 2]
}

// WalkForwardAnalyzer re-runs a config across rolling in-sample/out-of-sample
// windows to check whether a strategy's edge persists out of sample, rather
// than being an artifact of one backtest period.
type WalkForwardAnalyzer struct {
	logger    *zap.Logger
	provider  data.Provider
	costModel costmodel.CostModel
	sizer     *sizing.KellySizer
	runner    *strategy.Runner
}

// NewWalkForwardAnalyzer creates a WalkForwardAnalyzer from the same
// component dependencies as Engine.
func NewWalkForwardAnalyzer(logger *zap.Logger, provider data.Provider, costModel costmodel.CostModel, sizer *sizing.KellySizer, runner *strategy.Runner) *WalkForwardAnalyzer {
	return &WalkForwardAnalyzer{logger: logger, provider: provider, costModel: costModel, sizer: sizer, runner: runner}
}

type window struct {
	InSampleStart, InSampleEnd   time.Time
	OutSampleStart, OutSampleEnd time.Time
}

// Run executes the walk-forward analysis for config.
func (wf *WalkForwardAnalyzer) Run(ctx context.Context, config *types.BacktestConfig) (*WalkForwardResult, error) {
	wfConfig := config.Validation.WalkForward
	if !wfConfig.Enabled {
		return nil, nil
	}

	windowDays := wfConfig.WindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	stepDays := wfConfig.StepDays
	if stepDays <= 0 {
		stepDays = 7
	}

	windows := generateWindows(config.StartDate, config.EndDate, windowDays, stepDays)
	if len(windows) == 0 {
		return nil, types.NewError(types.ErrConfigInvalid, "no walk-forward windows generated for the given date range", nil)
	}

	wf.logger.Info("starting walk-forward analysis", zap.Int("windows", len(windows)), zap.Int("window_days", windowDays), zap.Int("step_days", stepDays))

	results := make([]WalkForwardWindow, 0, len(windows))
	var allTrades []types.Trade
	var allEquityCurve []types.EquityCurvePoint

	for i, w := range windows {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		inSampleConfig := *config
		inSampleConfig.StartDate, inSampleConfig.EndDate = w.InSampleStart, w.InSampleEnd
		inSampleConfig.Validation = types.ValidationConfig{}

		outSampleConfig := *config
		outSampleConfig.StartDate, outSampleConfig.EndDate = w.OutSampleStart, w.OutSampleEnd
		outSampleConfig.Validation = types.ValidationConfig{}

		inResult, err := wf.newEngine().Run(ctx, &inSampleConfig)
		if err != nil {
			wf.logger.Warn("in-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}
		outResult, err := wf.newEngine().Run(ctx, &outSampleConfig)
		if err != nil {
			wf.logger.Warn("out-of-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		results = append(results, WalkForwardWindow{
			InSampleStart:    w.InSampleStart,
			InSampleEnd:      w.InSampleEnd,
			OutSampleStart:   w.OutSampleStart,
			OutSampleEnd:     w.OutSampleEnd,
			InSampleMetrics:  inResult.Metrics,
			OutSampleMetrics: outResult.Metrics,
		})
		allTrades = append(allTrades, outResult.Trades...)
		allEquityCurve = append(allEquityCurve, outResult.EquityCurve...)
	}

	overall := Analyze(allTrades, allEquityCurve, config.InitialCapital)
	robustness := calculateRobustness(results)

	wf.logger.Info("walk-forward analysis complete",
		zap.String("overall_return", overall.TotalReturn.String()),
		zap.String("robustness", robustness.String()),
		zap.Int("total_trades", len(allTrades)),
	)

	return &WalkForwardResult{Windows: results, OverallMetrics: overall, Robustness: robustness}, nil
}

// toTypes converts the full per-window result into the serializable summary
// carried on types.BacktestResult.
func (r *WalkForwardResult) toTypes() *types.WalkForwardSummary {
	if r == nil {
		return nil
	}
	sharpe := decimal.Zero
	if r.OverallMetrics != nil {
		sharpe = r.OverallMetrics.SharpeRatio
	}
	ret := decimal.Zero
	if r.OverallMetrics != nil {
		ret = r.OverallMetrics.TotalReturn
	}
	return &types.WalkForwardSummary{
		Windows:       len(r.Windows),
		OverallReturn: ret,
		OverallSharpe: sharpe,
		Robustness:    r.Robustness,
	}
}

// newEngine builds a fresh Engine for one in-sample or out-of-sample run, so
// KellySizer calibration history does not leak across windows.
func (wf *WalkForwardAnalyzer) newEngine() *Engine {
	return NewEngine(wf.logger, wf.provider, wf.costModel, sizing.New(wf.logger, sizing.DefaultConfig()), wf.runner)
}

func generateWindows(start, end time.Time, windowDays, stepDays int) []window {
	var windows []window
	windowDuration := time.Duration(windowDays) * 24 * time.Hour
	stepDuration := time.Duration(stepDays) * 24 * time.Hour
	inSampleDuration := time.Duration(float64(windowDuration) * 0.8)

	for current := start; !current.Add(windowDuration).After(end); current = current.Add(stepDuration) {
		windows = append(windows, window{
			InSampleStart:  current,
			InSampleEnd:    current.Add(inSampleDuration),
			OutSampleStart: current.Add(inSampleDuration),
			OutSampleEnd:   current.Add(windowDuration),
		})
	}
	return windows
}

// calculateRobustness is the ratio of aggregate out-of-sample return to
// aggregate in-sample return, clamped to [0, 2]; values above 0.5 suggest
// the strategy's edge generalizes reasonably well out of sample.
func calculateRobustness(windows []WalkForwardWindow) decimal.Decimal {
	var inSample, outSample decimal.Decimal
	valid := 0
	for _, w := range windows {
		if w.InSampleMetrics != nil && w.OutSampleMetrics != nil {
			inSample = inSample.Add(w.InSampleMetrics.TotalReturn)
			outSample = outSample.Add(w.OutSampleMetrics.TotalReturn)
			valid++
		}
	}
	if valid == 0 || inSample.IsZero() {
		return decimal.Zero
	}
	robustness := outSample.Div(inSample)
	if robustness.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if robustness.GreaterThan(decimal.NewFromFloat(2)) {
		return decimal.NewFromFloat(2)
	}
	return robustness
}
