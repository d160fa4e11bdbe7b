// Package backtester provides the core day-by-day backtesting engine.
package backtester

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/costmodel"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/portfolio"
	"github.com/atlas-desktop/trading-backend/internal/sizing"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine runs a single-threaded, strictly-ordered day-by-day backtest: each
// trading day marks open positions, checks them for exits, sells any that
// trigger, generates and sizes new entry candidates, buys what fits, and
// finally records an equity-curve point. This replaces an event-queue
// architecture with a simpler loop matched to end-of-day equities data,
// where same-day ordering (mark before buy) is the only sequencing that
// matters.
type Engine struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	provider  data.Provider
	costModel costmodel.CostModel
	sizer     *sizing.KellySizer
	runner    *strategy.Runner

	running       atomic.Bool
	cancelled     atomic.Bool
	currentDate   time.Time
	daysProcessed atomic.Uint64
	tradesCount   atomic.Uint64
	currentEquity atomic.Value // decimal.Decimal

	progressChan chan *types.BacktestProgress
}

// NewEngine creates an Engine from its component dependencies.
func NewEngine(logger *zap.Logger, provider data.Provider, costModel costmodel.CostModel, sizer *sizing.KellySizer, runner *strategy.Runner) *Engine {
	e := &Engine{
		logger:       logger,
		provider:     provider,
		costModel:    costModel,
		sizer:        sizer,
		runner:       runner,
		progressChan: make(chan *types.BacktestProgress, 100),
	}
	e.currentEquity.Store(decimal.Zero)
	return e
}

// Cancel requests that a running backtest stop at the next day boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// ProgressChan returns the progress update channel.
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	return e.progressChan
}

// GetProgress returns a point-in-time snapshot of the current run.
func (e *Engine) GetProgress() *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := "idle"
	if e.running.Load() {
		status = "running"
	}
	equity, _ := e.currentEquity.Load().(decimal.Decimal)

	return &types.BacktestProgress{
		Status:         status,
		CurrentDate:    e.currentDate,
		DaysProcessed:  int(e.daysProcessed.Load()),
		TradesExecuted: int(e.tradesCount.Load()),
		CurrentEquity:  equity,
	}
}

// Run executes a backtest for config and returns the full result, including
// performance metrics, the equity curve and every realized trade.
func (e *Engine) Run(ctx context.Context, config *types.BacktestConfig) (*types.BacktestResult, error) {
	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return nil, types.NewError(types.ErrConfigInvalid, "backtest already running", nil)
	}
	e.running.Store(true)
	e.cancelled.Store(false)
	e.daysProcessed.Store(0)
	e.tradesCount.Store(0)
	e.mu.Unlock()
	defer e.running.Store(false)

	startedAt := time.Now()
	sim := portfolio.New(config.InitialCapital, config.MaxOpenPositions, portfolio.RiskConfig{
		CashReserve:           config.CashReserve,
		MaxSectorExposure:     config.MaxSectorExposure,
		StopLossATRMultiplier: config.StopLossATRMultiplier,
		StopLossMin:           config.StopLossMin,
		StopLossMax:           config.StopLossMax,
		ProfitTarget:          config.ProfitTarget,
	})
	e.currentEquity.Store(config.InitialCapital)

	tradingDays := businessDays(config.StartDate, config.EndDate)
	e.logger.Info("starting backtest",
		zap.String("id", config.ID),
		zap.Int("tickers", len(config.Tickers)),
		zap.Int("trading_days", len(tradingDays)),
	)

	equityCurve := make([]types.EquityCurvePoint, 0, len(tradingDays))

	for i, day := range tradingDays {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.cancelled.Load() {
			return nil, types.NewError(types.ErrConfigInvalid, "backtest cancelled", nil)
		}

		e.currentDate = day
		if err := e.processDay(ctx, config, sim, day); err != nil {
			if types.IsFatal(errorKind(err)) {
				e.logger.Error("fatal error processing trading day", zap.Time("date", day), zap.Error(err))
				return nil, err
			}
			e.logger.Warn("error processing trading day", zap.Time("date", day), zap.Error(err))
		}

		point := sim.EquitySnapshot(day)
		equityCurve = append(equityCurve, point)
		e.currentEquity.Store(point.Equity)
		e.daysProcessed.Add(1)
		e.tradesCount.Store(uint64(len(sim.Trades())))

		if i%20 == 0 || i == len(tradingDays)-1 {
			e.sendProgress(config.ID, len(tradingDays))
		}
	}

	sim.CloseAll(lastOrZero(tradingDays), nil)
	e.tradesCount.Store(uint64(len(sim.Trades())))

	trades := sim.Trades()
	benchmarkReturns := e.benchmarkReturns(ctx, config)
	metrics := Analyze(trades, equityCurve, config.InitialCapital, benchmarkReturns...)

	result := &types.BacktestResult{
		ID:            config.ID,
		Config:        config,
		Metrics:       metrics,
		PatternMetrics: patternBreakdown(trades),
		EquityCurve:   equityCurve,
		Trades:        trades,
		StartedAt:     startedAt,
		CompletedAt:   time.Now(),
		Duration:      time.Since(startedAt),
		DaysProcessed: len(tradingDays),
	}

	if config.Validation.MonteCarlo.Enabled {
		result.MonteCarlo = NewMonteCarloSimulator(e.logger, config.Validation.MonteCarlo).Run(trades)
	}

	var walkForward *WalkForwardResult
	if config.Validation.WalkForward.Enabled {
		wfResult, err := NewWalkForwardAnalyzer(e.logger, e.provider, e.costModel, e.sizer, e.runner).Run(ctx, config)
		walkForward = wfResult
		if err != nil {
			e.logger.Warn("walk-forward analysis failed", zap.Error(err))
		} else {
			result.WalkForward = walkForward.toTypes()
		}
	}

	if config.Validation.Viability {
		result.Viability = NewViabilityChecker(DefaultViabilityThresholds()).Check(result, walkForward).toTypes()
	}

	e.logger.Info("backtest completed",
		zap.String("id", config.ID),
		zap.Duration("duration", result.Duration),
		zap.Int("trades", len(result.Trades)),
		zap.String("total_return", metrics.TotalReturn.String()),
	)

	return result, nil
}

// processDay runs one trading day through mark -> exit -> entry; Run records
// the day's equity point afterwards.
func (e *Engine) processDay(ctx context.Context, config *types.BacktestConfig, sim *portfolio.Simulator, day time.Time) error {
	marks := make(map[string]decimal.Decimal, len(config.Tickers))
	advByTicker := make(map[string]decimal.Decimal, len(config.Tickers))
	barsByTicker := make(map[string][]*types.OHLCV, len(config.Tickers))

	for _, ticker := range config.Tickers {
		bars, err := e.provider.Bars(ctx, ticker, config.StartDate, day)
		if err != nil || len(bars) == 0 {
			continue
		}
		barsByTicker[ticker] = bars
		last := bars[len(bars)-1]
		marks[ticker] = last.Close
		advByTicker[ticker] = last.Volume
	}

	// 1. Mark open positions and check for exits.
	for _, pos := range sim.Positions() {
		price, ok := marks[pos.Ticker]
		if !ok {
			continue
		}
		sim.MarkPrice(pos.Ticker, price)

		bars := barsByTicker[pos.Ticker]
		reason, exitPrice, shouldExit := checkExit(pos, bars, day, config.MaxHoldingDays)
		if !shouldExit {
			continue
		}

		commission, slippage, impact := costmodel.TotalCost(e.costModel, pos.Shares, exitPrice, advByTicker[pos.Ticker], types.TimeOfDayRegular)
		trade, err := sim.Sell(portfolio.SellOrder{
			Ticker:       pos.Ticker,
			Price:        exitPrice,
			Commission:   commission,
			Slippage:     slippage,
			MarketImpact: impact,
			Date:         day,
			Reason:       reason,
		})
		if err != nil {
			e.logger.Warn("exit order rejected", zap.String("ticker", pos.Ticker), zap.Error(err))
			continue
		}
		e.sizer.AddTradeResult(sizing.TradeOutcome{
			PatternType: trade.PatternType,
			PnLPct:      trade.PnLPct.InexactFloat64(),
			IsWin:       trade.IsWin(),
		})
	}

	// 2. Generate and size new entries for tickers with no open position.
	if config.MaxOpenPositions > 0 && sim.OpenCount() >= config.MaxOpenPositions {
		return nil
	}

	candidates := make([]strategy.Candidate, 0, len(config.Tickers))
	for _, ticker := range config.Tickers {
		if _, open := sim.Position(ticker); open {
			continue
		}
		bars := barsByTicker[ticker]
		if len(bars) == 0 {
			continue
		}
		plain := make([]types.OHLCV, len(bars))
		for i, b := range bars {
			plain[i] = *b
		}
		cand, err := e.runner.Evaluate(ctx, ticker, plain, config.ScoreThreshold)
		if err != nil {
			e.logger.Warn("strategy evaluation failed", zap.String("ticker", ticker), zap.Error(err))
			continue
		}
		if cand != nil {
			candidates = append(candidates, *cand)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	region := regionFor(config)
	for _, cand := range candidates {
		if config.MaxOpenPositions > 0 && sim.OpenCount() >= config.MaxOpenPositions {
			break
		}

		result, err := e.sizer.CalculateSize(sizing.SizingRequest{
			Ticker:      cand.Ticker,
			PatternType: cand.PatternType,
			EntryScore:  cand.Score,
			Equity:      sim.Equity(),
			Price:       cand.Bar.Close,
		})
		if err != nil || result.Shares <= 0 {
			continue
		}

		var sector string
		if fundamentals, err := e.provider.GetFundamentals(ctx, cand.Ticker, day); err == nil {
			sector = fundamentals.Sector
		}
		var atr *decimal.Decimal
		if indicators, err := e.provider.GetTechnicalIndicators(ctx, cand.Ticker, day, "atr"); err == nil {
			atr = indicators.ATR
		}

		commission, slippage, impact := costmodel.TotalCost(e.costModel, result.Shares, cand.Bar.Close, advByTicker[cand.Ticker], types.TimeOfDayRegular)
		if err := sim.Buy(portfolio.BuyOrder{
			Ticker:           cand.Ticker,
			Region:           region,
			Sector:           sector,
			Shares:           result.Shares,
			Price:            cand.Bar.Close,
			Commission:       commission,
			Slippage:         slippage,
			MarketImpact:     impact,
			ATR:              atr,
			PatternType:      cand.PatternType,
			EntryScore:       cand.Score,
			KellyFraction:    result.KellyUsed,
			PredictedWinRate: result.WinRateUsed,
			Date:             day,
		}); err != nil {
			e.logger.Debug("entry order rejected", zap.String("ticker", cand.Ticker), zap.Error(err))
		}
	}

	return nil
}

// checkExit decides whether an open position should be closed today, and at
// what price: stop-loss and profit-target are checked against the day's
// low/high (can trigger intraday), max holding days against the close.
func checkExit(pos types.Position, bars []*types.OHLCV, day time.Time, maxHoldingDays int) (types.ExitReason, decimal.Decimal, bool) {
	if len(bars) == 0 {
		return "", decimal.Zero, false
	}
	last := bars[len(bars)-1]

	if !pos.StopLossPrice.IsZero() && last.Low.LessThanOrEqual(pos.StopLossPrice) {
		return types.ExitReasonStopLoss, pos.StopLossPrice, true
	}
	if !pos.ProfitTargetPrice.IsZero() && last.High.GreaterThanOrEqual(pos.ProfitTargetPrice) {
		return types.ExitReasonProfitTarget, pos.ProfitTargetPrice, true
	}
	if maxHoldingDays > 0 {
		holding := int(day.Sub(pos.EntryDate).Hours() / 24)
		if holding >= maxHoldingDays {
			return types.ExitReasonTimeLimit, last.Close, true
		}
	}
	return "", decimal.Zero, false
}

// benchmarkReturns loads a daily return series for config.BenchmarkTicker,
// used to compute Alpha/Beta/InformationRatio. Returns nil if no benchmark
// is configured or its data is unavailable.
func (e *Engine) benchmarkReturns(ctx context.Context, config *types.BacktestConfig) []float64 {
	if config.BenchmarkTicker == "" {
		return nil
	}
	bars, err := e.provider.Bars(ctx, config.BenchmarkTicker, config.StartDate, config.EndDate)
	if err != nil || len(bars) < 2 {
		e.logger.Warn("benchmark data unavailable", zap.String("ticker", config.BenchmarkTicker), zap.Error(err))
		return nil
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev.IsZero() {
			continue
		}
		r := bars[i].Close.Sub(prev).Div(prev)
		returns = append(returns, r.InexactFloat64())
	}
	return returns
}

// regionFor resolves the single region a BuyOrder is tagged with from a
// config that may list several. The first configured region is used; a
// backtest spanning multiple regions does not currently attribute trades to
// a per-ticker region.
func regionFor(config *types.BacktestConfig) string {
	if len(config.Regions) == 0 {
		return ""
	}
	return config.Regions[0]
}

// businessDays enumerates every weekday in [start, end].
func businessDays(start, end time.Time) []time.Time {
	days := make([]time.Time, 0)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

func lastOrZero(days []time.Time) time.Time {
	if len(days) == 0 {
		return time.Time{}
	}
	return days[len(days)-1]
}

func (e *Engine) sendProgress(id string, totalDays int) {
	equity, _ := e.currentEquity.Load().(decimal.Decimal)
	update := &types.BacktestProgress{
		RunID:          id,
		Status:         "running",
		CurrentDate:    e.currentDate,
		DaysProcessed:  int(e.daysProcessed.Load()),
		TotalDays:      totalDays,
		TradesExecuted: int(e.tradesCount.Load()),
		CurrentEquity:  equity,
	}
	select {
	case e.progressChan <- update:
	default:
	}
}

// errorKind extracts the ErrorKind from err if it is a *types.BacktestError,
// defaulting to a non-fatal kind otherwise.
func errorKind(err error) types.ErrorKind {
	var be *types.BacktestError
	if be, _ = err.(*types.BacktestError); be != nil {
		return be.Kind
	}
	return types.ErrDataUnavailable
}

// patternBreakdown aggregates trades into per-pattern-type metrics.
func patternBreakdown(trades []types.Trade) map[types.PatternType]*types.PatternMetrics {
	byPattern := make(map[types.PatternType][]types.Trade)
	for _, t := range trades {
		byPattern[t.PatternType] = append(byPattern[t.PatternType], t)
	}

	out := make(map[types.PatternType]*types.PatternMetrics, len(byPattern))
	for pattern, ts := range byPattern {
		wins := 0
		var sumPnLPct, grossProfit, grossLoss decimal.Decimal
		for _, t := range ts {
			if t.IsWin() {
				wins++
				grossProfit = grossProfit.Add(t.PnL)
			} else {
				grossLoss = grossLoss.Add(t.PnL.Abs())
			}
			sumPnLPct = sumPnLPct.Add(t.PnLPct)
		}
		winRate := decimal.Zero
		if len(ts) > 0 {
			winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(ts))))
		}
		avgPnLPct := decimal.Zero
		if len(ts) > 0 {
			avgPnLPct = sumPnLPct.Div(decimal.NewFromInt(int64(len(ts))))
		}
		profitFactor := decimal.Zero
		if grossLoss.GreaterThan(decimal.Zero) {
			profitFactor = grossProfit.Div(grossLoss)
		}

		out[pattern] = &types.PatternMetrics{
			PatternType:  pattern,
			TotalTrades:  len(ts),
			WinRate:      winRate,
			AvgPnLPct:    avgPnLPct,
			ProfitFactor: profitFactor,
		}
	}
	return out
}
