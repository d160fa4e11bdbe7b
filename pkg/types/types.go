// Package types provides shared type definitions for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// RiskTier controls how aggressively KellySizer scales position sizes.
type RiskTier string

const (
	RiskTierConservative RiskTier = "conservative"
	RiskTierModerate     RiskTier = "moderate"
	RiskTierAggressive   RiskTier = "aggressive"
)

// RiskTierMultiplier returns the Kelly multiplier associated with a risk tier.
// Unknown tiers fall back to moderate.
func RiskTierMultiplier(tier RiskTier) decimal.Decimal {
	switch tier {
	case RiskTierConservative:
		return decimal.NewFromFloat(0.5)
	case RiskTierAggressive:
		return decimal.NewFromFloat(0.75)
	default:
		return decimal.NewFromFloat(0.6)
	}
}

// PatternType identifies the chart pattern a strategy run classified a setup as.
type PatternType string

const (
	PatternStageTwoBreakout    PatternType = "stage_2_breakout"
	PatternStageOneToTwo       PatternType = "stage_1_to_2"
	PatternVCPBreakout         PatternType = "vcp_breakout"
	PatternCupHandle           PatternType = "cup_handle"
	PatternTriangleBreakout    PatternType = "triangle_breakout"
	PatternHigh60DBreakout     PatternType = "high_60d_breakout"
	PatternStageTwoContinue    PatternType = "stage_2_continuation"
	PatternMA200Breakout       PatternType = "ma200_breakout"
	PatternDefault             PatternType = "default" // Kelly-table lookup-miss fallback, never emitted by the classifier ladder
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonProfitTarget ExitReason = "profit_target"
	ExitReasonTimeLimit    ExitReason = "time_limit"
	ExitReasonEndOfRun     ExitReason = "end_of_backtest"
)

// OHLCV represents a single daily bar for one ticker.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Ticker    string          `json:"ticker"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Position represents a single open equity position. The engine never
// averages into an existing position: one ticker has at most one open
// position at a time.
type Position struct {
	Ticker            string          `json:"ticker"`
	Region            string          `json:"region"`
	Sector            string          `json:"sector,omitempty"`
	Shares            int64           `json:"shares"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryDate         time.Time       `json:"entry_date"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	ProfitTargetPrice decimal.Decimal `json:"profit_target_price"`
	PatternType       PatternType     `json:"pattern_type"`
	EntryScore        float64         `json:"entry_score"`
	KellyFraction     float64         `json:"kelly_fraction"`
	PredictedWinRate  float64         `json:"predicted_win_rate"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
}

// MarketValue returns shares * current price.
func (p *Position) MarketValue() decimal.Decimal {
	return decimal.NewFromInt(p.Shares).Mul(p.CurrentPrice)
}

// Trade is a completed round-trip (BUY followed by SELL) on one ticker.
type Trade struct {
	ID                string          `json:"id"`
	Ticker            string          `json:"ticker"`
	Region            string          `json:"region"`
	Sector            string          `json:"sector,omitempty"`
	Shares            int64           `json:"shares"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	ExitPrice         decimal.Decimal `json:"exit_price"`
	EntryDate         time.Time       `json:"entry_date"`
	ExitDate          time.Time       `json:"exit_date"`
	HoldingDays       int             `json:"holding_days"`
	Commission        decimal.Decimal `json:"commission"`
	Slippage          decimal.Decimal `json:"slippage"`
	MarketImpact      decimal.Decimal `json:"market_impact"`
	PnL               decimal.Decimal `json:"pnl"`
	PnLPct            decimal.Decimal `json:"pnl_pct"`
	ExitReason        ExitReason      `json:"exit_reason"`
	PatternType       PatternType     `json:"pattern_type"`
	EntryScore        float64         `json:"entry_score"`
	KellyFraction     float64         `json:"kelly_fraction"`
	PredictedWinRate  float64         `json:"predicted_win_rate"`
}

// IsWin reports whether the trade closed profitably.
func (t *Trade) IsWin() bool {
	return t.PnL.GreaterThan(decimal.Zero)
}

// EquityCurvePoint is a single day's mark-to-market snapshot.
type EquityCurvePoint struct {
	Date     time.Time       `json:"date"`
	Equity   decimal.Decimal `json:"equity"`
	Cash     decimal.Decimal `json:"cash"`
	Drawdown decimal.Decimal `json:"drawdown"`
}

// PerformanceMetrics is the full analyzer output: return, risk and trading blocks.
type PerformanceMetrics struct {
	// Return block
	TotalReturn      decimal.Decimal `json:"total_return"`
	AnnualizedReturn decimal.Decimal `json:"annualized_return"`
	CAGR             decimal.Decimal `json:"cagr"`

	// Risk block
	SharpeRatio           decimal.Decimal `json:"sharpe_ratio"`
	SortinoRatio          decimal.Decimal `json:"sortino_ratio"`
	CalmarRatio           decimal.Decimal `json:"calmar_ratio"`
	MaxDrawdown           decimal.Decimal `json:"max_drawdown"` // signed, <= 0: (trough - peak) / peak
	MaxDrawdownDate       time.Time       `json:"max_drawdown_date"`
	MaxDrawdownDurationDays int           `json:"max_drawdown_duration_days"` // trough to recovery, or to series end if never recovered
	DailyVolatility  decimal.Decimal `json:"daily_volatility"`
	AnnualVolatility decimal.Decimal `json:"annual_volatility"`
	VaR95            decimal.Decimal `json:"var_95"`
	VaR99            decimal.Decimal `json:"var_99"`
	CVaR95           decimal.Decimal `json:"cvar_95"`

	// Trading block
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	WinRate        decimal.Decimal `json:"win_rate"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	AvgWin         decimal.Decimal `json:"avg_win"`
	AvgLoss        decimal.Decimal `json:"avg_loss"`
	LargestWin     decimal.Decimal `json:"largest_win"`
	LargestLoss    decimal.Decimal `json:"largest_loss"`
	Expectancy     decimal.Decimal `json:"expectancy"`
	AvgHoldingDays float64         `json:"avg_holding_days"`

	// Kelly calibration
	KellyAccuracy decimal.Decimal `json:"kelly_accuracy"`

	// Optional benchmark comparison
	Alpha              decimal.Decimal `json:"alpha,omitempty"`
	Beta               decimal.Decimal `json:"beta,omitempty"`
	InformationRatio   decimal.Decimal `json:"information_ratio,omitempty"`
}

// PatternMetrics breaks trading performance down by classified pattern type.
type PatternMetrics struct {
	PatternType  PatternType     `json:"pattern_type"`
	TotalTrades  int             `json:"total_trades"`
	WinRate      decimal.Decimal `json:"win_rate"`
	AvgPnLPct    decimal.Decimal `json:"avg_pnl_pct"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
}

// MonteCarloResult is the outcome of a bootstrap-resample robustness check.
type MonteCarloResult struct {
	Iterations      int               `json:"iterations"`
	MedianReturn    decimal.Decimal   `json:"median_return"`
	P5Return        decimal.Decimal   `json:"p5_return"`
	P95Return       decimal.Decimal   `json:"p95_return"`
	ProbabilityRuin decimal.Decimal   `json:"probability_ruin"`
	MaxDrawdownP95  decimal.Decimal   `json:"max_drawdown_p95"`
	Distribution    []decimal.Decimal `json:"distribution"`
}

// ViabilityReport grades a completed backtest A-F against fixed thresholds.
type ViabilityReport struct {
	IsViable  bool     `json:"is_viable"`
	Score     int      `json:"score"`
	Grade     string   `json:"grade"`
	Issues    []string `json:"issues"`
	Strengths []string `json:"strengths"`
	Summary   string   `json:"summary"`
}

// WalkForwardSummary is the serializable rollup of a rolling-window
// walk-forward analysis: per-window out-of-sample results are not exposed
// here, only the aggregate shape needed by callers outside the backtester.
type WalkForwardSummary struct {
	Windows        int             `json:"windows"`
	OverallReturn  decimal.Decimal `json:"overall_return"`
	OverallSharpe  decimal.Decimal `json:"overall_sharpe"`
	Robustness     decimal.Decimal `json:"robustness"` // out-of-sample / in-sample return, clamped [0,2]
}

// BacktestProgress is streamed over BacktestEngine's progress channel.
type BacktestProgress struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	CurrentDate   time.Time       `json:"current_date"`
	DaysProcessed int             `json:"days_processed"`
	TotalDays     int             `json:"total_days"`
	TradesExecuted int            `json:"trades_executed"`
	CurrentEquity decimal.Decimal `json:"current_equity"`
	Error         string          `json:"error,omitempty"`
}

// Fundamentals is a point-in-time snapshot of a ticker's fundamental and
// classification data, as returned by DataProvider.GetFundamentals.
type Fundamentals struct {
	Ticker     string          `json:"ticker"`
	AsOf       time.Time       `json:"as_of"`
	Sector     string          `json:"sector,omitempty"`
	Industry   string          `json:"industry,omitempty"`
	MarketCap  decimal.Decimal `json:"market_cap"`
	PERatio    decimal.Decimal `json:"pe_ratio,omitempty"`
	SharesOut  decimal.Decimal `json:"shares_outstanding,omitempty"`
}

// TechnicalIndicators is a point-in-time snapshot of derived technical
// series for a ticker, as returned by DataProvider.GetTechnicalIndicators.
// ATR is a pointer because it may be null: a ticker with fewer bars than the
// lookback period has no Average True Range yet.
type TechnicalIndicators struct {
	Ticker string           `json:"ticker"`
	AsOf   time.Time        `json:"as_of"`
	ATR    *decimal.Decimal `json:"atr,omitempty"`
	SMA20  decimal.Decimal  `json:"sma_20,omitempty"`
	SMA50  decimal.Decimal  `json:"sma_50,omitempty"`
	SMA200 decimal.Decimal  `json:"sma_200,omitempty"`
}

// CacheStats reports a DataProvider's in-memory read-cache usage.
type CacheStats struct {
	TickersCached int   `json:"tickers_cached"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
}

// BacktestResult is the complete output of one backtest run.
type BacktestResult struct {
	ID              string                          `json:"id"`
	Config          *BacktestConfig                 `json:"config"`
	Metrics         *PerformanceMetrics             `json:"metrics"`
	PatternMetrics  map[PatternType]*PatternMetrics `json:"pattern_metrics,omitempty"`
	EquityCurve     []EquityCurvePoint              `json:"equity_curve"`
	Trades          []Trade                         `json:"trades"`
	MonteCarlo      *MonteCarloResult               `json:"monte_carlo,omitempty"`
	Viability       *ViabilityReport                `json:"viability,omitempty"`
	WalkForward     *WalkForwardSummary             `json:"walk_forward,omitempty"`
	StartedAt       time.Time                       `json:"started_at"`
	CompletedAt     time.Time                       `json:"completed_at"`
	Duration        time.Duration                   `json:"duration"`
	DaysProcessed   int                             `json:"days_processed"`
}
