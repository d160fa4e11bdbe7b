package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig configures a single backtest run end to end: universe,
// date range, capital, sizing tier and the named cost profile to apply.
type BacktestConfig struct {
	ID             string          `json:"id"`
	Tickers        []string        `json:"tickers"`
	Regions        []string        `json:"regions"` // subset of KR, US, CN, HK, JP, VN
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`

	RiskTier         RiskTier        `json:"risk_tier"`
	ScoreThreshold   int             `json:"score_threshold"` // minimum total_score admitted past the scoring gate
	KellyFraction    decimal.Decimal `json:"kelly_fraction"`  // fraction of full Kelly, e.g. 0.5 for half-Kelly
	LotSize          int64           `json:"lot_size"`
	MaxOpenPositions int             `json:"max_open_positions"`
	MaxHoldingDays   int             `json:"max_holding_days"`

	MaxPositionSize       decimal.Decimal `json:"max_position_size"`        // cap on notional as a fraction of portfolio value
	MaxSectorExposure     decimal.Decimal `json:"max_sector_exposure"`      // cap on same-sector notional as a fraction of portfolio value
	CashReserve           decimal.Decimal `json:"cash_reserve"`             // floor on post-trade cash as a fraction of initial capital
	StopLossATRMultiplier decimal.Decimal `json:"stop_loss_atr_multiplier"` // entry - atr*multiplier, when ATR is available
	StopLossMin           decimal.Decimal `json:"stop_loss_min"`            // fallback/floor stop distance as a fraction of entry price
	StopLossMax           decimal.Decimal `json:"stop_loss_max"`            // ceiling on ATR-derived stop distance as a fraction of entry price
	ProfitTarget          decimal.Decimal `json:"profit_target"`           // entry * (1 + profit_target)

	CommissionRate decimal.Decimal `json:"commission_rate"` // fraction of notional, used when CostProfile is unset
	SlippageBps    decimal.Decimal `json:"slippage_bps"`    // basis points of notional, used when CostProfile is unset

	CostProfile string `json:"cost_profile"` // name registered in CostProfileRegistry

	BenchmarkTicker string `json:"benchmark_ticker"` // optional; enables alpha/beta/information_ratio

	Validation ValidationConfig `json:"validation"`
}

// ValidationConfig toggles the ambient validation additions.
type ValidationConfig struct {
	MonteCarlo   MonteCarloConfig   `json:"monte_carlo"`
	Viability    bool               `json:"viability"`
	WalkForward  WalkForwardConfig  `json:"walk_forward"`
}

// MonteCarloConfig configures bootstrap-resample robustness checks.
type MonteCarloConfig struct {
	Enabled    bool `json:"enabled"`
	Iterations int  `json:"iterations"`
}

// WalkForwardConfig configures rolling in-sample/out-of-sample windows used
// to check whether a strategy's performance generalizes across time.
type WalkForwardConfig struct {
	Enabled    bool `json:"enabled"`
	WindowDays int  `json:"window_days"` // total days per window, default 30
	StepDays   int  `json:"step_days"`   // days to advance between windows, default 7
}

// KellyPatternPrior is a static (pattern_type -> base win rate/payoff) prior
// used by KellySizer before trade-history calibration has enough samples.
type KellyPatternPrior struct {
	PatternType PatternType     `json:"pattern_type"`
	BaseWinRate decimal.Decimal `json:"base_win_rate"`
	BasePayoff  decimal.Decimal `json:"base_payoff"` // avg win / avg loss
}

// QualityBand maps an entry-score range to a Kelly size multiplier.
type QualityBand struct {
	MinScore   float64         `json:"min_score"`
	MaxScore   float64         `json:"max_score"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// CostProfileConfig parameterizes a named CostModel preset.
type CostProfileConfig struct {
	Name              string          `json:"name"`
	CommissionRate    decimal.Decimal `json:"commission_rate"` // fraction of notional (price * shares)
	SlippageBps       decimal.Decimal `json:"slippage_bps"`
	ImpactCoefficient decimal.Decimal `json:"impact_coefficient"`
}

// TimeOfDay buckets a fill for the slippage time-of-day multiplier.
type TimeOfDay string

const (
	TimeOfDayOpen    TimeOfDay = "open"
	TimeOfDayRegular TimeOfDay = "regular"
	TimeOfDayClose   TimeOfDay = "close"
)

// TimeOfDayMultiplier returns the slippage multiplier for a session bucket.
func TimeOfDayMultiplier(t TimeOfDay) decimal.Decimal {
	switch t {
	case TimeOfDayOpen:
		return decimal.NewFromFloat(1.5)
	case TimeOfDayClose:
		return decimal.NewFromFloat(1.3)
	default:
		return decimal.NewFromFloat(1.0)
	}
}
