package optimization

// BacktestParamSet is a ParamSet restricted to the backtest's own tunable
// knobs, keyed by the names NewBacktestParameterSpace hands out.
type BacktestParamSet = ParamSet

// BacktestObjectiveFunc scores one backtest parameterization, typically by
// running the engine end to end and reading a metric off the result.
type BacktestObjectiveFunc = ObjectiveFunc

// Backtest parameter names, shared between NewBacktestParameterSpace and
// callers that read a BacktestParamSet back out.
const (
	ParamKellyFraction         = "kelly_fraction"
	ParamScoreThreshold        = "score_threshold"
	ParamStopLossATRMultiplier = "stop_loss_atr_multiplier"
	ParamMaxSectorExposure     = "max_sector_exposure"
)

// BacktestParameterRange overrides one parameter's swept bounds; zero value
// means "use the default range".
type BacktestParameterRange struct {
	Min, Max, Step float64
}

// NewBacktestParameterSpace builds the Parameter list for a backtest sweep.
// kellyRange overrides kelly_fraction's bounds (the CLI's -kelly-range flag);
// every other knob uses a fixed, domain-sane range since they aren't yet
// exposed as CLI flags.
func NewBacktestParameterSpace(kellyRange BacktestParameterRange) []Parameter {
	return []Parameter{
		{
			Name: ParamKellyFraction, Type: ParamTypeContinuous,
			Min: kellyRange.Min, Max: kellyRange.Max, Step: kellyRange.Step,
		},
		{
			Name: ParamScoreThreshold, Type: ParamTypeInteger,
			Min: 50, Max: 85, Step: 5,
		},
		{
			Name: ParamStopLossATRMultiplier, Type: ParamTypeContinuous,
			Min: 1.0, Max: 3.5, Step: 0.25,
		},
		{
			Name: ParamMaxSectorExposure, Type: ParamTypeContinuous,
			Min: 0.15, Max: 0.50, Step: 0.05,
		},
	}
}
