// Package sizing implements Kelly-criterion position sizing.
// Based on research: "Kelly Criterion, fractional Kelly, and pattern-quality
// adjusted sizing produce more stable equity curves than fixed-fractional."
package sizing

import (
	"math"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StageTwoAdjuster is an optional external hook (e.g. a secondary ML model)
// that nudges the Kelly-derived position size up or down for a specific
// trade candidate. Its return value is clamped to [0.5, 1.5] before use so a
// misbehaving collaborator can never more than halve or 1.5x a position.
type StageTwoAdjuster func(req SizingRequest) float64

// Config configures KellySizer.
type Config struct {
	RiskTier          types.RiskTier
	KellyFraction     decimal.Decimal // fraction of full Kelly, e.g. 0.5 for half-Kelly
	LotSize           int64
	MaxPositionPct    decimal.Decimal
	MinPositionPct    decimal.Decimal
	MinHistorySamples int // trades required before calibration overrides priors
	QualityBands      []types.QualityBand
	Priors            map[types.PatternType]types.KellyPatternPrior
	StageTwo          StageTwoAdjuster
}

// DefaultQualityBands returns the standard entry-score -> multiplier bands
// (0.6x for weak setups up to 1.4x for the strongest).
func DefaultQualityBands() []types.QualityBand {
	return []types.QualityBand{
		{MinScore: 0, MaxScore: 50, Multiplier: decimal.NewFromFloat(0.6)},
		{MinScore: 50, MaxScore: 60, Multiplier: decimal.NewFromFloat(0.8)},
		{MinScore: 60, MaxScore: 70, Multiplier: decimal.NewFromFloat(1.0)},
		{MinScore: 70, MaxScore: 75, Multiplier: decimal.NewFromFloat(1.2)},
		{MinScore: 75, MaxScore: 85, Multiplier: decimal.NewFromFloat(1.3)},
		{MinScore: 85, MaxScore: 101, Multiplier: decimal.NewFromFloat(1.4)},
	}
}

// DefaultPatternPriors returns static win-rate/payoff priors per pattern
// type, used until a pattern accumulates MinHistorySamples real trades.
// stage_2_breakout's win rate/payoff anchor the rest: classifications earlier
// in the priority ladder (stronger structural+micro confirmation) get a
// slightly better edge, later/weaker ones a slightly worse one.
func DefaultPatternPriors() map[types.PatternType]types.KellyPatternPrior {
	return map[types.PatternType]types.KellyPatternPrior{
		types.PatternStageOneToTwo:    {PatternType: types.PatternStageOneToTwo, BaseWinRate: decimal.NewFromFloat(0.62), BasePayoff: decimal.NewFromFloat(2.8)},
		types.PatternVCPBreakout:      {PatternType: types.PatternVCPBreakout, BaseWinRate: decimal.NewFromFloat(0.60), BasePayoff: decimal.NewFromFloat(2.6)},
		types.PatternCupHandle:        {PatternType: types.PatternCupHandle, BaseWinRate: decimal.NewFromFloat(0.55), BasePayoff: decimal.NewFromFloat(2.2)},
		types.PatternStageTwoBreakout: {PatternType: types.PatternStageTwoBreakout, BaseWinRate: decimal.NewFromFloat(0.65), BasePayoff: decimal.NewFromFloat(3.125)},
		types.PatternTriangleBreakout: {PatternType: types.PatternTriangleBreakout, BaseWinRate: decimal.NewFromFloat(0.52), BasePayoff: decimal.NewFromFloat(2.0)},
		types.PatternHigh60DBreakout:  {PatternType: types.PatternHigh60DBreakout, BaseWinRate: decimal.NewFromFloat(0.50), BasePayoff: decimal.NewFromFloat(1.9)},
		types.PatternStageTwoContinue: {PatternType: types.PatternStageTwoContinue, BaseWinRate: decimal.NewFromFloat(0.48), BasePayoff: decimal.NewFromFloat(1.7)},
		types.PatternMA200Breakout:    {PatternType: types.PatternMA200Breakout, BaseWinRate: decimal.NewFromFloat(0.45), BasePayoff: decimal.NewFromFloat(1.5)},
		types.PatternDefault:         {PatternType: types.PatternDefault, BaseWinRate: decimal.NewFromFloat(0.45), BasePayoff: decimal.NewFromFloat(1.5)},
	}
}

// DefaultConfig returns a moderate-risk, half-Kelly configuration.
func DefaultConfig() Config {
	return Config{
		RiskTier:          types.RiskTierModerate,
		KellyFraction:     decimal.NewFromFloat(0.5),
		LotSize:           1,
		MaxPositionPct:    decimal.NewFromFloat(0.20),
		MinPositionPct:    decimal.NewFromFloat(0.0),
		MinHistorySamples: 20,
		QualityBands:      DefaultQualityBands(),
		Priors:            DefaultPatternPriors(),
	}
}

// TradeOutcome is a single historical trade outcome fed back into the
// sizer for calibration, grouped by pattern type.
type TradeOutcome struct {
	PatternType types.PatternType
	PnLPct      float64
	IsWin       bool
}

// SizingRequest contains everything KellySizer needs to size one candidate
// trade.
type SizingRequest struct {
	Ticker      string
	PatternType types.PatternType
	EntryScore  float64 // 0-100 strategy confidence score
	Equity      decimal.Decimal
	Price       decimal.Decimal
}

// SizingResult is the calculated position.
type SizingResult struct {
	Shares            int64
	PositionPct       float64
	KellyFull         float64
	KellyUsed         float64
	WinRateUsed       float64
	PayoffUsed        float64
	QualityMultiplier float64
	StageTwoFactor    float64
	LimitingFactor    string
}

// KellySizer sizes positions with the full Kelly formula f=(p*b-q)/b, scaled
// by a configured Kelly fraction, a risk-tier multiplier, an entry-quality
// band, and an optional external Stage-2 adjustment.
type KellySizer struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.RWMutex
	history map[types.PatternType][]TradeOutcome
}

// New creates a KellySizer.
func New(logger *zap.Logger, cfg Config) *KellySizer {
	if cfg.Priors == nil {
		cfg.Priors = DefaultPatternPriors()
	}
	if cfg.QualityBands == nil {
		cfg.QualityBands = DefaultQualityBands()
	}
	return &KellySizer{
		logger:  logger,
		cfg:     cfg,
		history: make(map[types.PatternType][]TradeOutcome),
	}
}

// AddTradeResult records a completed trade's outcome for future calibration.
func (k *KellySizer) AddTradeResult(o TradeOutcome) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.history[o.PatternType] = append(k.history[o.PatternType], o)
}

// calibratedStats returns (winRate, payoff) for a pattern, preferring the
// trade-history calibration once MinHistorySamples is reached, and falling
// back to the static prior otherwise.
func (k *KellySizer) calibratedStats(pattern types.PatternType) (winRate, payoff float64) {
	k.mu.RLock()
	outcomes := k.history[pattern]
	k.mu.RUnlock()

	prior := k.cfg.Priors[pattern]
	if prior.BaseWinRate.IsZero() {
		prior = k.cfg.Priors[types.PatternDefault]
	}

	if len(outcomes) < k.cfg.MinHistorySamples {
		wr, _ := prior.BaseWinRate.Float64()
		pf, _ := prior.BasePayoff.Float64()
		return wr, pf
	}

	wins, losses := 0, 0
	var sumWin, sumLoss float64
	for _, o := range outcomes {
		if o.IsWin {
			wins++
			sumWin += o.PnLPct
		} else {
			losses++
			sumLoss += math.Abs(o.PnLPct)
		}
	}
	if wins+losses == 0 {
		wr, _ := prior.BaseWinRate.Float64()
		pf, _ := prior.BasePayoff.Float64()
		return wr, pf
	}

	winRate = float64(wins) / float64(wins+losses)
	avgWin := 0.0
	if wins > 0 {
		avgWin = sumWin / float64(wins)
	}
	avgLoss := 0.0
	if losses > 0 {
		avgLoss = sumLoss / float64(losses)
	}
	if avgLoss == 0 {
		pf, _ := prior.BasePayoff.Float64()
		return winRate, pf
	}
	return winRate, avgWin / avgLoss
}

// fullKelly implements f* = (p*b - q) / b, clamped to [0, 1].
func fullKelly(winRate, payoff float64) float64 {
	if winRate <= 0 || winRate >= 1 || payoff <= 0 {
		return 0
	}
	p := winRate
	q := 1 - p
	b := payoff
	kelly := (p*b - q) / b
	if kelly < 0 {
		return 0
	}
	if kelly > 1 {
		return 1
	}
	return kelly
}

func (k *KellySizer) qualityMultiplier(score float64) decimal.Decimal {
	for _, band := range k.cfg.QualityBands {
		if score >= band.MinScore && score < band.MaxScore {
			return band.Multiplier
		}
	}
	return decimal.NewFromFloat(1.0)
}

// CalculateSize returns the lot-size-rounded share count for req.
func (k *KellySizer) CalculateSize(req SizingRequest) (*SizingResult, error) {
	if req.Equity.LessThanOrEqual(decimal.Zero) || req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, types.NewError(types.ErrSizingInvalid, req.Ticker, nil)
	}

	winRate, payoff := k.calibratedStats(req.PatternType)
	kellyFull := fullKelly(winRate, payoff)

	fraction := k.cfg.KellyFraction
	if fraction.LessThanOrEqual(decimal.Zero) {
		fraction = decimal.NewFromFloat(0.5)
	}
	kellyUsedDec := decimal.NewFromFloat(kellyFull).Mul(fraction)

	qualityMult := k.qualityMultiplier(req.EntryScore)
	tierMult := types.RiskTierMultiplier(k.cfg.RiskTier)

	positionPctDec := kellyUsedDec.Mul(qualityMult).Mul(tierMult)

	stageTwoFactor := 1.0
	if k.cfg.StageTwo != nil && req.EntryScore >= 70 {
		stageTwoFactor = utils.ClampDecimal(
			decimal.NewFromFloat(k.cfg.StageTwo(req)),
			decimal.NewFromFloat(0.5),
			decimal.NewFromFloat(1.5),
		).InexactFloat64()
		positionPctDec = positionPctDec.Mul(decimal.NewFromFloat(stageTwoFactor))
	}

	limiting := "kelly"
	maxPct := k.cfg.MaxPositionPct
	if maxPct.IsZero() {
		maxPct = decimal.NewFromFloat(0.20)
	}
	if positionPctDec.GreaterThan(maxPct) {
		positionPctDec = maxPct
		limiting = "max_position"
	}
	if positionPctDec.LessThan(k.cfg.MinPositionPct) {
		positionPctDec = k.cfg.MinPositionPct
	}

	dollars := req.Equity.Mul(positionPctDec)
	rawShares := dollars.Div(req.Price).Floor().IntPart()
	shares := utils.RoundToLotSize(rawShares, k.cfg.LotSize)

	positionPctFloat, _ := positionPctDec.Float64()
	kellyUsedFloat, _ := kellyUsedDec.Float64()
	qualityMultFloat, _ := qualityMult.Float64()

	return &SizingResult{
		Shares:            shares,
		PositionPct:       positionPctFloat,
		KellyFull:         kellyFull,
		KellyUsed:         kellyUsedFloat,
		WinRateUsed:       winRate,
		PayoffUsed:        payoff,
		QualityMultiplier: qualityMultFloat,
		StageTwoFactor:    stageTwoFactor,
		LimitingFactor:    limiting,
	}, nil
}
