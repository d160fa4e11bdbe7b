// Package strategy turns a ticker's bar history into a layer-scored signal
// and classifies the result into one of the pattern types KellySizer prices,
// gating on a minimum total score.
package strategy

import (
	"context"
	"sort"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// LayerScores breaks a ticker's total score into the three conviction layers
// a scoring service reports: structural (long-term trend/base quality),
// micro (near-term price/volume action) and macro (breakout/relative-strength
// context).
type LayerScores struct {
	Structural float64
	Micro      float64
	Macro      float64
}

// ScoringResult is what a Scorer returns for one ticker on one evaluation
// date: a total 0-100 entry-quality score plus the layer scores that
// produced it.
type ScoringResult struct {
	Ticker      string
	TotalScore  float64
	LayerScores LayerScores
}

// Scorer produces a ScoringResult for a ticker. Implementations may call out
// to an external ranking model; DefaultScorer computes layer scores directly
// from OHLCV history when no such model is configured.
type Scorer interface {
	Analyze(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error)
}

// Candidate is a scored, pattern-classified entry signal for one ticker on
// one bar.
type Candidate struct {
	Ticker      string
	Bar         types.OHLCV
	PatternType types.PatternType
	Score       float64 // TotalScore from the ScoringResult, 0-100
	LayerScores LayerScores
}

// Runner scores tickers through a Scorer and classifies each result into a
// pattern type via a fixed priority ladder, dropping any result below the
// caller-supplied score threshold.
type Runner struct {
	logger     *zap.Logger
	scorer     Scorer
	maxWorkers int
}

// Config configures a Runner.
type Config struct {
	// Scorer produces layer scores for each ticker. Defaults to DefaultScorer.
	Scorer Scorer
	// MaxWorkers bounds concurrent ticker evaluation in EvaluateAll. Zero
	// means a reasonable default (8).
	MaxWorkers int
}

// NewRunner builds a Runner. With no Scorer configured it falls back to
// DefaultScorer, a technical-analysis approximation of the external scoring
// service.
func NewRunner(logger *zap.Logger, cfg Config) *Runner {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 8
	}
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	return &Runner{
		logger:     logger,
		scorer:     scorer,
		maxWorkers: workers,
	}
}

// Evaluate scores ticker's bar history and classifies the result into a
// pattern type. It returns nil if the total score falls below
// scoreThreshold.
func (r *Runner) Evaluate(ctx context.Context, ticker string, bars []types.OHLCV, scoreThreshold int) (*Candidate, error) {
	if len(bars) == 0 {
		return nil, nil
	}

	result, err := r.scorer.Analyze(ctx, ticker, bars)
	if err != nil {
		return nil, types.NewError(types.ErrStrategyFailed, ticker, err)
	}
	if result == nil {
		return nil, nil
	}
	if result.TotalScore < float64(scoreThreshold) {
		return nil, nil
	}

	return &Candidate{
		Ticker:      ticker,
		Bar:         bars[len(bars)-1],
		PatternType: classifyPattern(result.LayerScores, result.TotalScore),
		Score:       clampScore(result.TotalScore),
		LayerScores: result.LayerScores,
	}, nil
}

// classifyPattern walks the priority ladder: the first rule that matches
// wins, so higher-conviction structural setups take precedence over the
// generic fallback.
func classifyPattern(ls LayerScores, total float64) types.PatternType {
	switch {
	case ls.Structural >= 35 && ls.Micro >= 25:
		return types.PatternStageOneToTwo
	case ls.Micro >= 20 && ls.Structural >= 25:
		if total >= 80 {
			return types.PatternVCPBreakout
		}
		return types.PatternCupHandle
	case ls.Macro >= 20 && ls.Structural >= 20:
		return types.PatternHigh60DBreakout
	case ls.Structural >= 20:
		return types.PatternStageTwoContinue
	default:
		return types.PatternMA200Breakout
	}
}

// tickerBars pairs a ticker with its bar history for EvaluateAll.
type tickerBars struct {
	Ticker string
	Bars   []types.OHLCV
}

// EvaluateAll evaluates many tickers concurrently (bounded by MaxWorkers)
// and returns every candidate clearing scoreThreshold, sorted by descending
// score, highest conviction first.
func (r *Runner) EvaluateAll(ctx context.Context, universe []tickerBars, scoreThreshold int) ([]Candidate, error) {
	p := pool.NewWithResults[*Candidate]().WithContext(ctx).WithMaxGoroutines(r.maxWorkers)

	for _, tb := range universe {
		tb := tb
		p.Go(func(ctx context.Context) (*Candidate, error) {
			return r.Evaluate(ctx, tb.Ticker, tb.Bars, scoreThreshold)
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(results))
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DefaultScorer approximates an external layer-scoring service directly from
// OHLCV history, grounded on the same trend/breakout/tightness checks the
// repo's earlier raw-bar classifiers used. Structural tracks long-term trend
// alignment (a Weinstein-style stage-2 base), micro tracks near-term
// volatility contraction, and macro tracks proximity to a 60-day breakout.
type DefaultScorer struct{}

func (DefaultScorer) Analyze(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error) {
	if len(bars) < 20 {
		return &ScoringResult{Ticker: ticker}, nil
	}
	last := bars[len(bars)-1].Close

	structural := structuralScore(bars, last)
	micro := microScore(bars, last)
	macro := macroScore(bars, last)
	total := clampScore(0.4*structural + 0.3*micro + 0.3*macro)

	return &ScoringResult{
		Ticker:     ticker,
		TotalScore: total,
		LayerScores: LayerScores{
			Structural: structural,
			Micro:      micro,
			Macro:      macro,
		},
	}, nil
}

// structuralScore rewards a close trading above its 50- and 200-day moving
// averages with the 50 above the 200, the classic stage-2 uptrend
// structure. Each leg of the alignment contributes up to a third of 100.
func structuralScore(bars []types.OHLCV, last decimal.Decimal) float64 {
	sma50 := smaOfClose(bars, 50)
	sma200 := smaOfClose(bars, 200)

	score := 0.0
	if !sma50.IsZero() && last.GreaterThan(sma50) {
		score += 34
	}
	if !sma200.IsZero() && last.GreaterThan(sma200) {
		score += 33
	}
	if !sma50.IsZero() && !sma200.IsZero() && sma50.GreaterThan(sma200) {
		score += 33
	}
	return clampScore(score)
}

// microScore rewards a tight recent trading range (low realized volatility
// relative to price), the volatility-contraction signature that precedes a
// breakout.
func microScore(bars []types.OHLCV, last decimal.Decimal) float64 {
	period := 10
	if len(bars) < period {
		return 0
	}
	window := bars[len(bars)-period:]
	highest, lowest := window[0].High, window[0].Low
	for _, b := range window {
		if b.High.GreaterThan(highest) {
			highest = b.High
		}
		if b.Low.LessThan(lowest) {
			lowest = b.Low
		}
	}
	if last.IsZero() {
		return 0
	}
	rangePct := highest.Sub(lowest).Div(last).InexactFloat64()
	// A zero range scores 100, falling linearly to 0 at a 12% range or wider
	// (a 2% range scores ~83).
	score := 100 * (1 - rangePct/0.12)
	return clampScore(score)
}

// macroScore rewards proximity to (or breaking) a 60-day high on
// above-average volume, the broader breakout context.
func macroScore(bars []types.OHLCV, last decimal.Decimal) float64 {
	period := 60
	if len(bars) < period {
		period = len(bars)
	}
	window := bars[len(bars)-period:]
	highest := window[0].High
	avgVolume := decimal.Zero
	for _, b := range window {
		if b.High.GreaterThan(highest) {
			highest = b.High
		}
		avgVolume = avgVolume.Add(b.Volume)
	}
	avgVolume = avgVolume.Div(decimal.NewFromInt(int64(len(window))))
	if highest.IsZero() {
		return 0
	}

	proximity := last.Div(highest).InexactFloat64() * 100
	score := clampScore(proximity - 70) // only the top 30% of the range scores
	score = score * 100.0 / 30.0

	last2 := bars[len(bars)-1]
	if last2.Volume.GreaterThan(avgVolume.Mul(decimal.NewFromFloat(1.3))) {
		score += 10
	}
	return clampScore(score)
}

func smaOfClose(bars []types.OHLCV, period int) decimal.Decimal {
	if len(bars) < period {
		return decimal.Zero
	}
	window := bars[len(bars)-period:]
	sum := decimal.Zero
	for _, b := range window {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
