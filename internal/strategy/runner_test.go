package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func barsWithCloses(closes []float64) []types.OHLCV {
	bars := make([]types.OHLCV, len(closes))
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		bars[i] = types.OHLCV{
			Timestamp: day.AddDate(0, 0, i),
			Ticker:    "TEST",
			Open:      price,
			High:      price.Mul(decimal.NewFromFloat(1.01)),
			Low:       price.Mul(decimal.NewFromFloat(0.99)),
			Close:     price,
			Volume:    decimal.NewFromInt(1_000_000),
		}
	}
	return bars
}

func TestClassifyPatternLadderPriority(t *testing.T) {
	cases := []struct {
		name string
		ls   LayerScores
		tot  float64
		want types.PatternType
	}{
		{"stage_1_to_2 wins over everything", LayerScores{Structural: 40, Micro: 30, Macro: 30}, 90, types.PatternStageOneToTwo},
		{"vcp_breakout on high total", LayerScores{Structural: 26, Micro: 21, Macro: 0}, 85, types.PatternVCPBreakout},
		{"cup_handle on lower total", LayerScores{Structural: 26, Micro: 21, Macro: 0}, 60, types.PatternCupHandle},
		{"high_60d_breakout", LayerScores{Structural: 20, Micro: 0, Macro: 20}, 50, types.PatternHigh60DBreakout},
		{"stage_2_continuation", LayerScores{Structural: 20, Micro: 0, Macro: 0}, 40, types.PatternStageTwoContinue},
		{"ma200_breakout fallback", LayerScores{Structural: 5, Micro: 5, Macro: 5}, 20, types.PatternMA200Breakout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyPattern(tc.ls, tc.tot); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

type stubScorer struct {
	total       float64
	layerScores LayerScores
}

func (s stubScorer) Analyze(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error) {
	return &ScoringResult{Ticker: ticker, TotalScore: s.total, LayerScores: s.layerScores}, nil
}

func TestEvaluateGatesOnScoreThreshold(t *testing.T) {
	bars := barsWithCloses([]float64{100, 101, 102})
	runner := NewRunner(zap.NewNop(), Config{Scorer: stubScorer{total: 55, layerScores: LayerScores{Structural: 20}}})

	cand, err := runner.Evaluate(context.Background(), "TEST", bars, 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand != nil {
		t.Fatal("expected candidate below score_threshold to be dropped")
	}

	cand, err = runner.Evaluate(context.Background(), "TEST", bars, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand == nil {
		t.Fatal("expected a candidate to fire at or above score_threshold")
	}
	if cand.PatternType != types.PatternStageTwoContinue {
		t.Fatalf("expected stage_2_continuation from structural=20, got %s", cand.PatternType)
	}
}

func TestEvaluateAllSortsByDescendingScore(t *testing.T) {
	universe := []tickerBars{
		{Ticker: "LOW", Bars: barsWithCloses([]float64{100, 101, 102})},
		{Ticker: "HIGH", Bars: barsWithCloses([]float64{100, 101, 102})},
	}

	scores := map[string]float64{"LOW": 55, "HIGH": 90}
	runner := NewRunner(zap.NewNop(), Config{Scorer: scorerFunc(func(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error) {
		return &ScoringResult{Ticker: ticker, TotalScore: scores[ticker], LayerScores: LayerScores{Structural: 40, Micro: 30}}, nil
	})})

	candidates, err := runner.EvaluateAll(context.Background(), universe, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Ticker != "HIGH" || candidates[1].Ticker != "LOW" {
		t.Fatalf("expected descending score order, got %v", candidates)
	}
}

type scorerFunc func(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error)

func (f scorerFunc) Analyze(ctx context.Context, ticker string, bars []types.OHLCV) (*ScoringResult, error) {
	return f(ctx, ticker, bars)
}

func TestDefaultScorerProducesBoundedLayerScores(t *testing.T) {
	closes := make([]float64, 220)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5 // steady uptrend, well above both SMAs
	}
	bars := barsWithCloses(closes)

	result, err := DefaultScorer{}.Analyze(context.Background(), "TEST", bars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalScore < 0 || result.TotalScore > 100 {
		t.Fatalf("expected total score in [0,100], got %f", result.TotalScore)
	}
	if result.LayerScores.Structural <= 0 {
		t.Fatalf("expected positive structural score for a sustained uptrend, got %f", result.LayerScores.Structural)
	}
}

func TestDefaultScorerShortHistoryReturnsZeroScore(t *testing.T) {
	bars := barsWithCloses([]float64{100, 101, 102})
	result, err := DefaultScorer{}.Analyze(context.Background(), "TEST", bars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalScore != 0 {
		t.Fatalf("expected zero score with insufficient history, got %f", result.TotalScore)
	}
}
