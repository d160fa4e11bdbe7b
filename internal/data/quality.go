// Package data provides data quality validation for historical market data.
// Based on research: "Garbage in = garbage out - bad data ruins backtests"
// Validates for missing sessions, extreme prices, volume anomalies, and OHLC consistency.
package data

import (
	"strconv"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// QualityIssue describes a single defect found in a ticker's bar history.
type QualityIssue struct {
	Kind        string
	Severity    string // "critical", "warning", "info"
	Description string
}

// QualityReport grades a ticker's historical data 0-100 and lists defects
// found along the way.
type QualityReport struct {
	Score           int
	IsUsable        bool
	Issues          []QualityIssue
	Recommendations []string
}

// QualityValidator checks daily OHLCV history for gaps, anomalies and
// ordering problems before it ever reaches a backtest.
type QualityValidator struct {
	ExpectedTradingDaysPerYear int
	MaxIntradayMove            float64
	MaxGapMove                 float64
	MinVolume                  float64
	MaxVolumeMultiple          float64
}

// NewStockQualityValidator returns thresholds tuned for US/UK equities:
// 252 trading days/year, 20% max intraday move, 15% max overnight gap,
// 1000 share minimum volume, 10x volume-spike cutoff.
func NewStockQualityValidator() *QualityValidator {
	return &QualityValidator{
		ExpectedTradingDaysPerYear: 252,
		MaxIntradayMove:            0.20,
		MaxGapMove:                 0.15,
		MinVolume:                  1000,
		MaxVolumeMultiple:          10,
	}
}

// Validate runs the full battery of checks and produces a scored report.
func (v *QualityValidator) Validate(bars []*types.OHLCV) *QualityReport {
	report := &QualityReport{Issues: make([]QualityIssue, 0), Recommendations: make([]string, 0)}

	if len(bars) == 0 {
		report.Score = 0
		report.IsUsable = false
		report.Issues = append(report.Issues, QualityIssue{Kind: "empty", Severity: "critical", Description: "no bars available"})
		return report
	}

	v.checkMissingData(bars, report)
	v.checkPriceAnomalies(bars, report)
	v.checkVolumeAnomalies(bars, report)
	v.checkOHLCConsistency(bars, report)
	v.checkChronologicalOrder(bars, report)

	report.Score = v.score(bars, report)
	report.IsUsable = report.Score >= 60 && !v.hasCritical(report)

	if !report.IsUsable {
		report.Recommendations = append(report.Recommendations, "review raw feed before using this ticker in a run")
	}

	return report
}

func (v *QualityValidator) checkMissingData(bars []*types.OHLCV, report *QualityReport) {
	if len(bars) < 2 {
		return
	}
	gaps := 0
	for i := 1; i < len(bars); i++ {
		days := bars[i].Timestamp.Sub(bars[i-1].Timestamp).Hours() / 24
		if days > 5 { // more than a long weekend
			gaps++
		}
	}
	if gaps > 0 {
		report.Issues = append(report.Issues, QualityIssue{
			Kind: "missing_data", Severity: "warning",
			Description: strconv.Itoa(gaps) + " gap(s) of more than 5 calendar days found",
		})
	}
}

func (v *QualityValidator) checkPriceAnomalies(bars []*types.OHLCV, report *QualityReport) {
	for i, b := range bars {
		if b.Open.IsZero() {
			continue
		}
		intraday := b.High.Sub(b.Low).Div(b.Open).InexactFloat64()
		if intraday > v.MaxIntradayMove {
			report.Issues = append(report.Issues, QualityIssue{
				Kind: "price_anomaly", Severity: "warning",
				Description: "intraday move exceeds threshold at bar " + strconv.Itoa(i),
			})
		}
		if i > 0 && !bars[i-1].Close.IsZero() {
			gap := b.Open.Sub(bars[i-1].Close).Div(bars[i-1].Close).Abs().InexactFloat64()
			if gap > v.MaxGapMove {
				report.Issues = append(report.Issues, QualityIssue{
					Kind: "gap_anomaly", Severity: "warning",
					Description: "overnight gap exceeds threshold at bar " + strconv.Itoa(i),
				})
			}
		}
	}
}

func (v *QualityValidator) checkVolumeAnomalies(bars []*types.OHLCV, report *QualityReport) {
	var sum decimal.Decimal
	for _, b := range bars {
		sum = sum.Add(b.Volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(bars))))
	if avg.IsZero() {
		return
	}
	spikes := 0
	low := 0
	for _, b := range bars {
		ratio := b.Volume.Div(avg).InexactFloat64()
		if ratio > v.MaxVolumeMultiple {
			spikes++
		}
		if b.Volume.InexactFloat64() < v.MinVolume {
			low++
		}
	}
	if spikes > 0 {
		report.Issues = append(report.Issues, QualityIssue{
			Kind: "volume_spike", Severity: "info",
			Description: strconv.Itoa(spikes) + " bar(s) with volume >" + strconv.Itoa(int(v.MaxVolumeMultiple)) + "x average",
		})
	}
	if low > len(bars)/4 {
		report.Issues = append(report.Issues, QualityIssue{
			Kind: "low_volume", Severity: "warning",
			Description: "more than a quarter of bars have volume below minimum liquidity threshold",
		})
	}
}

func (v *QualityValidator) checkOHLCConsistency(bars []*types.OHLCV, report *QualityReport) {
	for i, b := range bars {
		maxOC := decimal.Max(b.Open, b.Close)
		minOC := decimal.Min(b.Open, b.Close)
		if b.High.LessThan(maxOC) || b.Low.GreaterThan(minOC) {
			report.Issues = append(report.Issues, QualityIssue{
				Kind: "ohlc_inconsistent", Severity: "critical",
				Description: "high/low does not encompass open/close at bar " + strconv.Itoa(i),
			})
		}
	}
}

func (v *QualityValidator) checkChronologicalOrder(bars []*types.OHLCV, report *QualityReport) {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			report.Issues = append(report.Issues, QualityIssue{
				Kind: "out_of_order", Severity: "critical",
				Description: "non-increasing timestamp at bar " + strconv.Itoa(i),
			})
		}
	}
}

func (v *QualityValidator) hasCritical(report *QualityReport) bool {
	for _, issue := range report.Issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func (v *QualityValidator) score(bars []*types.OHLCV, report *QualityReport) int {
	penalty := 0
	for _, issue := range report.Issues {
		switch issue.Severity {
		case "critical":
			penalty += 15
		case "warning":
			penalty += 5
		case "info":
			penalty += 1
		}
	}
	// normalize penalty by data size so a single gap in 10y of data
	// doesn't sink the score the way it would in 3 months of data
	normalized := penalty * 252 / maxInt(len(bars), 1)
	score := 100 - normalized
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Clean deduplicates, sorts, drops non-positive prices and clamps
// High/Low to encompass Open/Close.
func (v *QualityValidator) Clean(bars []*types.OHLCV) []*types.OHLCV {
	seen := make(map[time.Time]bool, len(bars))
	cleaned := make([]*types.OHLCV, 0, len(bars))

	for _, b := range bars {
		if seen[b.Timestamp] {
			continue
		}
		seen[b.Timestamp] = true

		if b.Open.LessThanOrEqual(decimal.Zero) || b.Close.LessThanOrEqual(decimal.Zero) {
			continue
		}

		maxOC := decimal.Max(b.Open, b.Close)
		minOC := decimal.Min(b.Open, b.Close)
		if b.High.LessThan(maxOC) {
			b.High = maxOC
		}
		if b.Low.GreaterThan(minOC) {
			b.Low = minOC
		}

		cleaned = append(cleaned, b)
	}

	return cleaned
}
