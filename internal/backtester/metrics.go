// Package backtester: performance metrics calculation (PerformanceAnalyzer).
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Analyze computes the full set of performance metrics for a completed
// backtest run from its realized trades and equity curve. benchmarkReturns
// is optional: when supplied (daily returns aligned to the equity curve),
// Alpha/Beta/InformationRatio are also computed.
func Analyze(trades []types.Trade, equityCurve []types.EquityCurvePoint, initialCapital decimal.Decimal, benchmarkReturns ...float64) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}
	if len(equityCurve) == 0 {
		return metrics
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses, largestWin, largestLoss decimal.Decimal
	var totalHoldingDays int

	for _, trade := range trades {
		if trade.PnL.GreaterThan(decimal.Zero) {
			winningTrades++
			totalWins = totalWins.Add(trade.PnL)
			if trade.PnL.GreaterThan(largestWin) {
				largestWin = trade.PnL
			}
		} else if trade.PnL.LessThan(decimal.Zero) {
			losingTrades++
			totalLosses = totalLosses.Add(trade.PnL.Abs())
			if trade.PnL.Abs().GreaterThan(largestLoss) {
				largestLoss = trade.PnL.Abs()
			}
		}
		totalHoldingDays += trade.HoldingDays
	}

	metrics.TotalTrades = len(trades)
	metrics.WinningTrades = winningTrades
	metrics.LosingTrades = losingTrades
	metrics.LargestWin = largestWin
	metrics.LargestLoss = largestLoss

	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(metrics.TotalTrades)))
		metrics.AvgHoldingDays = decimal.NewFromInt(int64(totalHoldingDays)).Div(decimal.NewFromInt(int64(metrics.TotalTrades))).InexactFloat64()
	}
	if winningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winningTrades)))
	}
	if losingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losingTrades)))
	}
	if !totalLosses.IsZero() {
		metrics.ProfitFactor = totalWins.Div(totalLosses)
	}
	if metrics.TotalTrades > 0 {
		winPct := metrics.WinRate
		lossPct := decimal.NewFromInt(1).Sub(winPct)
		metrics.Expectancy = winPct.Mul(metrics.AvgWin).Sub(lossPct.Mul(metrics.AvgLoss))
	}

	if !initialCapital.IsZero() {
		finalEquity := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = finalEquity.Sub(initialCapital).Div(initialCapital)
	}

	returns := dailyReturns(equityCurve)

	years := equityCurve[len(equityCurve)-1].Date.Sub(equityCurve[0].Date).Hours() / 24 / 365.25
	if years > 0 && !metrics.TotalReturn.IsZero() {
		totalReturnFloat, _ := metrics.TotalReturn.Float64()
		cagr := math.Pow(1+totalReturnFloat, 1/years) - 1
		metrics.CAGR = decimal.NewFromFloat(cagr)
		metrics.AnnualizedReturn = metrics.CAGR
	}

	if len(returns) > 1 {
		vol := stdDev(returns)
		annualVol := vol * math.Sqrt(252)
		annualReturn, _ := metrics.AnnualizedReturn.Float64()
		metrics.DailyVolatility = decimal.NewFromFloat(vol)
		metrics.AnnualVolatility = decimal.NewFromFloat(annualVol)

		if annualVol > 0 {
			metrics.SharpeRatio = decimal.NewFromFloat(annualReturn / annualVol)
		}
		if downsideDev := downsideDeviation(returns); downsideDev > 0 {
			metrics.SortinoRatio = decimal.NewFromFloat(annualReturn / (downsideDev * math.Sqrt(252)))
		}
	}

	maxDD, maxDDDate, maxDDDuration := maxDrawdown(equityCurve)
	metrics.MaxDrawdown = maxDD
	metrics.MaxDrawdownDate = maxDDDate
	metrics.MaxDrawdownDurationDays = maxDDDuration
	if !metrics.MaxDrawdown.IsZero() {
		metrics.CalmarRatio = metrics.AnnualizedReturn.Div(metrics.MaxDrawdown.Abs())
	}

	metrics.VaR95, metrics.VaR99, metrics.CVaR95 = valueAtRisk(returns)
	metrics.KellyAccuracy = kellyAccuracy(trades)

	if len(benchmarkReturns) > 0 {
		metrics.Alpha, metrics.Beta, metrics.InformationRatio = benchmarkMetrics(returns, benchmarkReturns, metrics.AnnualizedReturn)
	}

	return metrics
}

// benchmarkMetrics computes beta (cov/var against the benchmark), alpha
// (annualized excess return over beta*benchmark) and information ratio
// (annualized mean/stdev of the return differential) from daily portfolio
// and benchmark returns. Series are truncated to their common length.
func benchmarkMetrics(returns, benchmarkReturns []float64, portfolioAnnualized decimal.Decimal) (alpha, beta, infoRatio decimal.Decimal) {
	n := len(returns)
	if len(benchmarkReturns) < n {
		n = len(benchmarkReturns)
	}
	if n < 2 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	r := returns[:n]
	b := benchmarkReturns[:n]

	meanR := mean(r)
	meanB := mean(b)

	var cov, varB float64
	for i := 0; i < n; i++ {
		cov += (r[i] - meanR) * (b[i] - meanB)
		varB += (b[i] - meanB) * (b[i] - meanB)
	}
	cov /= float64(n - 1)
	varB /= float64(n - 1)

	betaF := 0.0
	if varB > 0 {
		betaF = cov / varB
	}
	beta = decimal.NewFromFloat(betaF)

	benchmarkAnnualized := meanB * 252
	portfolioAnnF, _ := portfolioAnnualized.Float64()
	alpha = decimal.NewFromFloat(portfolioAnnF - betaF*benchmarkAnnualized)

	excess := make([]float64, n)
	for i := 0; i < n; i++ {
		excess[i] = r[i] - b[i]
	}
	meanExcess := mean(excess)
	stdExcess := stdDev(excess)
	if stdExcess > 0 {
		infoRatio = decimal.NewFromFloat(meanExcess * 252 / (stdExcess * math.Sqrt(252)))
	}
	return alpha, beta, infoRatio
}

// kellyAccuracy scores calibration quality: how close each trade's
// predicted win probability (KellySizer's WinRateUsed at entry) was to the
// trade's actual binary outcome, via 1 minus the mean squared error
// (Brier score), clamped to [0, 1]. Trades with no recorded prediction
// (PredictedWinRate == 0) are excluded.
func kellyAccuracy(trades []types.Trade) decimal.Decimal {
	var sumSquaredError float64
	var n int
	for _, t := range trades {
		if t.PredictedWinRate <= 0 {
			continue
		}
		actual := 0.0
		if t.IsWin() {
			actual = 1.0
		}
		err := t.PredictedWinRate - actual
		sumSquaredError += err * err
		n++
	}
	if n == 0 {
		return decimal.Zero
	}
	brier := sumSquaredError / float64(n)
	accuracy := 1 - brier
	if accuracy < 0 {
		accuracy = 0
	}
	return decimal.NewFromFloat(accuracy)
}

func dailyReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		curr := equityCurve[i].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := curr.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

// maxDrawdown returns the most negative (value-peak)/peak observed across
// the equity curve (<= 0), the date of that trough, and how many days
// elapsed from the trough until equity first recovered to the peak that
// preceded it (or until the end of the series if it never recovered).
func maxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, time.Time, int) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}, 0
	}
	var minDD decimal.Decimal
	var minDDDate time.Time
	var peakAtTrough decimal.Decimal
	troughIdx := -1
	peak := equityCurve[0].Equity

	for i, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if !peak.IsZero() {
			dd := point.Equity.Sub(peak).Div(peak)
			if dd.LessThan(minDD) {
				minDD = dd
				minDDDate = point.Date
				peakAtTrough = peak
				troughIdx = i
			}
		}
	}
	if troughIdx == -1 {
		return decimal.Zero, time.Time{}, 0
	}

	recoveryDate := equityCurve[len(equityCurve)-1].Date
	for i := troughIdx; i < len(equityCurve); i++ {
		if equityCurve[i].Equity.GreaterThanOrEqual(peakAtTrough) {
			recoveryDate = equityCurve[i].Date
			break
		}
	}
	durationDays := int(recoveryDate.Sub(minDDDate).Hours() / 24)
	return minDD, minDDDate, durationDays
}

// valueAtRisk returns historical-percentile VaR95, VaR99 and CVaR95 from
// daily returns.
func valueAtRisk(returns []float64) (var95, var99, cvar95 decimal.Decimal) {
	if len(returns) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		var95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		var99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		cvar95 = decimal.NewFromFloat(-sum / float64(idx95))
	}
	return var95, var99, cvar95
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	avg := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDev(negative)
}
