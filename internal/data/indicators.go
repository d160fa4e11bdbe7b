package data

import (
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

const atrPeriod = 14

// averageTrueRange computes a simple (non-Wilder-smoothed) N-day rolling
// average of True Range over the most recent atrPeriod bars. True range for
// bar i is max(high-low, |high-prevClose|, |low-prevClose|). Returns nil
// when fewer than atrPeriod+1 bars are available, since the first bar has
// no previous close to compare against.
func averageTrueRange(bars []*types.OHLCV) *decimal.Decimal {
	if len(bars) < atrPeriod+1 {
		return nil
	}

	window := bars[len(bars)-atrPeriod:]
	var sum decimal.Decimal
	for i, bar := range window {
		prevIdx := len(bars) - atrPeriod + i - 1
		prevClose := bars[prevIdx].Close

		highLow := bar.High.Sub(bar.Low)
		highPrevClose := bar.High.Sub(prevClose).Abs()
		lowPrevClose := bar.Low.Sub(prevClose).Abs()

		tr := decimal.Max(highLow, highPrevClose, lowPrevClose)
		sum = sum.Add(tr)
	}

	atr := sum.Div(decimal.NewFromInt(atrPeriod))
	return &atr
}

func simpleMovingAverage(bars []*types.OHLCV, period int) decimal.Decimal {
	if len(bars) < period {
		return decimal.Zero
	}
	window := bars[len(bars)-period:]
	var sum decimal.Decimal
	for _, bar := range window {
		sum = sum.Add(bar.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// computeIndicators builds a TechnicalIndicators snapshot for the requested
// indicator names ("atr", "sma20", "sma50", "sma200"). An empty indicators
// list computes all of them.
func computeIndicators(ticker string, asOf time.Time, bars []*types.OHLCV, indicators []string) *types.TechnicalIndicators {
	want := func(name string) bool {
		if len(indicators) == 0 {
			return true
		}
		for _, i := range indicators {
			if i == name {
				return true
			}
		}
		return false
	}

	result := &types.TechnicalIndicators{Ticker: ticker, AsOf: asOf}
	if want("atr") {
		result.ATR = averageTrueRange(bars)
	}
	if want("sma20") {
		result.SMA20 = simpleMovingAverage(bars, 20)
	}
	if want("sma50") {
		result.SMA50 = simpleMovingAverage(bars, 50)
	}
	if want("sma200") {
		result.SMA200 = simpleMovingAverage(bars, 200)
	}
	return result
}
