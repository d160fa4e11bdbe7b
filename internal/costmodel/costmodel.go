// Package costmodel provides transaction cost models for the backtester:
// commission, bid-ask slippage and market impact, grouped behind a single
// CostModel interface so PortfolioSimulator never special-cases a broker.
package costmodel

import (
	"math"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// CostModel prices the full round cost of a fill: commission, slippage and
// market impact, each computed independently so callers can report them
// separately on a Trade.
type CostModel interface {
	Commission(shares int64, price decimal.Decimal) decimal.Decimal
	Slippage(price decimal.Decimal, tod types.TimeOfDay) decimal.Decimal
	MarketImpact(shares int64, price decimal.Decimal, avgDailyVolume decimal.Decimal) decimal.Decimal
}

// StandardCostModel is a linear-commission, bps-slippage, square-root-impact
// cost model parameterized by a types.CostProfileConfig.
type StandardCostModel struct {
	cfg types.CostProfileConfig
}

// New builds a StandardCostModel from a named profile configuration.
func New(cfg types.CostProfileConfig) *StandardCostModel {
	return &StandardCostModel{cfg: cfg}
}

// Commission applies a flat rate to the notional value of the fill:
// price * shares * commission_rate.
func (m *StandardCostModel) Commission(shares int64, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(shares))
	return notional.Mul(m.cfg.CommissionRate)
}

// Slippage returns the per-share slippage: configured basis points of price,
// scaled by the session-time multiplier (open 1.5x, regular 1.0x, close 1.3x).
func (m *StandardCostModel) Slippage(price decimal.Decimal, tod types.TimeOfDay) decimal.Decimal {
	bps := m.cfg.SlippageBps.Div(decimal.NewFromInt(10000))
	return price.Mul(bps).Mul(types.TimeOfDayMultiplier(tod))
}

// MarketImpact uses a square-root participation model: impact grows with
// the square root of the order's fraction of average daily volume. Returns
// zero when ADV is unknown (zero or negative), rather than dividing by it.
func (m *StandardCostModel) MarketImpact(shares int64, price decimal.Decimal, avgDailyVolume decimal.Decimal) decimal.Decimal {
	if avgDailyVolume.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	participation := decimal.NewFromInt(shares).Div(avgDailyVolume).InexactFloat64()
	if participation < 0 {
		participation = 0
	}
	impactFraction := m.cfg.ImpactCoefficient.InexactFloat64() * math.Sqrt(participation)
	return price.Mul(decimal.NewFromFloat(impactFraction))
}

// TotalCost sums commission, per-share slippage (times shares) and market
// impact (times shares) into a single dollar figure for a fill.
func TotalCost(m CostModel, shares int64, price decimal.Decimal, avgDailyVolume decimal.Decimal, tod types.TimeOfDay) (commission, slippage, impact decimal.Decimal) {
	commission = m.Commission(shares, price)
	perShareSlippage := m.Slippage(price, tod)
	slippage = perShareSlippage.Mul(decimal.NewFromInt(shares))
	impact = m.MarketImpact(shares, price, avgDailyVolume).Mul(decimal.NewFromInt(shares))
	return commission, slippage, impact
}
