// Package portfolio simulates a cash-settled equities portfolio: one
// position per ticker, full-cost buys and sells, and realized-trade
// bookkeeping for the backtest engine.
package portfolio

import (
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
)

// RiskConfig carries the run-level risk knobs that gate and size every BUY.
// A zero-value field disables the corresponding check: ticker-level behavior
// (insufficient cash, max open positions, duplicate position) is unaffected.
type RiskConfig struct {
	CashReserve           decimal.Decimal // fraction of initial capital that must stay uninvested
	MaxSectorExposure     decimal.Decimal // fraction of equity a single sector may hold, post-trade
	StopLossATRMultiplier decimal.Decimal
	StopLossMin           decimal.Decimal // floor on stop distance as a fraction of entry price
	StopLossMax           decimal.Decimal // ceiling on stop distance as a fraction of entry price
	ProfitTarget          decimal.Decimal // fraction above entry price
}

// Simulator tracks cash, open positions and closed trades for a single
// backtest run. Unlike a margin/crypto portfolio, a ticker may hold at most
// one open position at a time: a second BUY for an already-held ticker is
// rejected rather than averaged in.
type Simulator struct {
	mu               sync.RWMutex
	cash             decimal.Decimal
	initialCash      decimal.Decimal
	positions        map[string]*types.Position
	trades           []types.Trade
	peakEquity       decimal.Decimal
	currentEquity    decimal.Decimal
	maxOpenPositions int
	risk             RiskConfig
}

// New creates a Simulator with initialCash available and maxOpenPositions
// concurrent positions allowed (0 means unlimited). risk gates cash-reserve,
// sector-exposure and stop-loss/profit-target sizing on every BUY.
func New(initialCash decimal.Decimal, maxOpenPositions int, risk RiskConfig) *Simulator {
	return &Simulator{
		cash:             initialCash,
		initialCash:      initialCash,
		positions:        make(map[string]*types.Position),
		peakEquity:       initialCash,
		currentEquity:    initialCash,
		maxOpenPositions: maxOpenPositions,
		risk:             risk,
	}
}

// Cash returns available cash.
func (s *Simulator) Cash() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash
}

// Equity returns cash plus mark-to-market value of all open positions.
func (s *Simulator) Equity() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calculateEquity()
}

// Drawdown returns the current fractional drawdown from the equity peak.
func (s *Simulator) Drawdown() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peakEquity.IsZero() {
		return decimal.Zero
	}
	equity := s.calculateEquity()
	if equity.GreaterThanOrEqual(s.peakEquity) {
		return decimal.Zero
	}
	return s.peakEquity.Sub(equity).Div(s.peakEquity)
}

// Position returns the open position for ticker, if any.
func (s *Simulator) Position(ticker string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[ticker]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a snapshot of every open position.
func (s *Simulator) Positions() []types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	return out
}

// OpenCount returns the number of open positions.
func (s *Simulator) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// MarkPrice updates the mark-to-market price of a held position and
// refreshes equity/peak bookkeeping. It is a no-op if ticker has no open
// position.
func (s *Simulator) MarkPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[ticker]; ok {
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pos.MarketValue().Sub(pos.CostBasis)
	}
	s.refreshEquity()
}

func (s *Simulator) calculateEquity() decimal.Decimal {
	equity := s.cash
	for _, pos := range s.positions {
		equity = equity.Add(pos.MarketValue())
	}
	return equity
}

// refreshEquity recomputes currentEquity/peakEquity. Caller must hold the lock.
func (s *Simulator) refreshEquity() {
	s.currentEquity = s.calculateEquity()
	if s.currentEquity.GreaterThan(s.peakEquity) {
		s.peakEquity = s.currentEquity
	}
}

// BuyOrder describes a fully-costed entry fill. Stop-loss and profit-target
// prices are derived inside Buy from ATR (when known) and the Simulator's
// RiskConfig rather than supplied by the caller.
type BuyOrder struct {
	Ticker           string
	Region           string
	Sector           string
	Shares           int64
	Price            decimal.Decimal
	Commission       decimal.Decimal
	Slippage         decimal.Decimal
	MarketImpact     decimal.Decimal
	ATR              *decimal.Decimal
	PatternType      types.PatternType
	EntryScore       float64
	KellyFraction    float64
	PredictedWinRate float64
	Date             time.Time
}

// sectorCostBasis sums the cost basis of open positions in sector. Caller
// must hold the lock.
func (s *Simulator) sectorCostBasis(sector string) decimal.Decimal {
	total := decimal.Zero
	if sector == "" {
		return total
	}
	for _, pos := range s.positions {
		if pos.Sector == sector {
			total = total.Add(pos.CostBasis)
		}
	}
	return total
}

// stopLossAndTarget derives the stop-loss and profit-target prices for a new
// position from ATR and the Simulator's RiskConfig. The stop distance, as a
// fraction of price, is ATR * StopLossATRMultiplier clamped to
// [StopLossMin, StopLossMax]. With no ATR reading available, StopLossMin is
// used as the floor distance; a zero StopLossMin leaves the stop unset.
func (s *Simulator) stopLossAndTarget(price decimal.Decimal, atr *decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	stopPct := s.risk.StopLossMin
	if atr != nil && !price.IsZero() {
		pct := atr.Mul(s.risk.StopLossATRMultiplier).Div(price)
		if !s.risk.StopLossMin.IsZero() && pct.LessThan(s.risk.StopLossMin) {
			pct = s.risk.StopLossMin
		}
		if !s.risk.StopLossMax.IsZero() && pct.GreaterThan(s.risk.StopLossMax) {
			pct = s.risk.StopLossMax
		}
		stopPct = pct
	}

	stopPrice := decimal.Zero
	if !stopPct.IsZero() {
		stopPrice = price.Mul(decimal.NewFromInt(1).Sub(stopPct))
	}

	targetPrice := decimal.Zero
	if !s.risk.ProfitTarget.IsZero() {
		targetPrice = price.Mul(decimal.NewFromInt(1).Add(s.risk.ProfitTarget))
	}

	return stopPrice, targetPrice
}

// Buy opens a new position. It rejects the order if a position is already
// open for Ticker, if MaxOpenPositions would be exceeded, if cash is
// insufficient to cover the full cost including commission, slippage and
// market impact, if the fill would breach the cash-reserve floor, or if it
// would push the ticker's sector past MaxSectorExposure.
func (s *Simulator) Buy(order BuyOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.Shares <= 0 {
		return types.NewError(types.ErrOrderRejected, order.Ticker+": non-positive share count", nil)
	}
	if _, exists := s.positions[order.Ticker]; exists {
		return types.NewError(types.ErrOrderRejected, order.Ticker+": position already open", nil)
	}
	if s.maxOpenPositions > 0 && len(s.positions) >= s.maxOpenPositions {
		return types.NewError(types.ErrOrderRejected, order.Ticker+": max open positions reached", nil)
	}

	cost := decimal.NewFromInt(order.Shares).Mul(order.Price).
		Add(order.Commission).Add(order.Slippage).Add(order.MarketImpact)
	if cost.GreaterThan(s.cash) {
		return types.NewError(types.ErrOrderRejected, order.Ticker+": insufficient cash", nil)
	}

	if !s.risk.CashReserve.IsZero() {
		floor := s.initialCash.Mul(s.risk.CashReserve)
		if s.cash.Sub(cost).LessThan(floor) {
			return types.NewError(types.ErrOrderRejected, order.Ticker+": would breach cash reserve floor", nil)
		}
	}

	if !s.risk.MaxSectorExposure.IsZero() && order.Sector != "" {
		equity := s.calculateEquity()
		if !equity.IsZero() {
			exposure := s.sectorCostBasis(order.Sector).Add(cost).Div(equity)
			if exposure.GreaterThan(s.risk.MaxSectorExposure) {
				return types.NewError(types.ErrOrderRejected, order.Ticker+": would breach sector exposure cap", nil)
			}
		}
	}

	stopLossPrice, profitTargetPrice := s.stopLossAndTarget(order.Price, order.ATR)

	s.cash = s.cash.Sub(cost)
	s.positions[order.Ticker] = &types.Position{
		Ticker:            order.Ticker,
		Region:            order.Region,
		Sector:            order.Sector,
		Shares:            order.Shares,
		EntryPrice:        order.Price,
		CostBasis:         cost,
		StopLossPrice:     stopLossPrice,
		ProfitTargetPrice: profitTargetPrice,
		EntryDate:         order.Date,
		PatternType:       order.PatternType,
		EntryScore:        order.EntryScore,
		KellyFraction:     order.KellyFraction,
		PredictedWinRate:  order.PredictedWinRate,
		CurrentPrice:      order.Price,
	}
	s.refreshEquity()
	return nil
}

// SellOrder describes a fully-costed exit fill.
type SellOrder struct {
	Ticker       string
	Price        decimal.Decimal
	Commission   decimal.Decimal
	Slippage     decimal.Decimal
	MarketImpact decimal.Decimal
	Date         time.Time
	Reason       types.ExitReason
}

// Sell closes the open position for Ticker and returns the realized Trade.
// It rejects the order if no position is open for Ticker.
func (s *Simulator) Sell(order SellOrder) (*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[order.Ticker]
	if !ok {
		return nil, types.NewError(types.ErrOrderRejected, order.Ticker+": no open position", nil)
	}

	costs := order.Commission.Add(order.Slippage).Add(order.MarketImpact)
	proceeds := decimal.NewFromInt(pos.Shares).Mul(order.Price).Sub(costs)
	pnl := proceeds.Sub(pos.CostBasis)
	pnlPct := decimal.Zero
	if !pos.CostBasis.IsZero() {
		pnlPct = pnl.Div(pos.CostBasis)
	}

	trade := types.Trade{
		ID:               utils.GenerateTradeID(),
		Ticker:           pos.Ticker,
		Region:           pos.Region,
		Sector:           pos.Sector,
		Shares:           pos.Shares,
		EntryPrice:       pos.EntryPrice,
		ExitPrice:        order.Price,
		EntryDate:        pos.EntryDate,
		ExitDate:         order.Date,
		HoldingDays:      int(order.Date.Sub(pos.EntryDate).Hours() / 24),
		Commission:       order.Commission,
		Slippage:         order.Slippage,
		MarketImpact:     order.MarketImpact,
		PnL:              pnl,
		PnLPct:           pnlPct,
		ExitReason:       order.Reason,
		PatternType:      pos.PatternType,
		EntryScore:       pos.EntryScore,
		KellyFraction:    pos.KellyFraction,
		PredictedWinRate: pos.PredictedWinRate,
	}

	s.cash = s.cash.Add(proceeds)
	delete(s.positions, order.Ticker)
	s.trades = append(s.trades, trade)
	s.refreshEquity()

	return &trade, nil
}

// CloseAll force-closes every open position at the supplied mark prices
// (keyed by ticker), used at the end of a backtest run. Positions without a
// mark price are closed at their last known CurrentPrice.
func (s *Simulator) CloseAll(date time.Time, marks map[string]decimal.Decimal) []types.Trade {
	s.mu.RLock()
	tickers := make([]string, 0, len(s.positions))
	for ticker := range s.positions {
		tickers = append(tickers, ticker)
	}
	s.mu.RUnlock()

	closed := make([]types.Trade, 0, len(tickers))
	for _, ticker := range tickers {
		price, ok := marks[ticker]
		if !ok {
			s.mu.RLock()
			price = s.positions[ticker].CurrentPrice
			s.mu.RUnlock()
		}
		trade, err := s.Sell(SellOrder{
			Ticker: ticker,
			Price:  price,
			Date:   date,
			Reason: types.ExitReasonEndOfRun,
		})
		if err == nil {
			closed = append(closed, *trade)
		}
	}
	return closed
}

// Trades returns every realized trade so far.
func (s *Simulator) Trades() []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// EquitySnapshot returns an EquityCurvePoint for the given date using the
// simulator's current state.
func (s *Simulator) EquitySnapshot(date time.Time) types.EquityCurvePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	equity := s.calculateEquity()
	drawdown := decimal.Zero
	if s.peakEquity.GreaterThan(decimal.Zero) && equity.LessThan(s.peakEquity) {
		drawdown = s.peakEquity.Sub(equity).Div(s.peakEquity)
	}
	return types.EquityCurvePoint{
		Date:     date,
		Equity:   equity,
		Cash:     s.cash,
		Drawdown: drawdown,
	}
}
