package portfolio

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func TestBuyRejectsDuplicatePosition(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{})
	order := BuyOrder{Ticker: "AAPL", Shares: 10, Price: decimal.NewFromInt(100), Date: time.Now()}

	if err := sim.Buy(order); err != nil {
		t.Fatalf("unexpected error on first buy: %v", err)
	}
	if err := sim.Buy(order); err == nil {
		t.Fatal("expected second buy for the same ticker to be rejected")
	}
}

func TestBuyRejectsInsufficientCash(t *testing.T) {
	sim := New(decimal.NewFromInt(100), 0, RiskConfig{})
	err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 10, Price: decimal.NewFromInt(100), Date: time.Now()})
	if err == nil {
		t.Fatal("expected rejection for insufficient cash")
	}
}

func TestBuyRejectsBeyondMaxOpenPositions(t *testing.T) {
	sim := New(decimal.NewFromInt(1000000), 1, RiskConfig{})
	if err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 1, Price: decimal.NewFromInt(100), Date: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sim.Buy(BuyOrder{Ticker: "MSFT", Shares: 1, Price: decimal.NewFromInt(100), Date: time.Now()}); err == nil {
		t.Fatal("expected rejection once max open positions reached")
	}
}

func TestBuyRejectsBelowCashReserveFloor(t *testing.T) {
	// 100000 initial capital, 20% reserve means 20000 must stay uninvested.
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{CashReserve: decimal.NewFromFloat(0.2)})
	err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 900, Price: decimal.NewFromInt(100), Date: time.Now()})
	if err == nil {
		t.Fatal("expected rejection when the fill would breach the cash reserve floor")
	}
}

func TestBuyAllowsFillsWithinCashReserveFloor(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{CashReserve: decimal.NewFromFloat(0.2)})
	err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 700, Price: decimal.NewFromInt(100), Date: time.Now()})
	if err != nil {
		t.Fatalf("expected fill within the cash reserve floor to succeed, got %v", err)
	}
}

func TestBuyRejectsBeyondSectorExposureCap(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{MaxSectorExposure: decimal.NewFromFloat(0.3)})
	if err := sim.Buy(BuyOrder{Ticker: "AAPL", Sector: "Technology", Shares: 200, Price: decimal.NewFromInt(100), Date: time.Now()}); err != nil {
		t.Fatalf("unexpected error on first buy: %v", err)
	}
	err := sim.Buy(BuyOrder{Ticker: "MSFT", Sector: "Technology", Shares: 200, Price: decimal.NewFromInt(100), Date: time.Now()})
	if err == nil {
		t.Fatal("expected rejection once sector exposure cap would be breached")
	}
}

func TestBuyDerivesStopLossFromATR(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{
		StopLossATRMultiplier: decimal.NewFromFloat(2),
		StopLossMin:           decimal.NewFromFloat(0.03),
		StopLossMax:           decimal.NewFromFloat(0.15),
		ProfitTarget:          decimal.NewFromFloat(0.2),
	})
	atr := decimal.NewFromFloat(4) // 2*4/100 = 8%, within [3%, 15%]
	if err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 10, Price: decimal.NewFromInt(100), ATR: &atr, Date: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, ok := sim.Position("AAPL")
	if !ok {
		t.Fatal("expected position to be open")
	}
	if !pos.StopLossPrice.Equal(decimal.NewFromInt(92)) {
		t.Fatalf("expected stop-loss price 92, got %s", pos.StopLossPrice)
	}
	if !pos.ProfitTargetPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected profit-target price 120, got %s", pos.ProfitTargetPrice)
	}
}

func TestSellComputesPnLAndFreesPosition(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{})
	now := time.Now()
	if err := sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 10, Price: decimal.NewFromInt(100), Date: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	trade, err := sim.Sell(SellOrder{Ticker: "AAPL", Price: decimal.NewFromInt(110), Date: now.AddDate(0, 0, 5), Reason: types.ExitReasonProfitTarget})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trade.PnL.GreaterThan(decimal.Zero) {
		t.Fatalf("expected a profitable trade, got PnL %s", trade.PnL)
	}
	if _, ok := sim.Position("AAPL"); ok {
		t.Fatal("expected position to be closed after sell")
	}
}

func TestSellRejectsUnknownPosition(t *testing.T) {
	sim := New(decimal.NewFromInt(100000), 0, RiskConfig{})
	_, err := sim.Sell(SellOrder{Ticker: "AAPL", Price: decimal.NewFromInt(100), Date: time.Now()})
	if err == nil {
		t.Fatal("expected rejection for selling a ticker with no open position")
	}
}

func TestCloseAllLiquidatesEveryPosition(t *testing.T) {
	sim := New(decimal.NewFromInt(1000000), 0, RiskConfig{})
	now := time.Now()
	sim.Buy(BuyOrder{Ticker: "AAPL", Shares: 10, Price: decimal.NewFromInt(100), Date: now})
	sim.Buy(BuyOrder{Ticker: "MSFT", Shares: 5, Price: decimal.NewFromInt(200), Date: now})

	closed := sim.CloseAll(now.AddDate(0, 0, 10), map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(105),
		"MSFT": decimal.NewFromInt(190),
	})
	if len(closed) != 2 {
		t.Fatalf("expected 2 closed trades, got %d", len(closed))
	}
	if sim.OpenCount() != 0 {
		t.Fatalf("expected no open positions after CloseAll, got %d", sim.OpenCount())
	}
}
