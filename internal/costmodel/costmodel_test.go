package costmodel

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func TestMarketImpactZeroWhenADVUnknown(t *testing.T) {
	m := New(types.CostProfileConfig{ImpactCoefficient: decimal.NewFromFloat(0.1)})
	impact := m.MarketImpact(1000, decimal.NewFromInt(100), decimal.Zero)
	if !impact.IsZero() {
		t.Fatalf("expected zero impact with unknown ADV, got %s", impact)
	}
}

func TestCommissionIsRateOnNotional(t *testing.T) {
	m := New(types.CostProfileConfig{
		CommissionRate: decimal.NewFromFloat(0.00015),
	})
	got := m.Commission(100, decimal.NewFromInt(70000))
	if !got.Equal(decimal.NewFromInt(1050)) {
		t.Fatalf("expected commission of 1050, got %s", got)
	}
}

func TestSlippageTimeOfDayMultiplier(t *testing.T) {
	m := New(types.CostProfileConfig{SlippageBps: decimal.NewFromInt(10)})
	open := m.Slippage(decimal.NewFromInt(100), types.TimeOfDayOpen)
	regular := m.Slippage(decimal.NewFromInt(100), types.TimeOfDayRegular)
	if !open.GreaterThan(regular) {
		t.Fatalf("expected open slippage %s to exceed regular slippage %s", open, regular)
	}
}

func TestKRDefaultMatchesWorkedExample(t *testing.T) {
	r := NewRegistry()
	m, err := r.Get("KR_DEFAULT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	commission, slippage, impact := TotalCost(m, 100, decimal.NewFromInt(70000), decimal.NewFromInt(5000000), types.TimeOfDayRegular)
	if !commission.Equal(decimal.NewFromInt(1050)) {
		t.Fatalf("expected commission 1050, got %s", commission)
	}
	if !slippage.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("expected slippage 3500, got %s", slippage)
	}
	if impact.LessThanOrEqual(decimal.Zero) || impact.GreaterThanOrEqual(decimal.NewFromInt(500)) {
		t.Fatalf("expected market impact in (0, 500), got %s", impact)
	}
}

func TestRegistryKnownProfiles(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"KR_DEFAULT", "KR_LOW_COST", "KR_HIGH_COST", "US_DEFAULT", "US_LOW_COST", "ZERO"} {
		if _, err := r.Get(name); err != nil {
			t.Fatalf("expected profile %q to resolve: %v", name, err)
		}
	}
	if _, err := r.Get("does_not_exist"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
