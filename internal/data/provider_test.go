package data

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryProviderDeterministic(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	a := NewMemoryProvider(42)
	a.GenerateWalk("AAPL", start, end, 150.0)

	b := NewMemoryProvider(42)
	b.GenerateWalk("AAPL", start, end, 150.0)

	barsA, err := a.Bars(context.Background(), "AAPL", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	barsB, err := b.Bars(context.Background(), "AAPL", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(barsA) != len(barsB) || len(barsA) == 0 {
		t.Fatalf("expected identical non-empty series, got %d vs %d", len(barsA), len(barsB))
	}
	for i := range barsA {
		if !barsA[i].Close.Equal(barsB[i].Close) {
			t.Fatalf("bar %d diverged between seeded runs: %s vs %s", i, barsA[i].Close, barsB[i].Close)
		}
	}
}

func TestMemoryProviderNoLookahead(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)

	p := NewMemoryProvider(7)
	p.GenerateWalk("MSFT", start, end, 250.0)

	bars, err := p.Bars(context.Background(), "MSFT", start, asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range bars {
		if b.Timestamp.After(asOf) {
			t.Fatalf("bar dated %s leaked past as-of cutoff %s", b.Timestamp, asOf)
		}
	}
}

func TestGetOHLCVBatchLoadsEveryTicker(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	p := NewMemoryProvider(11)
	p.GenerateWalk("AAPL", start, end, 150.0)
	p.GenerateWalk("MSFT", start, end, 250.0)

	results, err := p.GetOHLCVBatch(context.Background(), []string{"AAPL", "MSFT"}, start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results["AAPL"]) == 0 || len(results["MSFT"]) == 0 {
		t.Fatalf("expected non-empty bars for both tickers, got %+v", results)
	}
}

func TestGetFundamentalsIsDeterministic(t *testing.T) {
	p := NewMemoryProvider(1)
	asOf := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	a, err := p.GetFundamentals(context.Background(), "AAPL", asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.GetFundamentals(context.Background(), "AAPL", asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Sector != b.Sector || a.Sector == "" {
		t.Fatalf("expected a stable, non-empty sector, got %q vs %q", a.Sector, b.Sector)
	}
}

func TestGetTechnicalIndicatorsComputesATR(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	p := NewMemoryProvider(3)
	p.GenerateWalk("AAPL", start, end, 150.0)

	ti, err := p.GetTechnicalIndicators(context.Background(), "AAPL", end, "atr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ti.ATR == nil {
		t.Fatal("expected ATR to be computed with ample history")
	}
}

func TestGetAvailableTickersFiltersByMinPrice(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	p := NewMemoryProvider(5)
	p.GenerateWalk("AAPL", start, end, 150.0)
	p.GenerateWalk("PENNY", start, end, 0.50)

	highPrice := decimal.NewFromInt(100)
	tickers, err := p.GetAvailableTickers(context.Background(), "US", start, end, nil, &highPrice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ticker := range tickers {
		if ticker == "PENNY" {
			t.Fatalf("expected low-priced ticker to be filtered out, got %v", tickers)
		}
	}
}

func TestClearCacheResetsStats(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

	p := NewMemoryProvider(9)
	p.GenerateWalk("AAPL", start, end, 150.0)
	p.Bars(context.Background(), "AAPL", start, end)

	p.ClearCache()
	stats := p.GetCacheStats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Fatalf("expected ClearCache to reset counters, got %+v", stats)
	}
}

func TestQualityValidatorScoresCleanGeneratedDataWell(t *testing.T) {
	p := NewMemoryProvider(1)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	p.GenerateWalk("TEST", start, end, 100.0)

	got, genErr := p.Bars(context.Background(), "TEST", start, end)
	if genErr != nil {
		t.Fatalf("unexpected error: %v", genErr)
	}
	if len(got) == 0 {
		t.Fatal("expected generated bars")
	}

	v := NewStockQualityValidator()
	report := v.Validate(got)
	if report.Score < 60 {
		t.Fatalf("expected clean generated data to score well, got %d: %+v", report.Score, report.Issues)
	}
}
