// Package data provides point-in-time market data access for the backtester.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/workers"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider is the data access contract every component outside this package
// depends on. It guarantees point-in-time access: Bars never returns a bar
// dated after asOf, so a strategy or sizer reading through a Provider cannot
// see the future.
type Provider interface {
	// Bars returns all known bars for ticker with Timestamp in [start, asOf],
	// sorted ascending by timestamp.
	Bars(ctx context.Context, ticker string, start, asOf time.Time) ([]*types.OHLCV, error)
	// GetOHLCVBatch loads Bars for many tickers concurrently, bounded by an
	// internal worker pool. A ticker that fails to load is simply omitted
	// from the result rather than failing the whole batch.
	GetOHLCVBatch(ctx context.Context, tickers []string, start, asOf time.Time) (map[string][]*types.OHLCV, error)
	// GetFundamentals returns the most recent fundamentals snapshot known
	// for ticker as of asOf.
	GetFundamentals(ctx context.Context, ticker string, asOf time.Time) (*types.Fundamentals, error)
	// GetTechnicalIndicators computes the requested indicators (e.g. "atr",
	// "sma20", "sma50", "sma200") for ticker as of asOf. Indicators that
	// cannot be computed (insufficient history) are left nil/zero on the
	// result rather than erroring.
	GetTechnicalIndicators(ctx context.Context, ticker string, asOf time.Time, indicators ...string) (*types.TechnicalIndicators, error)
	// GetAvailableTickers returns every ticker with data covering [start,
	// end] in region, optionally filtered by a minimum as-of-end volume
	// and/or price. A nil filter is not applied.
	GetAvailableTickers(ctx context.Context, region string, start, end time.Time, minVolume, minPrice *decimal.Decimal) ([]string, error)
	// ClearCache drops all cached bar data, forcing the next read to reload
	// from the backing store.
	ClearCache()
	// GetCacheStats reports cache occupancy and hit/miss counters since the
	// last ClearCache.
	GetCacheStats() types.CacheStats
	// Tickers returns every ticker this provider has data for.
	Tickers() []string
	// DateRange returns the full [start, end] span of available data for a
	// ticker, independent of any as-of cutoff.
	DateRange(ticker string) (start, end time.Time, err error)
}

// ohlcvPreloadTask is a domain-typed workers.Task: loading one ticker's bar
// history as part of a GetOHLCVBatch fan-out.
type ohlcvPreloadTask struct {
	ticker string
	run    func() error
}

func (t ohlcvPreloadTask) Execute() error { return t.run() }

// FileStore is a Provider backed by one JSON file per ticker on disk, with
// an in-memory read cache. Each file holds a chronologically sorted array
// of OHLCV bars.
type FileStore struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]*types.OHLCV
	quality *QualityValidator

	hits   atomic.Int64
	misses atomic.Int64
}

// NewFileStore creates a FileStore rooted at dataDir, creating it if needed.
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, types.NewError(types.ErrDataUnavailable, "create data directory", err)
	}

	return &FileStore{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]*types.OHLCV),
		quality: NewStockQualityValidator(),
	}, nil
}

func (s *FileStore) load(ticker string) ([]*types.OHLCV, error) {
	s.mu.RLock()
	if cached, ok := s.cache[ticker]; ok {
		s.mu.RUnlock()
		s.hits.Add(1)
		return cached, nil
	}
	s.mu.RUnlock()
	s.misses.Add(1)

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s.json", ticker))
	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrDataMissing, ticker, err)
		}
		return nil, types.NewError(types.ErrDataUnavailable, ticker, err)
	}

	var bars []*types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, types.NewError(types.ErrDataUnavailable, ticker, err)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	report := s.quality.Validate(bars)
	if !report.IsUsable {
		s.logger.Warn("data quality below usable threshold",
			zap.String("ticker", ticker),
			zap.Int("score", report.Score),
		)
	}
	bars = s.quality.Clean(bars)

	s.mu.Lock()
	s.cache[ticker] = bars
	s.mu.Unlock()

	return bars, nil
}

// Bars implements Provider.
func (s *FileStore) Bars(ctx context.Context, ticker string, start, asOf time.Time) ([]*types.OHLCV, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bars, err := s.load(ticker)
	if err != nil {
		return nil, err
	}

	out := make([]*types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) {
			continue
		}
		if b.Timestamp.After(asOf) {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

// Tickers implements Provider by listing *.json files under dataDir.
func (s *FileStore) Tickers() []string {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil
	}
	var tickers []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" && name != "metadata.json" {
			tickers = append(tickers, name[:len(name)-len(".json")])
		}
	}
	sort.Strings(tickers)
	return tickers
}

// DateRange implements Provider.
func (s *FileStore) DateRange(ticker string) (start, end time.Time, err error) {
	bars, loadErr := s.load(ticker)
	if loadErr != nil {
		return time.Time{}, time.Time{}, loadErr
	}
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, types.NewError(types.ErrDataMissing, ticker, nil)
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, nil
}

// GetOHLCVBatch implements Provider using an internal worker pool bounded to
// two workers per CPU, the pool's I/O-bound default sizing.
func (s *FileStore) GetOHLCVBatch(ctx context.Context, tickers []string, start, asOf time.Time) (map[string][]*types.OHLCV, error) {
	pool := workers.NewPool(s.logger, workers.DefaultPoolConfig("ohlcv-batch"))
	pool.Start()
	defer pool.Stop()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string][]*types.OHLCV, len(tickers))

	for _, ticker := range tickers {
		ticker := ticker
		wg.Add(1)
		task := ohlcvPreloadTask{ticker: ticker, run: func() error {
			defer wg.Done()
			bars, err := s.Bars(ctx, ticker, start, asOf)
			if err != nil {
				s.logger.Warn("batch load failed for ticker", zap.String("ticker", ticker), zap.Error(err))
				return err
			}
			mu.Lock()
			results[ticker] = bars
			mu.Unlock()
			return nil
		}}
		if err := pool.Submit(task); err != nil {
			wg.Done()
		}
	}

	wg.Wait()
	return results, nil
}

// GetFundamentals implements Provider by reading an optional
// "<ticker>.fundamentals.json" sidecar file next to the ticker's bar data.
// A missing sidecar is not an error: it returns a bare Fundamentals with
// just the ticker and as-of date populated.
func (s *FileStore) GetFundamentals(ctx context.Context, ticker string, asOf time.Time) (*types.Fundamentals, error) {
	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s.fundamentals.json", ticker))
	raw, err := os.ReadFile(filename)
	if err != nil {
		return &types.Fundamentals{Ticker: ticker, AsOf: asOf}, nil
	}

	var fundamentals types.Fundamentals
	if err := json.Unmarshal(raw, &fundamentals); err != nil {
		return nil, types.NewError(types.ErrDataUnavailable, ticker, err)
	}
	fundamentals.Ticker = ticker
	fundamentals.AsOf = asOf
	return &fundamentals, nil
}

// GetTechnicalIndicators implements Provider, computing indicators from the
// bar history available through asOf.
func (s *FileStore) GetTechnicalIndicators(ctx context.Context, ticker string, asOf time.Time, indicators ...string) (*types.TechnicalIndicators, error) {
	bars, err := s.load(ticker)
	if err != nil {
		return nil, err
	}
	cutoff := make([]*types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.After(asOf) {
			break
		}
		cutoff = append(cutoff, b)
	}
	return computeIndicators(ticker, asOf, cutoff, indicators), nil
}

// GetAvailableTickers implements Provider by listing cached/on-disk tickers
// whose data spans [start, end] and whose most recent bar at or before end
// clears the optional minVolume/minPrice filters. Region is not modeled by
// FileStore's on-disk layout, so it is accepted but not filtered on.
func (s *FileStore) GetAvailableTickers(ctx context.Context, region string, start, end time.Time, minVolume, minPrice *decimal.Decimal) ([]string, error) {
	var out []string
	for _, ticker := range s.Tickers() {
		bars, err := s.Bars(ctx, ticker, start, end)
		if err != nil || len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		if minVolume != nil && last.Volume.LessThan(*minVolume) {
			continue
		}
		if minPrice != nil && last.Close.LessThan(*minPrice) {
			continue
		}
		out = append(out, ticker)
	}
	return out, nil
}

// ClearCache implements Provider.
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string][]*types.OHLCV)
	s.mu.Unlock()
	s.hits.Store(0)
	s.misses.Store(0)
}

// GetCacheStats implements Provider.
func (s *FileStore) GetCacheStats() types.CacheStats {
	s.mu.RLock()
	n := len(s.cache)
	s.mu.RUnlock()
	return types.CacheStats{
		TickersCached: n,
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
	}
}

// Save writes bars for a ticker to disk and refreshes the cache.
func (s *FileStore) Save(ticker string, bars []*types.OHLCV) error {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return types.NewError(types.ErrDataUnavailable, ticker, err)
	}

	filename := filepath.Join(s.dataDir, fmt.Sprintf("%s.json", ticker))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return types.NewError(types.ErrDataUnavailable, ticker, err)
	}

	s.mu.Lock()
	s.cache[ticker] = bars
	s.mu.Unlock()

	return nil
}

// MemoryProvider is a deterministic, seeded-PRNG fixture generator. It is
// used by tests, where a FileStore on disk would be unnecessary ceremony.
type MemoryProvider struct {
	mu   sync.RWMutex
	seed int64
	bars map[string][]*types.OHLCV

	hits   atomic.Int64
	misses atomic.Int64
}

// sectors known to MemoryProvider's deterministic fundamentals generator,
// cycling by a hash of the ticker so runs are repeatable.
var memoryProviderSectors = []string{"Technology", "Healthcare", "Financials", "Energy", "Consumer Discretionary", "Industrials"}

// NewMemoryProvider creates an empty MemoryProvider with a fixed seed, so
// repeated GenerateWalk calls across runs produce identical fixtures.
func NewMemoryProvider(seed int64) *MemoryProvider {
	return &MemoryProvider{seed: seed, bars: make(map[string][]*types.OHLCV)}
}

// GenerateWalk deterministically generates a daily random-walk price series
// for ticker between start and end (inclusive), seeded off the provider's
// seed and the ticker name so different tickers diverge.
func (m *MemoryProvider) GenerateWalk(ticker string, start, end time.Time, startPrice float64) {
	src := rand.New(rand.NewSource(m.seed + int64(hashTicker(ticker))))

	var bars []*types.OHLCV
	price := startPrice
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		change := (src.Float64() - 0.5) * 0.02 * price
		open := decimal.NewFromFloat(price)
		price += change
		if price <= 0 {
			price = 0.01
		}
		close := decimal.NewFromFloat(price)
		high := decimal.Max(open, close).Mul(decimal.NewFromFloat(1 + src.Float64()*0.005))
		low := decimal.Min(open, close).Mul(decimal.NewFromFloat(1 - src.Float64()*0.005))
		volume := decimal.NewFromFloat(100000 + src.Float64()*900000)

		bars = append(bars, &types.OHLCV{
			Timestamp: d,
			Ticker:    ticker,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
		})
	}

	m.mu.Lock()
	m.bars[ticker] = bars
	m.mu.Unlock()
}

func hashTicker(ticker string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(ticker); i++ {
		h ^= uint32(ticker[i])
		h *= 16777619
	}
	return h
}

// Bars implements Provider.
func (m *MemoryProvider) Bars(ctx context.Context, ticker string, start, asOf time.Time) ([]*types.OHLCV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars, ok := m.bars[ticker]
	if !ok {
		m.misses.Add(1)
		return nil, types.NewError(types.ErrDataMissing, ticker, nil)
	}
	m.hits.Add(1)

	out := make([]*types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(asOf) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// GetOHLCVBatch implements Provider using an internal worker pool, mirroring
// FileStore's concurrency model even though MemoryProvider's reads are
// already in-memory and cheap.
func (m *MemoryProvider) GetOHLCVBatch(ctx context.Context, tickers []string, start, asOf time.Time) (map[string][]*types.OHLCV, error) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("ohlcv-batch-memory"))
	pool.Start()
	defer pool.Stop()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string][]*types.OHLCV, len(tickers))

	for _, ticker := range tickers {
		ticker := ticker
		wg.Add(1)
		task := ohlcvPreloadTask{ticker: ticker, run: func() error {
			defer wg.Done()
			bars, err := m.Bars(ctx, ticker, start, asOf)
			if err != nil {
				return err
			}
			mu.Lock()
			results[ticker] = bars
			mu.Unlock()
			return nil
		}}
		if err := pool.Submit(task); err != nil {
			wg.Done()
		}
	}

	wg.Wait()
	return results, nil
}

// GetFundamentals implements Provider by deterministically deriving a
// sector from a hash of the ticker, so fixture-driven tests exercise
// sector-exposure logic without needing a real fundamentals feed.
func (m *MemoryProvider) GetFundamentals(ctx context.Context, ticker string, asOf time.Time) (*types.Fundamentals, error) {
	sector := memoryProviderSectors[int(hashTicker(ticker))%len(memoryProviderSectors)]
	return &types.Fundamentals{Ticker: ticker, AsOf: asOf, Sector: sector}, nil
}

// GetTechnicalIndicators implements Provider.
func (m *MemoryProvider) GetTechnicalIndicators(ctx context.Context, ticker string, asOf time.Time, indicators ...string) (*types.TechnicalIndicators, error) {
	m.mu.RLock()
	bars, ok := m.bars[ticker]
	m.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrDataMissing, ticker, nil)
	}

	cutoff := make([]*types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.After(asOf) {
			break
		}
		cutoff = append(cutoff, b)
	}
	return computeIndicators(ticker, asOf, cutoff, indicators), nil
}

// GetAvailableTickers implements Provider.
func (m *MemoryProvider) GetAvailableTickers(ctx context.Context, region string, start, end time.Time, minVolume, minPrice *decimal.Decimal) ([]string, error) {
	var out []string
	for _, ticker := range m.Tickers() {
		bars, err := m.Bars(ctx, ticker, start, end)
		if err != nil || len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		if minVolume != nil && last.Volume.LessThan(*minVolume) {
			continue
		}
		if minPrice != nil && last.Close.LessThan(*minPrice) {
			continue
		}
		out = append(out, ticker)
	}
	return out, nil
}

// ClearCache implements Provider. MemoryProvider has no backing store to
// reload from, so this only resets the hit/miss counters.
func (m *MemoryProvider) ClearCache() {
	m.hits.Store(0)
	m.misses.Store(0)
}

// GetCacheStats implements Provider.
func (m *MemoryProvider) GetCacheStats() types.CacheStats {
	m.mu.RLock()
	n := len(m.bars)
	m.mu.RUnlock()
	return types.CacheStats{
		TickersCached: n,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
	}
}

// Tickers implements Provider.
func (m *MemoryProvider) Tickers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tickers := make([]string, 0, len(m.bars))
	for t := range m.bars {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// DateRange implements Provider.
func (m *MemoryProvider) DateRange(ticker string) (start, end time.Time, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars, ok := m.bars[ticker]
	if !ok || len(bars) == 0 {
		return time.Time{}, time.Time{}, types.NewError(types.ErrDataMissing, ticker, nil)
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, nil
}
