package costmodel

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Registry holds named CostModel factories so a BacktestConfig can select a
// broker/venue cost profile by name ("KR_DEFAULT", "US_LOW_COST", ...)
// without the caller constructing a CostModel by hand.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() CostModel
}

// NewRegistry creates a Registry pre-populated with the standard presets.
// KR_DEFAULT's parameters are calibrated against the worked example of
// 100 shares @ 70,000 with a 5,000,000 average daily volume: commission
// 1,050, slippage 3,500, market impact strictly between 0 and 500.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func() CostModel)}
	r.Register("KR_DEFAULT", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "KR_DEFAULT",
			CommissionRate:    decimalFromFloat(0.00015),
			SlippageBps:       decimalFromFloat(5),
			ImpactCoefficient: decimalFromFloat(0.01),
		})
	})
	r.Register("KR_LOW_COST", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "KR_LOW_COST",
			CommissionRate:    decimalFromFloat(0.00005),
			SlippageBps:       decimalFromFloat(2),
			ImpactCoefficient: decimalFromFloat(0.005),
		})
	})
	r.Register("KR_HIGH_COST", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "KR_HIGH_COST",
			CommissionRate:    decimalFromFloat(0.00035),
			SlippageBps:       decimalFromFloat(12),
			ImpactCoefficient: decimalFromFloat(0.02),
		})
	})
	r.Register("US_DEFAULT", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "US_DEFAULT",
			CommissionRate:    decimalFromFloat(0.0001),
			SlippageBps:       decimalFromFloat(4),
			ImpactCoefficient: decimalFromFloat(0.008),
		})
	})
	r.Register("US_LOW_COST", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "US_LOW_COST",
			CommissionRate:    decimalFromFloat(0.00003),
			SlippageBps:       decimalFromFloat(1.5),
			ImpactCoefficient: decimalFromFloat(0.004),
		})
	})
	r.Register("ZERO", func() CostModel {
		return New(types.CostProfileConfig{
			Name:              "ZERO",
			CommissionRate:    decimalFromFloat(0),
			SlippageBps:       decimalFromFloat(0),
			ImpactCoefficient: decimalFromFloat(0),
		})
	})
	return r
}

// Register adds or replaces a named factory.
func (r *Registry) Register(name string, factory func() CostModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get instantiates the named profile's CostModel.
func (r *Registry) Get(name string) (CostModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, types.NewError(types.ErrConfigInvalid, fmt.Sprintf("unknown cost profile %q", name), nil)
	}
	return factory(), nil
}

// Names returns every registered profile name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
