// Package symbols validates order quantities and prices against per-symbol
// exchange filters. Unknown symbols are rejected: trading a symbol whose
// filters are not cached would risk exchange-side rejects or worse fills.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrSymbolUnknown is returned on a market-info cache miss (fail-closed).
var ErrSymbolUnknown = errors.New("symbol filters not loaded")

// MarketInfo holds one symbol's trading filters.
type MarketInfo struct {
	MinQty          float64
	MaxQty          float64
	StepSize        float64
	TickSize        float64
	MinNotional     float64
	PricePrecision  int
	AmountPrecision int
}

// Source loads filters for every symbol of one exchange/market. Exchanges
// with fixed published rules can serve this from a table; API-based ones
// fetch it.
type Source interface {
	LoadMarketInfo(ctx context.Context) (map[Key]MarketInfo, error)
	// NeedsRefresh reports whether filters can drift and require periodic reload.
	NeedsRefresh() bool
}

// Key identifies a filter set.
type Key struct {
	Exchange   string
	Symbol     string
	MarketType string
}

// Validator is the in-memory filter cache plus the rounding rules.
type Validator struct {
	mu      sync.RWMutex
	info    map[Key]MarketInfo
	sources []Source
	log     *logrus.Entry
}

// NewValidator builds a validator over the given sources.
func NewValidator(sources ...Source) *Validator {
	return &Validator{
		info:    make(map[Key]MarketInfo),
		sources: sources,
		log:     logrus.WithField("component", "symbol-validator"),
	}
}

// Load populates the cache from every source. Called at startup.
func (v *Validator) Load(ctx context.Context) error {
	for _, src := range v.sources {
		m, err := src.LoadMarketInfo(ctx)
		if err != nil {
			return fmt.Errorf("load market info: %w", err)
		}
		v.mu.Lock()
		for k, mi := range m {
			v.info[k] = mi
		}
		v.mu.Unlock()
	}
	return nil
}

// StartRefresh periodically reloads filters for sources that need it.
func (v *Validator) StartRefresh(ctx context.Context, interval time.Duration) {
	refreshable := false
	for _, src := range v.sources {
		if src.NeedsRefresh() {
			refreshable = true
		}
	}
	if !refreshable {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, src := range v.sources {
					if !src.NeedsRefresh() {
						continue
					}
					m, err := src.LoadMarketInfo(ctx)
					if err != nil {
						v.log.Warnf("market info refresh failed: %v", err)
						continue
					}
					v.mu.Lock()
					for k, mi := range m {
						v.info[k] = mi
					}
					v.mu.Unlock()
				}
			}
		}
	}()
}

// Put inserts filters directly (startup seeding and tests).
func (v *Validator) Put(k Key, mi MarketInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info[k] = mi
}

// Get returns the cached filters for a symbol.
func (v *Validator) Get(k Key) (MarketInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	mi, ok := v.info[k]
	return mi, ok
}

// ValidateOrder rounds qty and price DOWN to the symbol's step and tick and
// rejects orders below the minimum quantity or notional. price == 0 means a
// market order priced by the venue; the notional check then uses refPrice.
func (v *Validator) ValidateOrder(exchange, symbol, marketType string, qty, price, refPrice float64) (adjQty, adjPrice float64, err error) {
	mi, ok := v.Get(Key{Exchange: exchange, Symbol: symbol, MarketType: marketType})
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s %s %s", ErrSymbolUnknown, exchange, symbol, marketType)
	}

	adjQty = roundDownToStep(qty, mi.StepSize, mi.AmountPrecision)
	adjPrice = price
	if price > 0 {
		adjPrice = roundDownToStep(price, mi.TickSize, mi.PricePrecision)
	}

	if adjQty < mi.MinQty || adjQty <= 0 {
		return 0, 0, fmt.Errorf("quantity %v below minimum %v for %s", adjQty, mi.MinQty, symbol)
	}
	if mi.MaxQty > 0 && adjQty > mi.MaxQty {
		return 0, 0, fmt.Errorf("quantity %v above maximum %v for %s", adjQty, mi.MaxQty, symbol)
	}

	notionalPrice := adjPrice
	if notionalPrice == 0 {
		notionalPrice = refPrice
	}
	if mi.MinNotional > 0 && notionalPrice > 0 && adjQty*notionalPrice < mi.MinNotional {
		return 0, 0, fmt.Errorf("notional %v below minimum %v for %s",
			adjQty*notionalPrice, mi.MinNotional, symbol)
	}
	return adjQty, adjPrice, nil
}

// roundDownToStep floors value to a multiple of step. ROUND_DOWN is the
// repo-wide precision policy; exchanges reject over-precise values, and
// flooring never over-commits capital.
func roundDownToStep(value, step float64, precision int) float64 {
	d := decimal.NewFromFloat(value)
	if step > 0 {
		s := decimal.NewFromFloat(step)
		d = d.Div(s).Floor().Mul(s)
	}
	if precision >= 0 {
		d = d.RoundDown(int32(precision))
	}
	f, _ := d.Float64()
	return f
}
