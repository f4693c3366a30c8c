// Package pricing holds the TTL-bounded last-price cache and the FX rate
// lookup. FX is deliberately fail-hard: capital math must never run on a
// stale or synthesized rate.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PriceKey identifies one cached price.
type PriceKey struct {
	Exchange   string
	MarketType string
	Symbol     string
}

type entry struct {
	price float64
	ts    time.Time
}

// Refresher fetches fresh prices for a batch of keys.
type Refresher interface {
	RefreshPrices(ctx context.Context, keys []PriceKey) (map[PriceKey]float64, error)
}

// Cache is a thread-safe TTL price store with best-effort batch refresh.
type Cache struct {
	mu        sync.RWMutex
	entries   map[PriceKey]entry
	ttl       time.Duration
	refresher Refresher
	log       *logrus.Entry
	now       func() time.Time
}

const staleAlertAge = time.Hour

// NewCache builds a cache with the given TTL (default 30s).
func NewCache(ttl time.Duration, refresher Refresher) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		entries:   make(map[PriceKey]entry),
		ttl:       ttl,
		refresher: refresher,
		log:       logrus.WithField("component", "price-cache"),
		now:       time.Now,
	}
}

// Set stores a price observation.
func (c *Cache) Set(k PriceKey, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = entry{price: price, ts: c.now()}
}

// GetPrice returns the cached price iff fresh; otherwise it attempts one
// batch refresh and serves the result.
func (c *Cache) GetPrice(ctx context.Context, k PriceKey) (float64, error) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if ok {
		age := c.now().Sub(e.ts)
		if age >= staleAlertAge {
			c.log.Errorf("CRITICAL: price for %s/%s %s is %s old", k.Exchange, k.MarketType, k.Symbol, age)
		}
		if age < c.ttl {
			return e.price, nil
		}
	}

	if c.refresher == nil {
		if ok {
			// Best effort: a stale price beats none for non-capital reads.
			return e.price, nil
		}
		return 0, fmt.Errorf("no price for %s/%s %s", k.Exchange, k.MarketType, k.Symbol)
	}

	fresh, err := c.refresher.RefreshPrices(ctx, []PriceKey{k})
	if err != nil {
		if ok {
			c.log.Warnf("price refresh failed, serving stale %s: %v", k.Symbol, err)
			return e.price, nil
		}
		return 0, fmt.Errorf("refresh price for %s: %w", k.Symbol, err)
	}
	p, ok2 := fresh[k]
	if !ok2 {
		if ok {
			return e.price, nil
		}
		return 0, fmt.Errorf("no price for %s/%s %s", k.Exchange, k.MarketType, k.Symbol)
	}
	c.Set(k, p)
	return p, nil
}

// SweepStale logs CRITICAL for entries older than an hour even if unused.
// Run it on a ticker from the composition root.
func (c *Cache) SweepStale() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for k, e := range c.entries {
		if age := now.Sub(e.ts); age >= staleAlertAge {
			c.log.Errorf("CRITICAL: price for %s/%s %s is %s old", k.Exchange, k.MarketType, k.Symbol, age)
		}
	}
}
