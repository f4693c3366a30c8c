package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 10
	defaultBurst         = 50
)

// Limiter gates API usage for one exchange with a token bucket.
// Acquire blocks cooperatively until a slot opens or ctx expires.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter builds a limiter for reqPerSecond with the standard burst window.
func NewLimiter(reqPerSecond float64) *Limiter {
	if reqPerSecond <= 0 {
		reqPerSecond = defaultRatePerSecond
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(reqPerSecond), defaultBurst)}
}

// Acquire waits for a request slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// LimiterRegistry hands out one shared limiter per exchange so that every
// account on the same venue draws from the same budget.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rateFor  func(exchange string) float64
}

// NewLimiterRegistry builds a registry; rateFor resolves the configured
// req/s for an exchange (nil means defaults).
func NewLimiterRegistry(rateFor func(exchange string) float64) *LimiterRegistry {
	return &LimiterRegistry{
		limiters: make(map[string]*Limiter),
		rateFor:  rateFor,
	}
}

// For returns the limiter for an exchange, creating it on first use.
func (r *LimiterRegistry) For(exchange string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[exchange]; ok {
		return l
	}
	rps := float64(defaultRatePerSecond)
	if r.rateFor != nil {
		rps = r.rateFor(exchange)
	}
	l := NewLimiter(rps)
	r.limiters[exchange] = l
	return l
}
