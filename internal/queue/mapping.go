package queue

import (
	"sync"
	"time"
)

// Mapping is the in-memory exchange_order_id to local order id cache. Stream
// events arrive keyed by the exchange id; resolving through this cache avoids
// a DB read on the hot path. Entries expire so the map cannot grow unbounded
// when the fill monitor misses a terminal event.
type Mapping struct {
	mu      sync.RWMutex
	entries map[string]mappingEntry
	ttl     time.Duration
	now     func() time.Time
}

type mappingEntry struct {
	orderID   int64
	accountID int64
	expiresAt time.Time
}

// NewMapping builds a mapping cache with the given entry TTL (default 24h).
func NewMapping(ttl time.Duration) *Mapping {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mapping{
		entries: make(map[string]mappingEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register binds an exchange order id to a local order id.
func (m *Mapping) Register(exchangeOrderID string, accountID, orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[exchangeOrderID] = mappingEntry{
		orderID:   orderID,
		accountID: accountID,
		expiresAt: m.now().Add(m.ttl),
	}
}

// Lookup resolves an exchange order id. Expired entries miss.
func (m *Mapping) Lookup(exchangeOrderID string) (accountID, orderID int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, found := m.entries[exchangeOrderID]
	if !found || m.now().After(e.expiresAt) {
		return 0, 0, false
	}
	return e.accountID, e.orderID, true
}

// Forget drops the entry once the order settles.
func (m *Mapping) Forget(exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, exchangeOrderID)
}

// Sweep evicts expired entries. Run on a ticker.
func (m *Mapping) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// Len reports the number of live entries (diagnostics).
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
