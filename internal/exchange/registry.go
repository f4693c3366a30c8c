package exchange

import (
	"fmt"
	"sync"
)

// Registry maps account ids to their adapters. Built once at startup by the
// composition root; adapters own their credentials.
type Registry struct {
	mu       sync.RWMutex
	adapters map[int64]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int64]Adapter)}
}

// Register binds an adapter to an account id.
func (r *Registry) Register(accountID int64, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[accountID] = a
}

// For returns the adapter bound to an account.
func (r *Registry) For(accountID int64) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[accountID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for account %d", accountID)
	}
	return a, nil
}

// Accounts returns every registered account id.
func (r *Registry) Accounts() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
