// Package locks provides the process-local keyed lock registry used to
// serialize webhook handling per (strategy, symbol) and rebalance per
// (account, symbol).
//
// Locks are not reentrant: a holder re-acquiring its own key blocks until the
// timeout. Callers keep key namespaces disjoint (webhook:* vs bucket:*) so a
// single flow never takes the same key twice.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTooManyLocks is returned when the registry cap is reached.
var ErrTooManyLocks = errors.New("lock registry at capacity")

// ErrLockTimeout is returned when a lock cannot be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const slowAcquireWarn = 5 * time.Second

type keyedLock struct {
	ch   chan struct{} // 1-buffered; holding the token = holding the lock
	refs int
}

// Registry hands out named locks. The registry map itself is guarded by a
// meta-lock; a global cap bounds memory under pathological key churn.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]*keyedLock
	maxSize int
	log     *logrus.Entry
}

// NewRegistry builds a registry capped at maxSize live locks.
func NewRegistry(maxSize int) *Registry {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Registry{
		locks:   make(map[string]*keyedLock),
		maxSize: maxSize,
		log:     logrus.WithField("component", "lock-registry"),
	}
}

func (r *Registry) ref(key string) (*keyedLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		if len(r.locks) >= r.maxSize {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyLocks, r.maxSize)
		}
		l = &keyedLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		r.locks[key] = l
	}
	l.refs++
	return l, nil
}

func (r *Registry) unref(key string, l *keyedLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
}

// Acquire takes the named lock, waiting up to timeout. The returned release
// function must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	l, err := r.ref(key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ch:
		if waited := time.Since(start); waited > slowAcquireWarn {
			r.log.Warnf("slow lock acquisition for %q: waited %s", key, waited)
		}
		released := false
		release := func() {
			if released {
				return
			}
			released = true
			l.ch <- struct{}{}
			r.unref(key, l)
		}
		return release, nil
	case <-timer.C:
		r.unref(key, l)
		return nil, fmt.Errorf("%w: %q after %s", ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		r.unref(key, l)
		return nil, ctx.Err()
	}
}

// AcquireAll takes several named locks in deterministic sorted order so two
// callers locking overlapping sets cannot deadlock. On any failure every
// already-held lock is released.
func (r *Registry) AcquireAll(ctx context.Context, keys []string, timeout time.Duration) (func(), error) {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		// Release in reverse acquisition order.
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range sorted {
		release, err := r.Acquire(ctx, key, timeout)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Len reports the number of live locks (diagnostics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
