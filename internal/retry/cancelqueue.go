// Package retry hosts the durable convergence engines: the cancel-queue
// worker and the failed-order manager. Both follow the same philosophy of
// bounded exponential retries with forward-only terminal states.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/events"
	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// Backoff returns the delay before retry n (0-based): min(60·2^n, 3600)s.
func Backoff(n int) time.Duration {
	d := 60 * time.Second << n
	if d > time.Hour || d <= 0 {
		return time.Hour
	}
	return d
}

// CancelWorker drains the cancel queue: it claims due intents, calls the
// exchange and settles each item as SUCCESS, FAILED or rescheduled.
type CancelWorker struct {
	database *db.Database
	adapters *exchange.Registry
	limiters *exchange.LimiterRegistry
	bus      *events.Bus
	log      *logrus.Entry

	interval        time.Duration
	batchSize       int
	exchangeTimeout time.Duration
}

// NewCancelWorker wires the worker. interval is the poll period.
func NewCancelWorker(database *db.Database, adapters *exchange.Registry,
	limiters *exchange.LimiterRegistry, bus *events.Bus,
	interval, exchangeTimeout time.Duration) *CancelWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if exchangeTimeout <= 0 {
		exchangeTimeout = 30 * time.Second
	}
	return &CancelWorker{
		database:        database,
		adapters:        adapters,
		limiters:        limiters,
		bus:             bus,
		log:             logrus.WithField("component", "cancel-worker"),
		interval:        interval,
		batchSize:       50,
		exchangeTimeout: exchangeTimeout,
	}
}

// Run polls until ctx is done.
func (w *CancelWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims one batch and processes it, grouped per exchange so one slow
// venue cannot stall the rest.
func (w *CancelWorker) Tick(ctx context.Context) {
	items, err := w.database.ClaimDueCancels(ctx, w.batchSize)
	if err != nil {
		w.log.Errorf("claim due cancels: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}

	groups := make(map[string][]db.CancelQueueItem)
	for _, item := range items {
		adapter, err := w.adapters.For(item.AccountID)
		if err != nil {
			w.resolveFailed(ctx, item, err)
			continue
		}
		groups[adapter.Name()] = append(groups[adapter.Name()], item)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []db.CancelQueueItem) {
			defer wg.Done()
			for _, item := range group {
				w.process(ctx, item)
			}
		}(group)
	}
	wg.Wait()
}

func (w *CancelWorker) process(ctx context.Context, item db.CancelQueueItem) {
	repo := w.database.Repo()

	order, err := repo.GetOpenOrder(ctx, item.OrderID)
	if errors.Is(err, db.ErrNotFound) {
		// Row already settled locally; nothing left to cancel.
		w.resolveSuccess(ctx, item)
		return
	}
	if err != nil {
		w.log.Errorf("cancel item %d: load order: %v", item.ID, err)
		return
	}

	adapter, err := w.adapters.For(item.AccountID)
	if err != nil {
		w.resolveFailed(ctx, item, err)
		return
	}
	if w.limiters != nil {
		if err := w.limiters.For(adapter.Name()).Acquire(ctx); err != nil {
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.exchangeTimeout)
	_, err = adapter.CancelOrder(callCtx, adapter.NormalizeSymbol(order.Symbol), order.ExchangeOrderID)
	cancel()

	switch {
	case err == nil, exchange.IsOrderNotFound(err):
		// Cancelling an already-gone order is success: the intent converged.
		w.resolveSuccess(ctx, item)

	case exchange.Permanent(err):
		w.resolveFailed(ctx, item, err)
		if exchange.IsAuth(err) && w.bus != nil {
			w.bus.Publish(events.EventCriticalAlert, events.Alert{
				Source:  "cancel-worker",
				Message: fmt.Sprintf("account %d cancel rejected for auth", item.AccountID),
			})
		}

	default:
		// Retriable: timeout, network, 5xx, 429.
		if item.RetryCount+1 >= item.MaxRetries {
			w.resolveFailed(ctx, item, fmt.Errorf("retries exhausted: %w", err))
			return
		}
		next := time.Now().UTC().Add(Backoff(item.RetryCount))
		if rerr := repo.RescheduleCancel(ctx, item.ID, next, exchange.SanitizeError(err.Error())); rerr != nil {
			w.log.Errorf("reschedule cancel %d: %v", item.ID, rerr)
		}
	}
}

func (w *CancelWorker) resolveSuccess(ctx context.Context, item db.CancelQueueItem) {
	if err := w.database.Repo().ResolveCancel(ctx, item.ID, db.CancelSuccess, ""); err != nil {
		w.log.Errorf("resolve cancel %d: %v", item.ID, err)
	}
}

func (w *CancelWorker) resolveFailed(ctx context.Context, item db.CancelQueueItem, cause error) {
	msg := exchange.SanitizeError(cause.Error())
	w.log.WithFields(logrus.Fields{
		"cancel_id": item.ID, "order_id": item.OrderID,
	}).Errorf("cancel failed permanently: %s", msg)
	if err := w.database.Repo().ResolveCancel(ctx, item.ID, db.CancelFailed, msg); err != nil {
		w.log.Errorf("resolve cancel %d: %v", item.ID, err)
	}
}
