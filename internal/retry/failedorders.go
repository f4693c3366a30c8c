package retry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/internal/queue"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// FailedOrderWorker re-drives durable create/cancel failures. CREATE retries
// go back through the queue manager so the re-created order is tracked like
// any other; CANCEL retries re-enter the durable cancel path.
type FailedOrderWorker struct {
	database *db.Database
	queue    *queue.Manager
	log      *logrus.Entry

	interval  time.Duration
	batchSize int
}

// NewFailedOrderWorker wires the worker.
func NewFailedOrderWorker(database *db.Database, qm *queue.Manager, interval time.Duration) *FailedOrderWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FailedOrderWorker{
		database:  database,
		queue:     qm,
		log:       logrus.WithField("component", "failed-order-worker"),
		interval:  interval,
		batchSize: 20,
	}
}

// Run polls until ctx is done.
func (w *FailedOrderWorker) Run(ctx context.Context) {
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

// Tick retries one batch of pending failures.
func (w *FailedOrderWorker) Tick(ctx context.Context) {
	items, err := w.database.Repo().PendingFailedOrders(ctx, w.batchSize)
	if err != nil {
		w.log.Errorf("list pending failed orders: %v", err)
		return
	}
	for _, item := range items {
		switch item.OperationType {
		case db.OpCreate:
			w.retryCreate(ctx, item)
		case db.OpCancel:
			w.retryCancel(ctx, item)
		default:
			w.log.Errorf("failed order %d has unknown operation %q", item.ID, item.OperationType)
		}
	}
}

// savedParams mirrors the order_params JSON written at failure time.
type savedParams struct {
	Priority          int     `json:"priority"`
	SortPrice         float64 `json:"sort_price"`
	WebhookReceivedAt string  `json:"webhook_received_at"`
}

func (w *FailedOrderWorker) retryCreate(ctx context.Context, item db.FailedOrder) {
	repo := w.database.Repo()

	account, err := repo.GetAccount(ctx, item.AccountID)
	if err != nil {
		w.bump(ctx, item, err)
		return
	}

	var params savedParams
	if item.OrderParams != "" {
		if err := json.Unmarshal([]byte(item.OrderParams), &params); err != nil {
			w.log.Errorf("failed order %d: bad order_params: %v", item.ID, err)
		}
	}
	receivedAt := item.CreatedAt
	if ts, err := time.Parse(time.RFC3339Nano, params.WebhookReceivedAt); err == nil {
		receivedAt = ts
	}

	_, err = w.queue.Enqueue(ctx, queue.Intent{
		StrategyAccountID: item.StrategyAccountID,
		AccountID:         item.AccountID,
		Exchange:          account.Exchange,
		Symbol:            item.Symbol,
		Side:              item.Side,
		OrderType:         item.OrderType,
		Price:             item.Price,
		StopPrice:         item.StopPrice,
		Quantity:          item.Quantity,
		MarketType:        item.MarketType,
		Priority:          params.Priority,
		SortPrice:         params.SortPrice,
		WebhookReceivedAt: receivedAt,
	})
	if err != nil {
		w.bump(ctx, item, err)
		return
	}
	if rerr := repo.ResolveFailedOrder(ctx, item.ID, db.FailedRemoved); rerr != nil {
		w.log.Errorf("resolve failed order %d: %v", item.ID, rerr)
	}
}

func (w *FailedOrderWorker) retryCancel(ctx context.Context, item db.FailedOrder) {
	repo := w.database.Repo()

	_, err := repo.GetOpenOrder(ctx, item.OriginalOrderID)
	if errors.Is(err, db.ErrNotFound) {
		// The order is gone; the cancel intent is already satisfied.
		if rerr := repo.ResolveFailedOrder(ctx, item.ID, db.FailedCompleted); rerr != nil {
			w.log.Errorf("resolve failed order %d: %v", item.ID, rerr)
		}
		return
	}
	if err != nil {
		w.bump(ctx, item, err)
		return
	}

	if err := w.queue.RequestCancel(ctx, item.OriginalOrderID); err != nil {
		if errors.Is(err, db.ErrTerminalStatus) || errors.Is(err, db.ErrNotFound) {
			if rerr := repo.ResolveFailedOrder(ctx, item.ID, db.FailedCompleted); rerr != nil {
				w.log.Errorf("resolve failed order %d: %v", item.ID, rerr)
			}
			return
		}
		w.bump(ctx, item, err)
		return
	}
	if rerr := repo.ResolveFailedOrder(ctx, item.ID, db.FailedCompleted); rerr != nil {
		w.log.Errorf("resolve failed order %d: %v", item.ID, rerr)
	}
}

func (w *FailedOrderWorker) bump(ctx context.Context, item db.FailedOrder, cause error) {
	msg := exchange.SanitizeError(cause.Error())
	w.log.WithField("failed_order_id", item.ID).Warnf("retry failed: %s", msg)
	if err := w.database.Repo().BumpFailedOrderRetry(ctx, item.ID, msg); err != nil {
		w.log.Errorf("bump failed order %d: %v", item.ID, err)
	}
}
