// Package fills tracks private-stream order events, REST-confirms them and
// settles fills, trades, positions and the bucket rebalance in one
// transaction per event.
package fills

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/events"
	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/internal/position"
	"github.com/binee108/webserver-sub003/internal/queue"
	"github.com/binee108/webserver-sub003/pkg/db"
)

const (
	fetchConfirmTimeout = 5 * time.Second
	reconcileBackoffMin = 5 * time.Second
	reconcileBackoffMax = 5 * time.Minute
	maxReconcileRetries = 8

	supervisorBackoffMin = time.Second
	supervisorBackoffMax = 60 * time.Second

	sweepBatchSize = 100
)

// errSettleSkipped means another worker holds the order's processing lock.
var errSettleSkipped = errors.New("order held by another worker")

// Monitor supervises one private stream per account and settles its events.
type Monitor struct {
	database   *db.Database
	adapters   *exchange.Registry
	queue      *queue.Manager
	mapping    *queue.Mapping
	reconciler *position.Reconciler
	bus        *events.Bus
	log        *logrus.Entry
}

// NewMonitor wires the fill monitor.
func NewMonitor(database *db.Database, adapters *exchange.Registry, qm *queue.Manager,
	mapping *queue.Mapping, reconciler *position.Reconciler, bus *events.Bus) *Monitor {
	return &Monitor{
		database:   database,
		adapters:   adapters,
		queue:      qm,
		mapping:    mapping,
		reconciler: reconciler,
		bus:        bus,
		log:        logrus.WithField("component", "fill-monitor"),
	}
}

// Start launches one stream supervisor per registered account.
func (m *Monitor) Start(ctx context.Context) {
	for _, accountID := range m.adapters.Accounts() {
		go m.supervise(ctx, accountID)
	}
}

// StartSweep periodically REST-confirms orders the stream has gone quiet on:
// rows older than staleAfter with no processing lock, and CANCELLING rows
// whose cancel attempt never confirmed. Each one goes through the normal
// settle path, so a fill or cancel whose stream event was lost still lands.
func (m *Monitor) StartSweep(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx, staleAfter)
			}
		}
	}()
}

func (m *Monitor) sweepOnce(ctx context.Context, staleAfter time.Duration) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	orders, err := m.database.Repo().ListStaleOpenOrders(ctx, cutoff, sweepBatchSize)
	if err != nil {
		m.log.Errorf("sweep: list stale orders: %v", err)
		return
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		err := m.Settle(ctx, o.AccountID, o.ID)
		if err != nil && !errors.Is(err, errSettleSkipped) && !errors.Is(err, db.ErrNotFound) {
			m.log.Warnf("sweep: settle order %d: %v", o.ID, err)
		}
	}
}

// supervise keeps the account's private stream alive. A credential rejection
// is terminal for the loop: operators are alerted and the stream stays down
// until a restart with fixed keys.
func (m *Monitor) supervise(ctx context.Context, accountID int64) {
	adapter, err := m.adapters.For(accountID)
	if err != nil {
		m.log.Errorf("account %d: %v", accountID, err)
		return
	}
	log := m.log.WithField("account_id", accountID)

	backoff := supervisorBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := adapter.SubscribePrivateOrders(ctx, func(ev exchange.StreamEvent) {
			m.handleEvent(ctx, accountID, ev)
		})
		if ctx.Err() != nil {
			return
		}
		if exchange.IsAuth(err) {
			log.Errorf("CRITICAL: private stream auth rejected: %v", err)
			if m.bus != nil {
				m.bus.Publish(events.EventCriticalAlert, events.Alert{
					Source:  "fill-monitor",
					Message: fmt.Sprintf("account %d private stream auth rejected", accountID),
				})
			}
			return
		}
		log.Warnf("private stream ended: %v; restarting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > supervisorBackoffMax {
			backoff = supervisorBackoffMax
		}
	}
}

// handleEvent resolves a stream event to a local order and settles it. Events
// for unknown orders are dropped; the REST sweep repairs any drift.
func (m *Monitor) handleEvent(ctx context.Context, accountID int64, ev exchange.StreamEvent) {
	if ev.ExchangeOrderID == "" {
		if bytes.Contains(ev.Raw, []byte("order")) {
			m.log.Errorf("CRITICAL: unparseable order-topic message for account %d, dropping", accountID)
			if m.bus != nil {
				m.bus.Publish(events.EventCriticalAlert, events.Alert{
					Source:  "fill-monitor",
					Message: fmt.Sprintf("account %d: unparseable order stream message", accountID),
				})
			}
		}
		return
	}

	orderID, ok := m.resolve(ctx, accountID, ev.ExchangeOrderID)
	if !ok {
		m.log.WithFields(logrus.Fields{
			"account_id": accountID, "exchange_order_id": ev.ExchangeOrderID,
		}).Debug("event for unknown order dropped")
		return
	}
	m.settleWithRetry(ctx, accountID, orderID, 0)
}

func (m *Monitor) resolve(ctx context.Context, accountID int64, exchangeOrderID string) (int64, bool) {
	order, err := m.database.Repo().GetOpenOrderByExchangeID(ctx, accountID, exchangeOrderID)
	if err == nil {
		return order.ID, true
	}
	if !errors.Is(err, db.ErrNotFound) {
		m.log.Errorf("resolve %s: %v", exchangeOrderID, err)
		return 0, false
	}
	// The creation tx may not have committed yet; the mapping cache is
	// registered before commit and bridges that race.
	mappedAccount, orderID, ok := m.mapping.Lookup(exchangeOrderID)
	if !ok || mappedAccount != accountID {
		return 0, false
	}
	return orderID, true
}

func (m *Monitor) settleWithRetry(ctx context.Context, accountID, orderID int64, attempt int) {
	err := m.Settle(ctx, accountID, orderID)
	if err == nil || errors.Is(err, errSettleSkipped) || errors.Is(err, db.ErrNotFound) {
		return
	}
	if attempt >= maxReconcileRetries {
		m.log.Errorf("CRITICAL: settlement for order %d abandoned after %d attempts: %v",
			orderID, attempt, err)
		if m.bus != nil {
			m.bus.Publish(events.EventCriticalAlert, events.Alert{
				Source:  "fill-monitor",
				Message: fmt.Sprintf("order %d settlement abandoned: %v", orderID, exchange.SanitizeError(err.Error())),
			})
		}
		return
	}
	delay := reconcileBackoffMin << attempt
	if delay > reconcileBackoffMax {
		delay = reconcileBackoffMax
	}
	m.log.Warnf("settlement for order %d failed (attempt %d): %v; retrying in %s",
		orderID, attempt, err, delay)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		m.settleWithRetry(ctx, accountID, orderID, attempt+1)
	})
}

// Settle REST-confirms one order and applies the outcome in a single
// transaction: terminal orders settle a trade, update the position and leave
// the table; live ones only advance filled_qty. The bucket rebalance runs in
// the same transaction so the bucket is never observed under-filled.
func (m *Monitor) Settle(ctx context.Context, accountID, orderID int64) error {
	repo := m.database.Repo()
	order, err := repo.GetOpenOrder(ctx, orderID)
	if err != nil {
		return err
	}
	adapter, err := m.adapters.For(accountID)
	if err != nil {
		return err
	}

	// The stream status is advisory only; the REST response decides.
	fetchCtx, cancel := context.WithTimeout(ctx, fetchConfirmTimeout)
	confirmed, err := adapter.FetchOrder(fetchCtx, adapter.NormalizeSymbol(order.Symbol),
		order.ExchangeOrderID, exchange.MarketType(order.MarketType))
	cancel()
	if err != nil {
		if exchange.IsOrderNotFound(err) {
			// Gone on the exchange: settle as cancelled at the last known
			// filled quantity.
			confirmed = &exchange.Order{
				ExchangeOrderID: order.ExchangeOrderID,
				Status:          exchange.StatusCancelled,
				FilledQuantity:  order.FilledQuantity,
				AveragePrice:    order.Price,
			}
		} else {
			return fmt.Errorf("confirm order %d: %w", orderID, err)
		}
	}

	release, err := m.queue.LockBucket(ctx, accountID, order.Symbol)
	if err != nil {
		return err
	}
	defer release()

	terminal := confirmed.Status.Terminal()
	var settledEvent *events.OrderEvent

	err = m.database.InTx(ctx, func(tx *sql.Tx) error {
		txRepo := repo.WithTx(tx)

		got, err := txRepo.TryAcquireProcessingLock(ctx, orderID)
		if err != nil {
			return err
		}
		if !got {
			return errSettleSkipped
		}

		if !terminal {
			if err := txRepo.UpdateFilledQty(ctx, orderID, confirmed.FilledQuantity); err != nil {
				return err
			}
			return txRepo.ReleaseProcessingLock(ctx, orderID)
		}

		if confirmed.FilledQuantity > 0 {
			exists, err := txRepo.TradeExists(ctx, order.ExchangeOrderID)
			if err != nil {
				return err
			}
			if !exists {
				fillPrice := confirmed.AveragePrice
				if fillPrice == 0 {
					fillPrice = order.Price
				}
				res, err := m.reconciler.ApplyFill(ctx, txRepo, position.Fill{
					StrategyAccountID: order.StrategyAccountID,
					Symbol:            order.Symbol,
					Side:              order.Side,
					Quantity:          confirmed.FilledQuantity,
					Price:             fillPrice,
				})
				if err != nil {
					return err
				}
				if _, err := txRepo.InsertTrade(ctx, db.Trade{
					StrategyAccountID: order.StrategyAccountID,
					ExchangeOrderID:   order.ExchangeOrderID,
					Symbol:            order.Symbol,
					Side:              order.Side,
					Quantity:          confirmed.FilledQuantity,
					OrderPrice:        order.Price,
					AveragePrice:      fillPrice,
					Fee:               confirmed.Fee,
					RealizedPnL:       res.RealizedPnL,
					IsEntry:           res.IsEntry,
					MarketType:        order.MarketType,
					Timestamp:         time.Now().UTC(),
				}); err != nil {
					return err
				}
			}
		}

		if err := txRepo.DeleteOpenOrder(ctx, orderID); err != nil {
			return err
		}

		settledEvent = &events.OrderEvent{
			AccountID:         accountID,
			StrategyAccountID: order.StrategyAccountID,
			Exchange:          adapter.Name(),
			ExchangeOrderID:   order.ExchangeOrderID,
			Symbol:            order.Symbol,
			Side:              order.Side,
			OrderType:         order.OrderType,
			Quantity:          confirmed.FilledQuantity,
			Price:             confirmed.AveragePrice,
			Status:            string(confirmed.Status),
		}

		// Same transaction: a freed slot must be refilled atomically.
		return m.queue.RebalanceTx(ctx, tx, accountID, order.Symbol, adapter.Name(), order.MarketType)
	})
	if err != nil {
		return err
	}

	if terminal {
		m.mapping.Forget(order.ExchangeOrderID)
		if m.bus != nil && settledEvent != nil {
			topic := events.EventOrderCancelled
			if confirmed.Status == exchange.StatusFilled {
				topic = events.EventOrderFilled
			}
			m.bus.Publish(topic, *settledEvent)
		}
	}
	return nil
}
