// Package queue owns the per-(account, symbol) order buckets: which intents
// are live on the exchange and which wait in pending_orders, under the
// venue's open-order and stop-order limits.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/events"
	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/internal/locks"
	"github.com/binee108/webserver-sub003/internal/position"
	"github.com/binee108/webserver-sub003/internal/pricing"
	"github.com/binee108/webserver-sub003/internal/symbols"
	"github.com/binee108/webserver-sub003/pkg/db"
)

// Limits are a venue's per-symbol order caps.
type Limits struct {
	MaxOpen  int
	MaxStops int
}

// DefaultLimits is used when no per-exchange override is configured.
var DefaultLimits = Limits{MaxOpen: 10, MaxStops: 5}

// LimitsFunc resolves the caps for an exchange/market pair.
type LimitsFunc func(exchangeName, marketType string) Limits

// Intent is a sized, validated-or-to-be-validated order request bound to one
// account. Priority: lower is more urgent. SortPrice breaks priority ties;
// WebhookReceivedAt breaks those, and it must survive every
// pending/open conversion unchanged.
type Intent struct {
	StrategyAccountID int64
	AccountID         int64
	Exchange          string
	Symbol            string
	Side              string
	OrderType         string
	Price             float64
	StopPrice         float64
	Quantity          float64
	MarketType        string
	Priority          int
	SortPrice         float64
	WebhookReceivedAt time.Time
}

// EnqueueResult reports what happened to an intent.
type EnqueueResult struct {
	OrderID         int64
	PendingID       int64
	ExchangeOrderID string
	Queued          bool
}

// Manager decides, per bucket, which intents hold exchange slots.
type Manager struct {
	database  *db.Database
	adapters  *exchange.Registry
	limiters  *exchange.LimiterRegistry
	validator *symbols.Validator
	prices    *pricing.Cache
	locks      *locks.Registry
	mapping    *Mapping
	bus        *events.Bus
	reconciler *position.Reconciler
	limitsFor  LimitsFunc
	log        *logrus.Entry

	lockTimeout      time.Duration
	exchangeTimeout  time.Duration
	maxCancelRetries int
}

// Options carries the construction knobs for Manager.
type Options struct {
	LockTimeout      time.Duration
	ExchangeTimeout  time.Duration
	MaxCancelRetries int
	LimitsFor        LimitsFunc
	// Reconciler settles create responses that come back already terminal
	// (marketable orders fill before the response returns).
	Reconciler *position.Reconciler
}

// NewManager wires the queue manager.
func NewManager(database *db.Database, adapters *exchange.Registry, limiters *exchange.LimiterRegistry,
	validator *symbols.Validator, prices *pricing.Cache, lockReg *locks.Registry,
	mapping *Mapping, bus *events.Bus, opts Options) *Manager {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 30 * time.Second
	}
	if opts.MaxCancelRetries <= 0 {
		opts.MaxCancelRetries = 5
	}
	if opts.LimitsFor == nil {
		opts.LimitsFor = func(string, string) Limits { return DefaultLimits }
	}
	if opts.Reconciler == nil {
		opts.Reconciler = position.NewReconciler(bus)
	}
	return &Manager{
		database:         database,
		adapters:         adapters,
		limiters:         limiters,
		validator:        validator,
		prices:           prices,
		locks:            lockReg,
		mapping:          mapping,
		bus:              bus,
		reconciler:       opts.Reconciler,
		limitsFor:        opts.LimitsFor,
		log:              logrus.WithField("component", "order-queue"),
		lockTimeout:      opts.LockTimeout,
		exchangeTimeout:  opts.ExchangeTimeout,
		maxCancelRetries: opts.MaxCancelRetries,
	}
}

// BucketKey names the lock for one (account, symbol) bucket.
func BucketKey(accountID int64, symbol string) string {
	return fmt.Sprintf("bucket:%d:%s", accountID, symbol)
}

// LockBucket takes the bucket lock. Callers that settle fills must hold it
// before opening their transaction.
func (m *Manager) LockBucket(ctx context.Context, accountID int64, symbol string) (func(), error) {
	return m.locks.Acquire(ctx, BucketKey(accountID, symbol), m.lockTimeout)
}

// Enqueue validates an intent and either places it on the exchange or parks
// it in pending_orders when the bucket is at its limit. A parked intent
// triggers a rebalance so it can still displace a lower-priority live order.
func (m *Manager) Enqueue(ctx context.Context, intent Intent) (*EnqueueResult, error) {
	refPrice := intent.Price
	if refPrice == 0 && m.prices != nil {
		p, err := m.prices.GetPrice(ctx, pricing.PriceKey{
			Exchange: intent.Exchange, MarketType: intent.MarketType, Symbol: intent.Symbol,
		})
		if err == nil {
			refPrice = p
		}
	}
	adjQty, adjPrice, err := m.validator.ValidateOrder(intent.Exchange, intent.Symbol,
		intent.MarketType, intent.Quantity, intent.Price, refPrice)
	if err != nil {
		return nil, fmt.Errorf("validate intent: %w", err)
	}
	intent.Quantity = adjQty
	intent.Price = adjPrice
	if intent.WebhookReceivedAt.IsZero() {
		return nil, fmt.Errorf("intent missing webhook_received_at")
	}

	release, err := m.LockBucket(ctx, intent.AccountID, intent.Symbol)
	if err != nil {
		return nil, err
	}
	defer release()

	var res EnqueueResult
	var queuedEvent, submittedEvent, settledEvent *events.OrderEvent
	var settledTopic events.Event
	err = m.database.InTx(ctx, func(tx *sql.Tx) error {
		repo := m.database.Repo().WithTx(tx)

		limits := m.limitsFor(intent.Exchange, intent.MarketType)
		total, stops, err := repo.CountOpenOrders(ctx, intent.AccountID, intent.Symbol)
		if err != nil {
			return err
		}

		hasSlot := total < limits.MaxOpen
		if db.IsStopType(intent.OrderType) && stops >= limits.MaxStops {
			hasSlot = false
		}

		if !hasSlot {
			id, err := repo.CreatePendingOrder(ctx, pendingFromIntent(intent))
			if err != nil {
				return err
			}
			res = EnqueueResult{PendingID: id, Queued: true}
			queuedEvent = orderEventFromIntent(intent, "", "QUEUED")
			// A parked high-priority intent may still deserve a slot over a
			// live low-priority order.
			return m.RebalanceTx(ctx, tx, intent.AccountID, intent.Symbol, intent.Exchange, intent.MarketType)
		}

		ord, err := m.submit(ctx, intent)
		if err != nil {
			return err
		}
		if ord.Status.Terminal() {
			// Marketable orders can fill before the create response returns.
			// The order never rests, so no live row: settle it right here.
			if err := m.settleImmediate(ctx, repo, intent, ord); err != nil {
				return err
			}
			res = EnqueueResult{ExchangeOrderID: ord.ExchangeOrderID}
			settledEvent = orderEventFromIntent(intent, ord.ExchangeOrderID, string(ord.Status))
			settledEvent.Quantity = ord.FilledQuantity
			settledTopic = events.EventOrderCancelled
			if ord.FilledQuantity > 0 {
				settledTopic = events.EventOrderFilled
			}
			return nil
		}
		orderID, err := repo.CreateOpenOrder(ctx, openOrderFromIntent(intent, ord))
		if err != nil {
			return err
		}
		m.mapping.Register(ord.ExchangeOrderID, intent.AccountID, orderID)
		res = EnqueueResult{OrderID: orderID, ExchangeOrderID: ord.ExchangeOrderID}
		submittedEvent = orderEventFromIntent(intent, ord.ExchangeOrderID, string(ord.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		if submittedEvent != nil {
			m.bus.Publish(events.EventOrderSubmitted, *submittedEvent)
		}
		if queuedEvent != nil {
			m.bus.Publish(events.EventOrderQueued, *queuedEvent)
		}
		if settledEvent != nil {
			m.bus.Publish(settledTopic, *settledEvent)
		}
	}
	return &res, nil
}

// Rebalance aligns one bucket's live orders with its top-priority intents.
// Safe to call from the sweep or after an external event; it takes the
// bucket lock and its own transaction.
func (m *Manager) Rebalance(ctx context.Context, accountID int64, symbol, exchangeName, marketType string) error {
	release, err := m.LockBucket(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	defer release()
	return m.database.InTx(ctx, func(tx *sql.Tx) error {
		return m.RebalanceTx(ctx, tx, accountID, symbol, exchangeName, marketType)
	})
}

// candidate is one entry in the bucket ordering, live or pending.
type candidate struct {
	priority   int
	sortPrice  float64
	receivedAt time.Time
	id         int64
	isStop     bool
	open       *db.OpenOrder
	pending    *db.PendingOrder
}

func candidateLess(a, b candidate) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.sortPrice != b.sortPrice {
		return a.sortPrice < b.sortPrice
	}
	if !a.receivedAt.Equal(b.receivedAt) {
		return a.receivedAt.Before(b.receivedAt)
	}
	// Equal on every key: prefer the already-live order, then lower id.
	if (a.open != nil) != (b.open != nil) {
		return a.open != nil
	}
	return a.id < b.id
}

// RebalanceTx recomputes the bucket's top-K inside the caller's transaction.
// The caller must hold the bucket lock. Demoted live orders flip to
// CANCELLING DB-first and enter the cancel queue; their slots stay occupied
// until the cancel confirms, so promotions only use genuinely free slots.
// Any retriable exchange failure returns an error and rolls the whole
// transaction back; orders created before the failure are best-effort
// cancelled so the exchange does not drift from the rolled-back state.
func (m *Manager) RebalanceTx(ctx context.Context, tx *sql.Tx, accountID int64, symbol, exchangeName, marketType string) (err error) {
	repo := m.database.Repo().WithTx(tx)
	limits := m.limitsFor(exchangeName, marketType)

	open, err := repo.OpenOrdersForBucket(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	pending, err := repo.PendingForBucket(ctx, accountID, symbol)
	if err != nil {
		return err
	}

	var cands []candidate
	rowsTotal, rowsStops := len(open), 0
	for i := range open {
		o := &open[i]
		if db.IsStopType(o.OrderType) {
			rowsStops++
		}
		if o.Status == db.StatusCancelling {
			// Already leaving; occupies a slot but competes for nothing.
			continue
		}
		cands = append(cands, candidate{
			priority: o.Priority, sortPrice: o.SortPrice, receivedAt: o.WebhookReceivedAt,
			id: o.ID, isStop: db.IsStopType(o.OrderType), open: o,
		})
	}
	for i := range pending {
		p := &pending[i]
		cands = append(cands, candidate{
			priority: p.Priority, sortPrice: p.SortPrice, receivedAt: p.WebhookReceivedAt,
			id: p.ID, isStop: db.IsStopType(p.OrderType), pending: p,
		})
	}
	sort.Slice(cands, func(i, j int) bool { return candidateLess(cands[i], cands[j]) })

	// Greedy top-K respecting the stop-order sub-limit. Selection uses the
	// full limit even while CANCELLING rows still hold slots: an in-flight
	// cancel must not cascade into demoting orders that would only be
	// re-created once it completes.
	selected := make(map[int]bool, len(cands))
	taken, stopsTaken := 0, 0
	for i, c := range cands {
		if taken >= limits.MaxOpen {
			break
		}
		if c.isStop && stopsTaken >= limits.MaxStops {
			continue
		}
		selected[i] = true
		taken++
		if c.isStop {
			stopsTaken++
		}
	}

	// Demotions first: unselected live orders leave the exchange via the
	// durable cancel path. Their rows stay until the cancel confirms, and the
	// displaced intent is re-parked so it can compete for a slot again.
	for i, c := range cands {
		if c.open == nil || selected[i] {
			continue
		}
		if err := m.demote(ctx, repo, c.open, true); err != nil {
			return err
		}
	}

	// Promotions fill only slots that are genuinely free right now. A slot
	// vacated by a demotion opens after the cancel confirms; the fill
	// monitor triggers the next rebalance then.
	freeTotal := limits.MaxOpen - rowsTotal
	freeStops := limits.MaxStops - rowsStops

	var created []createdOrder
	defer func() {
		if err != nil {
			m.unwindCreated(created)
		}
	}()

	for i, c := range cands {
		if c.pending == nil || !selected[i] {
			continue
		}
		if freeTotal <= 0 {
			break
		}
		if c.isStop && freeStops <= 0 {
			continue
		}
		promoted, perr := m.promote(ctx, repo, c.pending, exchangeName)
		if perr != nil {
			return perr
		}
		if promoted != nil {
			created = append(created, *promoted)
			freeTotal--
			if c.isStop {
				freeStops--
			}
		}
	}
	return nil
}

type createdOrder struct {
	accountID       int64
	symbol          string
	exchangeOrderID string
}

// demote flips one live order to CANCELLING and enqueues the durable cancel.
// With repark the order's intent is written back to pending_orders, original
// webhook_received_at included: a displaced order waits its turn again, while
// an explicit cancel (repark=false) abandons the intent.
func (m *Manager) demote(ctx context.Context, repo *db.Repository, o *db.OpenOrder, repark bool) error {
	if err := repo.MarkCancelling(ctx, o.ID); err != nil {
		if err == db.ErrTerminalStatus || err == db.ErrNotFound {
			return nil
		}
		return err
	}
	binding, err := repo.GetStrategyAccount(ctx, o.StrategyAccountID)
	if err != nil {
		return err
	}
	if _, err := repo.EnqueueCancel(ctx, o.ID, binding.StrategyID, o.AccountID, m.maxCancelRetries); err != nil {
		return err
	}
	if repark {
		if _, err := repo.CreatePendingOrder(ctx, pendingFromOpen(o)); err != nil {
			return err
		}
	}
	m.log.WithFields(logrus.Fields{
		"order_id": o.ID, "symbol": o.Symbol, "priority": o.Priority, "reparked": repark,
	}).Info("demoted live order to cancel queue")
	return nil
}

// settleImmediate records a create response that came back already terminal.
// Any executed quantity becomes a trade and position change in the caller's
// transaction; nothing is written to open_orders.
func (m *Manager) settleImmediate(ctx context.Context, repo *db.Repository, in Intent, ord *exchange.Order) error {
	if ord.FilledQuantity <= 0 {
		m.log.WithFields(logrus.Fields{
			"exchange_order_id": ord.ExchangeOrderID, "symbol": in.Symbol, "status": ord.Status,
		}).Warn("order terminal on create with nothing executed")
		return nil
	}
	exists, err := repo.TradeExists(ctx, ord.ExchangeOrderID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	fillPrice := ord.AveragePrice
	if fillPrice == 0 {
		fillPrice = in.Price
	}
	res, err := m.reconciler.ApplyFill(ctx, repo, position.Fill{
		StrategyAccountID: in.StrategyAccountID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		Quantity:          ord.FilledQuantity,
		Price:             fillPrice,
	})
	if err != nil {
		return err
	}
	_, err = repo.InsertTrade(ctx, db.Trade{
		StrategyAccountID: in.StrategyAccountID,
		ExchangeOrderID:   ord.ExchangeOrderID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		Quantity:          ord.FilledQuantity,
		OrderPrice:        in.Price,
		AveragePrice:      fillPrice,
		Fee:               ord.Fee,
		RealizedPnL:       res.RealizedPnL,
		IsEntry:           res.IsEntry,
		MarketType:        in.MarketType,
		Timestamp:         time.Now().UTC(),
	})
	return err
}

// promote submits one pending intent to the exchange and converts the row,
// preserving webhook_received_at. A permanent exchange rejection routes the
// intent to failed_orders and frees nothing; nil, nil is returned so the
// rebalance continues.
func (m *Manager) promote(ctx context.Context, repo *db.Repository, p *db.PendingOrder, exchangeName string) (*createdOrder, error) {
	intent := intentFromPending(p, exchangeName)
	ord, err := m.submit(ctx, intent)
	if err != nil {
		if exchange.Permanent(err) {
			if derr := repo.DeletePendingOrder(ctx, p.ID); derr != nil {
				return nil, derr
			}
			if _, ferr := repo.CreateFailedOrder(ctx, failedFromPending(p, err)); ferr != nil {
				return nil, ferr
			}
			if m.bus != nil {
				ev := orderEventFromIntent(intent, "", "FAILED")
				ev.Reason = "rejected on promotion"
				m.bus.Publish(events.EventOrderFailed, *ev)
			}
			return nil, nil
		}
		return nil, err
	}

	if err := repo.DeletePendingOrder(ctx, p.ID); err != nil {
		return nil, err
	}
	if ord.Status.Terminal() {
		// Filled (or died) before it could rest: settle inline, consume no slot.
		if err := m.settleImmediate(ctx, repo, intent, ord); err != nil {
			return nil, err
		}
		if m.bus != nil && ord.FilledQuantity > 0 {
			ev := orderEventFromIntent(intent, ord.ExchangeOrderID, string(ord.Status))
			ev.Quantity = ord.FilledQuantity
			m.bus.Publish(events.EventOrderFilled, *ev)
		}
		return nil, nil
	}
	orderID, err := repo.CreateOpenOrder(ctx, openOrderFromIntent(intent, ord))
	if err != nil {
		return nil, err
	}
	m.mapping.Register(ord.ExchangeOrderID, p.AccountID, orderID)
	if m.bus != nil {
		m.bus.Publish(events.EventOrderSubmitted, *orderEventFromIntent(intent, ord.ExchangeOrderID, string(ord.Status)))
	}
	return &createdOrder{accountID: p.AccountID, symbol: p.Symbol, exchangeOrderID: ord.ExchangeOrderID}, nil
}

// submit rate-limits and places the order through the account's adapter.
func (m *Manager) submit(ctx context.Context, intent Intent) (*exchange.Order, error) {
	adapter, err := m.adapters.For(intent.AccountID)
	if err != nil {
		return nil, err
	}
	if m.limiters != nil {
		if err := m.limiters.For(adapter.Name()).Acquire(ctx); err != nil {
			return nil, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()
	return adapter.CreateOrder(callCtx, exchange.OrderRequest{
		Symbol:    adapter.NormalizeSymbol(intent.Symbol),
		Side:      exchange.Side(intent.Side),
		Type:      exchange.OrderType(intent.OrderType),
		Quantity:  intent.Quantity,
		Price:     intent.Price,
		StopPrice: intent.StopPrice,
		Market:    exchange.MarketType(intent.MarketType),
	})
}

// unwindCreated best-effort cancels orders created inside a transaction that
// is about to roll back, so the exchange converges back to the DB state.
func (m *Manager) unwindCreated(created []createdOrder) {
	for _, c := range created {
		m.mapping.Forget(c.exchangeOrderID)
		adapter, err := m.adapters.For(c.accountID)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.exchangeTimeout)
		_, cerr := adapter.CancelOrder(ctx, adapter.NormalizeSymbol(c.symbol), c.exchangeOrderID)
		cancel()
		if cerr != nil && !exchange.IsOrderNotFound(cerr) {
			m.log.Errorf("unwind cancel of %s failed: %v", c.exchangeOrderID, cerr)
		}
	}
}

// RequestCancel flips an order to CANCELLING and enqueues the durable cancel.
// The actual exchange call is always made by the cancel worker so a webhook
// cancel and a rebalance demotion share one code path.
func (m *Manager) RequestCancel(ctx context.Context, orderID int64) error {
	order, err := m.database.Repo().GetOpenOrder(ctx, orderID)
	if err != nil {
		return err
	}
	release, err := m.LockBucket(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return err
	}
	defer release()
	return m.database.InTx(ctx, func(tx *sql.Tx) error {
		return m.demote(ctx, m.database.Repo().WithTx(tx), order, false)
	})
}

// RequestCancelAll cancels every live order and drops every pending intent
// in the bucket.
func (m *Manager) RequestCancelAll(ctx context.Context, accountID int64, symbol string) (cancelled, dropped int, err error) {
	release, err := m.LockBucket(ctx, accountID, symbol)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	err = m.database.InTx(ctx, func(tx *sql.Tx) error {
		repo := m.database.Repo().WithTx(tx)
		open, err := repo.OpenOrdersForBucket(ctx, accountID, symbol)
		if err != nil {
			return err
		}
		for i := range open {
			if open[i].Status == db.StatusCancelling {
				continue
			}
			if err := m.demote(ctx, repo, &open[i], false); err != nil {
				return err
			}
			cancelled++
		}
		pending, err := repo.PendingForBucket(ctx, accountID, symbol)
		if err != nil {
			return err
		}
		for i := range pending {
			if err := repo.DeletePendingOrder(ctx, pending[i].ID); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	return cancelled, dropped, err
}

// StartSweep periodically rebalances every active bucket. This repairs
// buckets whose rebalance trigger was lost (crash between commit and
// notification); order-state drift is repaired by the fill monitor's REST
// sweep.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

func (m *Manager) sweepOnce(ctx context.Context) {
	repo := m.database.Repo()
	buckets, err := repo.ActiveBuckets(ctx)
	if err != nil {
		m.log.Errorf("sweep: list buckets: %v", err)
		return
	}
	for _, b := range buckets {
		account, err := repo.GetAccount(ctx, b.AccountID)
		if err != nil {
			m.log.Errorf("sweep: account %d: %v", b.AccountID, err)
			continue
		}
		if err := m.Rebalance(ctx, b.AccountID, b.Symbol, account.Exchange, account.MarketType); err != nil {
			m.log.Errorf("sweep: rebalance %d/%s: %v", b.AccountID, b.Symbol, err)
		}
	}
}

func pendingFromIntent(in Intent) db.PendingOrder {
	return db.PendingOrder{
		AccountID:         in.AccountID,
		StrategyAccountID: in.StrategyAccountID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		OrderType:         in.OrderType,
		Price:             in.Price,
		StopPrice:         in.StopPrice,
		Quantity:          in.Quantity,
		Priority:          in.Priority,
		SortPrice:         in.SortPrice,
		MarketType:        in.MarketType,
		WebhookReceivedAt: in.WebhookReceivedAt,
		Reason:            "bucket at exchange limit",
	}
}

func pendingFromOpen(o *db.OpenOrder) db.PendingOrder {
	return db.PendingOrder{
		AccountID:         o.AccountID,
		StrategyAccountID: o.StrategyAccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		Quantity:          o.Quantity,
		Priority:          o.Priority,
		SortPrice:         o.SortPrice,
		MarketType:        o.MarketType,
		WebhookReceivedAt: o.WebhookReceivedAt,
		Reason:            "displaced by higher priority",
	}
}

func openOrderFromIntent(in Intent, ord *exchange.Order) db.OpenOrder {
	status := string(ord.Status)
	if status == "" {
		status = db.StatusOpen
	}
	return db.OpenOrder{
		StrategyAccountID: in.StrategyAccountID,
		AccountID:         in.AccountID,
		ExchangeOrderID:   ord.ExchangeOrderID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		OrderType:         in.OrderType,
		Price:             in.Price,
		StopPrice:         in.StopPrice,
		Quantity:          in.Quantity,
		FilledQuantity:    ord.FilledQuantity,
		Status:            status,
		MarketType:        in.MarketType,
		Priority:          in.Priority,
		SortPrice:         in.SortPrice,
		WebhookReceivedAt: in.WebhookReceivedAt,
	}
}

func intentFromPending(p *db.PendingOrder, exchangeName string) Intent {
	return Intent{
		StrategyAccountID: p.StrategyAccountID,
		AccountID:         p.AccountID,
		Exchange:          exchangeName,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
		Quantity:          p.Quantity,
		MarketType:        p.MarketType,
		Priority:          p.Priority,
		SortPrice:         p.SortPrice,
		WebhookReceivedAt: p.WebhookReceivedAt,
	}
}

func failedFromPending(p *db.PendingOrder, cause error) db.FailedOrder {
	params, _ := json.Marshal(map[string]any{
		"symbol": p.Symbol, "side": p.Side, "order_type": p.OrderType,
		"qty": p.Quantity, "price": p.Price, "stop_price": p.StopPrice,
		"market_type": p.MarketType, "priority": p.Priority, "sort_price": p.SortPrice,
		"webhook_received_at": p.WebhookReceivedAt.UTC().Format(time.RFC3339Nano),
	})
	return db.FailedOrder{
		OperationType:     db.OpCreate,
		StrategyAccountID: p.StrategyAccountID,
		AccountID:         p.AccountID,
		Symbol:            p.Symbol,
		Side:              p.Side,
		OrderType:         p.OrderType,
		Quantity:          p.Quantity,
		Price:             p.Price,
		StopPrice:         p.StopPrice,
		MarketType:        p.MarketType,
		Reason:            "exchange rejected promotion",
		ExchangeError:     exchange.SanitizeError(cause.Error()),
		OrderParams:       string(params),
	}
}

func orderEventFromIntent(in Intent, exchangeOrderID, status string) *events.OrderEvent {
	return &events.OrderEvent{
		AccountID:         in.AccountID,
		StrategyAccountID: in.StrategyAccountID,
		Exchange:          in.Exchange,
		ExchangeOrderID:   exchangeOrderID,
		Symbol:            in.Symbol,
		Side:              in.Side,
		OrderType:         in.OrderType,
		Quantity:          in.Quantity,
		Price:             in.Price,
		Status:            status,
	}
}
