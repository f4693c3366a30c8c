package fills

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/internal/locks"
	"github.com/binee108/webserver-sub003/internal/position"
	"github.com/binee108/webserver-sub003/internal/queue"
	"github.com/binee108/webserver-sub003/internal/symbols"
	"github.com/binee108/webserver-sub003/pkg/db"
)

type testEnv struct {
	database  *db.Database
	repo      *db.Repository
	paper     *exchange.Paper
	adapters  *exchange.Registry
	qm        *queue.Manager
	mapping   *queue.Mapping
	monitor   *Monitor
	accountID int64
	bindingID int64
}

func newTestEnv(t *testing.T, limits queue.Limits) *testEnv {
	t.Helper()
	database, err := db.NewMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := database.Repo()
	ctx := context.Background()

	accountID, err := repo.UpsertAccount(ctx, db.Account{
		Name: "acct-1", Exchange: "paper", MarketType: db.MarketFutures, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	strategyID, err := repo.UpsertStrategy(ctx, db.Strategy{
		GroupName: "trend-1", WebhookToken: "tok", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	bindingID, err := repo.UpsertStrategyAccount(ctx, db.StrategyAccount{
		StrategyID: strategyID, AccountID: accountID, Weight: 1, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	paper := exchange.NewPaper("paper")
	adapters := exchange.NewRegistry()
	adapters.Register(accountID, paper)

	validator := symbols.NewValidator()
	validator.Put(symbols.Key{Exchange: "paper", Symbol: "BTC/USDT", MarketType: db.MarketFutures},
		symbols.MarketInfo{MinQty: 0.001, StepSize: 0.001, TickSize: 0.1, AmountPrecision: 3, PricePrecision: 1})

	mapping := queue.NewMapping(0)
	qm := queue.NewManager(database, adapters, nil, validator, nil,
		locks.NewRegistry(100), mapping, nil, queue.Options{
			LockTimeout:     2 * time.Second,
			ExchangeTimeout: 2 * time.Second,
			LimitsFor:       func(string, string) queue.Limits { return limits },
		})
	monitor := NewMonitor(database, adapters, qm, mapping, position.NewReconciler(nil), nil)

	return &testEnv{database: database, repo: repo, paper: paper, adapters: adapters,
		qm: qm, mapping: mapping, monitor: monitor, accountID: accountID, bindingID: bindingID}
}

func (e *testEnv) enqueue(t *testing.T, priority int, price float64) *queue.EnqueueResult {
	t.Helper()
	res, err := e.qm.Enqueue(context.Background(), queue.Intent{
		StrategyAccountID: e.bindingID,
		AccountID:         e.accountID,
		Exchange:          "paper",
		Symbol:            "BTC/USDT",
		Side:              db.SideBuy,
		OrderType:         db.TypeLimit,
		Price:             price,
		Quantity:          0.5,
		MarketType:        db.MarketFutures,
		Priority:          priority,
		SortPrice:         price,
		WebhookReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res
}

func TestSettleTerminalFill(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 1, MaxStops: 1})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	parked := env.enqueue(t, 20, 51000)
	if !parked.Queued {
		t.Fatal("second intent should park behind the one-slot limit")
	}

	if err := env.paper.Fill(live.ExchangeOrderID, 0.5, 50000); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("want 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ExchangeOrderID != live.ExchangeOrderID || tr.Quantity != 0.5 || !tr.IsEntry {
		t.Errorf("trade = %+v, want entry of 0.5 for %s", tr, live.ExchangeOrderID)
	}

	pos, err := env.repo.GetPosition(ctx, env.bindingID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 0.5 || pos.EntryPrice != 50000 {
		t.Errorf("position = %+v, want 0.5 @ 50000", pos)
	}

	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("settled order row should be gone, got %v", err)
	}

	// The freed slot is refilled in the same transaction.
	open, err := env.repo.OpenOrdersForBucket(ctx, env.accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Priority != 20 {
		t.Fatalf("parked intent not promoted, open = %+v", open)
	}
	pending, err := env.repo.PendingForBucket(ctx, env.accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending should be empty after promotion, got %d", len(pending))
	}
}

func TestSettleAfterSettledIsNotFound(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	if err := env.paper.Fill(live.ExchangeOrderID, 0.5, 50000); err != nil {
		t.Fatal(err)
	}
	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	// A duplicate stream event settles against a deleted row; the unique
	// trade stays single.
	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("second settle = %v, want ErrNotFound", err)
	}
	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Errorf("duplicate settle produced %d trades, want 1", len(trades))
	}
}

func TestSettleSkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	got, err := env.repo.TryAcquireProcessingLock(ctx, live.OrderID)
	if err != nil || !got {
		t.Fatalf("acquire lock: got=%v err=%v", got, err)
	}

	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); !errors.Is(err, errSettleSkipped) {
		t.Errorf("settle under held lock = %v, want errSettleSkipped", err)
	}
	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); err != nil {
		t.Errorf("order must survive a skipped settle: %v", err)
	}
}

func TestSettleOrderGoneOnVenue(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	env.paper.FailNextFetch(exchange.ErrOrderNotFound)

	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("order gone on venue should settle away the row, got %v", err)
	}
	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("unfilled cancelled order must not record a trade, got %d", len(trades))
	}
}

func TestSettlePartialFillAdvancesQty(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	if err := env.paper.Fill(live.ExchangeOrderID, 0.2, 50000); err != nil {
		t.Fatal(err)
	}
	if err := env.monitor.Settle(ctx, env.accountID, live.OrderID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	order, err := env.repo.GetOpenOrder(ctx, live.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.FilledQuantity != 0.2 {
		t.Errorf("filled_qty = %v, want 0.2", order.FilledQuantity)
	}
	if order.IsProcessing {
		t.Error("processing lock must be released after a live-order update")
	}
	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("partial fill must not record a trade yet, got %d", len(trades))
	}
}

// backdate ages an order row so the drift sweep considers it quiet.
func (e *testEnv) backdate(t *testing.T, orderID int64, to time.Time) {
	t.Helper()
	stamp := to.UTC().Format("2006-01-02 15:04:05")
	if _, err := e.database.DB.Exec(
		`UPDATE open_orders SET created_at = ?, cancel_attempted_at = ? WHERE id = ?`,
		stamp, stamp, orderID); err != nil {
		t.Fatalf("backdate order %d: %v", orderID, err)
	}
}

func TestSweepSettlesLostFillEvent(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 1, MaxStops: 1})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	parked := env.enqueue(t, 20, 51000)
	if !parked.Queued {
		t.Fatal("second intent should park behind the one-slot limit")
	}

	// The fill happens while no stream is attached: the event is lost. Only
	// the REST sweep can recover it.
	if err := env.paper.Fill(live.ExchangeOrderID, 0.5, 50000); err != nil {
		t.Fatalf("fill: %v", err)
	}
	env.backdate(t, live.OrderID, time.Now().Add(-time.Hour))
	env.monitor.sweepOnce(ctx, 2*time.Minute)

	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("sweep did not settle the lost fill, trades = %d", len(trades))
	}
	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("settled row should be gone, got %v", err)
	}
	open, err := env.repo.OpenOrdersForBucket(ctx, env.accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Priority != 20 {
		t.Fatalf("freed slot not refilled, open = %+v", open)
	}
}

func TestSweepResolvesStuckCancelling(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	if err := env.qm.RequestCancel(ctx, live.OrderID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	// The cancel lands on the venue but its stream event is lost: the row
	// would stay CANCELLING forever and keep its slot occupied.
	if _, err := env.paper.CancelOrder(ctx, "BTCUSDT", live.ExchangeOrderID); err != nil {
		t.Fatalf("venue cancel: %v", err)
	}
	env.backdate(t, live.OrderID, time.Now().Add(-time.Hour))
	env.monitor.sweepOnce(ctx, 2*time.Minute)

	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("stuck CANCELLING row should be settled away, got %v", err)
	}
	trades, err := env.repo.ListTrades(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("unfilled cancel must not record a trade, got %d", len(trades))
	}
	total, _, err := env.repo.CountOpenOrders(ctx, env.accountID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("bucket slot still occupied: %d rows", total)
	}
}

func TestSweepLeavesFreshOrdersAlone(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx := context.Background()

	live := env.enqueue(t, 5, 50000)
	// If the sweep touched the fresh row, this scripted response would
	// settle it away.
	env.paper.FailNextFetch(exchange.ErrOrderNotFound)
	env.monitor.sweepOnce(ctx, 2*time.Minute)

	if _, err := env.repo.GetOpenOrder(ctx, live.OrderID); err != nil {
		t.Errorf("fresh order must not be swept: %v", err)
	}
}

func TestStreamEventSettlesEndToEnd(t *testing.T) {
	env := newTestEnv(t, queue.Limits{MaxOpen: 2, MaxStops: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.monitor.Start(ctx)
	live := env.enqueue(t, 5, 50000)

	// Wait for the supervisor goroutine to subscribe before emitting.
	deadline := time.After(2 * time.Second)
	for env.paper.Subscribers() == 0 {
		select {
		case <-deadline:
			t.Fatal("stream supervisor never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := env.paper.Fill(live.ExchangeOrderID, 0.5, 50000); err != nil {
		t.Fatalf("fill: %v", err)
	}

	for {
		trades, err := env.repo.ListTrades(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(trades) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("stream event never settled, trades = %d", len(trades))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
