package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := NewMemory()
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func seedBinding(t *testing.T, repo *Repository) (accountID, strategyID, bindingID int64) {
	t.Helper()
	ctx := context.Background()
	accountID, err := repo.UpsertAccount(ctx, Account{
		Name: "acct-1", Exchange: "paper", MarketType: MarketFutures, IsActive: true,
	})
	if err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	strategyID, err = repo.UpsertStrategy(ctx, Strategy{
		GroupName: "trend-1", WebhookToken: "tok-secret", IsActive: true,
	})
	if err != nil {
		t.Fatalf("upsert strategy: %v", err)
	}
	bindingID, err = repo.UpsertStrategyAccount(ctx, StrategyAccount{
		StrategyID: strategyID, AccountID: accountID, Weight: 1.0, Leverage: 1,
		MaxSymbols: 5, IsActive: true,
	})
	if err != nil {
		t.Fatalf("upsert binding: %v", err)
	}
	return accountID, strategyID, bindingID
}

func mkOrder(accountID, bindingID int64, exchangeOrderID string, priority int) OpenOrder {
	return OpenOrder{
		StrategyAccountID: bindingID,
		AccountID:         accountID,
		ExchangeOrderID:   exchangeOrderID,
		Symbol:            "BTC/USDT",
		Side:              SideBuy,
		OrderType:         TypeLimit,
		Price:             50000,
		Quantity:          0.5,
		MarketType:        MarketFutures,
		Priority:          priority,
		SortPrice:         50000,
		WebhookReceivedAt: time.Now().UTC(),
	}
}

func TestTerminalStatusesAreSinks(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	id, err := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-1", 5))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := repo.TransitionOrder(ctx, id, StatusFilled, nil); err != nil {
		t.Fatalf("transition to FILLED: %v", err)
	}

	t.Run("filled to cancelling is rejected", func(t *testing.T) {
		err := repo.TransitionOrder(ctx, id, StatusCancelling, nil)
		if !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("expected ErrTerminalStatus, got %v", err)
		}
	})

	t.Run("mark cancelling on terminal is rejected", func(t *testing.T) {
		err := repo.MarkCancelling(ctx, id)
		if !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("expected ErrTerminalStatus, got %v", err)
		}
	})

	t.Run("missing order is not found", func(t *testing.T) {
		err := repo.TransitionOrder(ctx, 99999, StatusFilled, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestProcessingLockIsExclusive(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	id, err := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-2", 5))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	got, err := repo.TryAcquireProcessingLock(ctx, id)
	if err != nil || !got {
		t.Fatalf("first acquire: got=%v err=%v", got, err)
	}
	got, err = repo.TryAcquireProcessingLock(ctx, id)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got {
		t.Error("second acquire should fail while lock is held")
	}

	if err := repo.ReleaseProcessingLock(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err = repo.TryAcquireProcessingLock(ctx, id)
	if err != nil || !got {
		t.Errorf("acquire after release: got=%v err=%v", got, err)
	}
}

func TestReapStaleProcessing(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	id, err := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-3", 5))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got, _ := repo.TryAcquireProcessingLock(ctx, id); !got {
		t.Fatal("acquire failed")
	}

	// Fresh lock must survive the reaper.
	n, err := repo.ReapStaleProcessing(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d fresh locks, want 0", n)
	}

	// Backdate the lock to simulate a crashed holder.
	if _, err := database.DB.ExecContext(ctx,
		`UPDATE open_orders SET processing_started_at = DATETIME(CURRENT_TIMESTAMP, '-10 minutes') WHERE id = ?`,
		id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	n, err = repo.ReapStaleProcessing(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d locks, want 1", n)
	}
	if got, _ := repo.TryAcquireProcessingLock(ctx, id); !got {
		t.Error("lock should be acquirable after reap")
	}
}

func TestPendingOrderRequiresReceivedAt(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	accountID, _, bindingID := seedBinding(t, repo)

	_, err := repo.CreatePendingOrder(context.Background(), PendingOrder{
		AccountID: accountID, StrategyAccountID: bindingID, Symbol: "BTC/USDT",
		Side: SideBuy, OrderType: TypeLimit, Price: 100, Quantity: 1,
		MarketType: MarketFutures,
	})
	if err == nil {
		t.Fatal("expected error for zero webhook_received_at")
	}
}

func TestBucketOrdering(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	insert := func(exchID string, priority int, sortPrice float64, receivedAt time.Time) {
		o := mkOrder(accountID, bindingID, exchID, priority)
		o.SortPrice = sortPrice
		o.WebhookReceivedAt = receivedAt
		if _, err := repo.CreateOpenOrder(ctx, o); err != nil {
			t.Fatalf("create %s: %v", exchID, err)
		}
	}
	insert("c", 5, 200, base)
	insert("a", 1, 100, base)
	insert("d", 5, 100, base.Add(time.Second))
	insert("b", 5, 100, base)

	orders, err := repo.OpenOrdersForBucket(ctx, accountID, "BTC/USDT")
	if err != nil {
		t.Fatalf("bucket query: %v", err)
	}
	var got []string
	for _, o := range orders {
		got = append(got, o.ExchangeOrderID)
	}
	want := []string{"a", "b", "d", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordering mismatch: got %v, want %v", got, want)
		}
	}
}

func TestTradeDeduplication(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	_, _, bindingID := seedBinding(t, repo)

	trade := Trade{
		StrategyAccountID: bindingID, ExchangeOrderID: "ex-dup", Symbol: "BTC/USDT",
		Side: SideBuy, Quantity: 1, AveragePrice: 100, MarketType: MarketFutures,
		Timestamp: time.Now().UTC(),
	}
	inserted, err := repo.InsertTrade(ctx, trade)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = repo.InsertTrade(ctx, trade)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("duplicate exchange_order_id must not insert a second trade")
	}
}

func TestCancelQueueClaimBlocksReclaim(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, strategyID, bindingID := seedBinding(t, repo)

	orderID, err := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-c1", 5))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	itemID, err := repo.EnqueueCancel(ctx, orderID, strategyID, accountID, 5)
	if err != nil {
		t.Fatalf("enqueue cancel: %v", err)
	}

	claimed, err := database.ClaimDueCancels(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != itemID {
		t.Fatalf("claimed %v, want item %d", claimed, itemID)
	}

	// The claim pushes next_retry_at forward; an immediate second claim
	// sees nothing.
	claimed, err = database.ClaimDueCancels(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("reclaimed %d items, want 0", len(claimed))
	}
}

func TestCancelResolutionIsForwardOnly(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, strategyID, bindingID := seedBinding(t, repo)

	orderID, _ := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-c2", 5))
	itemID, _ := repo.EnqueueCancel(ctx, orderID, strategyID, accountID, 5)

	if err := repo.ResolveCancel(ctx, itemID, CancelSuccess, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// A late reschedule must not resurrect the settled item.
	if err := repo.RescheduleCancel(ctx, itemID, time.Now().Add(time.Minute), "late"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	item, err := repo.GetCancelItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != CancelSuccess {
		t.Errorf("status = %s, want SUCCESS", item.Status)
	}
	if err := repo.ResolveCancel(ctx, itemID, "PENDING", ""); err == nil {
		t.Error("resolving to a non-terminal status must error")
	}
}

func TestFailedOrderRetryBudget(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	id, err := repo.CreateFailedOrder(ctx, FailedOrder{
		OperationType: OpCreate, StrategyAccountID: bindingID, AccountID: accountID,
		Symbol: "BTC/USDT", Side: SideBuy, OrderType: TypeLimit, Quantity: 1, Price: 100,
		MarketType: MarketFutures, Reason: "rejected",
	})
	if err != nil {
		t.Fatalf("create failed order: %v", err)
	}

	for i := 0; i < 5; i++ {
		pending, err := repo.PendingFailedOrders(ctx, 10)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("attempt %d: pending=%d, want 1", i, len(pending))
		}
		if err := repo.BumpFailedOrderRetry(ctx, id, "still failing"); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}

	// Retry 5 flips the row to removed; it is never re-selected.
	pending, err := repo.PendingFailedOrders(ctx, 10)
	if err != nil {
		t.Fatalf("pending after budget: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending=%d after budget exhausted, want 0", len(pending))
	}
	f, _ := repo.GetFailedOrder(ctx, id)
	if f.Status != FailedRemoved {
		t.Errorf("status = %s, want removed", f.Status)
	}
}

func TestActiveBucketsUnion(t *testing.T) {
	database := newTestDB(t)
	repo := database.Repo()
	ctx := context.Background()
	accountID, _, bindingID := seedBinding(t, repo)

	if _, err := repo.CreateOpenOrder(ctx, mkOrder(accountID, bindingID, "ex-b1", 5)); err != nil {
		t.Fatal(err)
	}
	p := PendingOrder{
		AccountID: accountID, StrategyAccountID: bindingID, Symbol: "ETH/USDT",
		Side: SideBuy, OrderType: TypeLimit, Price: 10, Quantity: 1,
		MarketType: MarketFutures, WebhookReceivedAt: time.Now().UTC(),
	}
	if _, err := repo.CreatePendingOrder(ctx, p); err != nil {
		t.Fatal(err)
	}

	buckets, err := repo.ActiveBuckets(ctx)
	if err != nil {
		t.Fatalf("active buckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Errorf("buckets=%d, want 2 (one open, one pending)", len(buckets))
	}
}
