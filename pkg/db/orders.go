package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const openOrderColumns = `id, strategy_account_id, account_id, exchange_order_id, symbol, side,
	order_type, price, stop_price, qty, filled_qty, status, market_type, priority, sort_price,
	webhook_received_at, is_processing, processing_started_at, cancel_attempted_at,
	COALESCE(error_message, ''), created_at`

func scanOpenOrder(row interface{ Scan(...any) error }) (OpenOrder, error) {
	var o OpenOrder
	err := row.Scan(&o.ID, &o.StrategyAccountID, &o.AccountID, &o.ExchangeOrderID, &o.Symbol,
		&o.Side, &o.OrderType, &o.Price, &o.StopPrice, &o.Quantity, &o.FilledQuantity,
		&o.Status, &o.MarketType, &o.Priority, &o.SortPrice, &o.WebhookReceivedAt,
		&o.IsProcessing, &o.ProcessingStartedAt, &o.CancelAttemptedAt, &o.ErrorMessage,
		&o.CreatedAt)
	return o, err
}

// CreateOpenOrder inserts a live order with status=OPEN and no processing lock.
func (r *Repository) CreateOpenOrder(ctx context.Context, o OpenOrder) (int64, error) {
	status := o.Status
	if status == "" {
		status = StatusOpen
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO open_orders (strategy_account_id, account_id, exchange_order_id, symbol,
			side, order_type, price, stop_price, qty, filled_qty, status, market_type,
			priority, sort_price, webhook_received_at, is_processing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, o.StrategyAccountID, o.AccountID, o.ExchangeOrderID, o.Symbol, o.Side, o.OrderType,
		o.Price, o.StopPrice, o.Quantity, o.FilledQuantity, status, o.MarketType,
		o.Priority, o.SortPrice, o.WebhookReceivedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert open order: %w", err)
	}
	return res.LastInsertId()
}

// GetOpenOrder returns the order with the given id.
func (r *Repository) GetOpenOrder(ctx context.Context, id int64) (*OpenOrder, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+openOrderColumns+` FROM open_orders WHERE id = ?`, id)
	o, err := scanOpenOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open order: %w", err)
	}
	return &o, nil
}

// GetOpenOrderByExchangeID resolves an order by its exchange-assigned id.
func (r *Repository) GetOpenOrderByExchangeID(ctx context.Context, accountID int64, exchangeOrderID string) (*OpenOrder, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+openOrderColumns+` FROM open_orders WHERE account_id = ? AND exchange_order_id = ?`,
		accountID, exchangeOrderID)
	o, err := scanOpenOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open order by exchange id: %w", err)
	}
	return &o, nil
}

// OpenOrdersForBucket returns the live orders of one (account, symbol) bucket
// in deterministic priority order.
func (r *Repository) OpenOrdersForBucket(ctx context.Context, accountID int64, symbol string) ([]OpenOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE account_id = ? AND symbol = ?
		ORDER BY priority ASC, sort_price ASC, webhook_received_at ASC, id ASC
	`, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("query bucket open orders: %w", err)
	}
	defer rows.Close()

	var out []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOpenOrders returns total and stop-type live order counts for a bucket.
// CANCELLING rows still occupy an exchange slot and are counted.
func (r *Repository) CountOpenOrders(ctx context.Context, accountID int64, symbol string) (total, stops int, err error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN order_type IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM open_orders WHERE account_id = ? AND symbol = ?
	`, TypeStopMarket, TypeStopLimit, accountID, symbol)
	if err = row.Scan(&total, &stops); err != nil {
		return 0, 0, fmt.Errorf("count open orders: %w", err)
	}
	return total, stops, nil
}

// TryAcquireProcessingLock atomically claims an order for processing.
// Returns false when another worker already holds the lock.
func (r *Repository) TryAcquireProcessingLock(ctx context.Context, id int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE open_orders
		SET is_processing = 1, processing_started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND is_processing = 0
	`, id)
	if err != nil {
		return false, fmt.Errorf("acquire processing lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseProcessingLock clears the processing flag.
func (r *Repository) ReleaseProcessingLock(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE open_orders SET is_processing = 0, processing_started_at = NULL WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("release processing lock: %w", err)
	}
	return nil
}

// ReapStaleProcessing clears processing locks older than threshold so that
// crashed holders do not wedge their orders. Returns the number of reaped rows.
func (r *Repository) ReapStaleProcessing(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := r.q.ExecContext(ctx, `
		UPDATE open_orders
		SET is_processing = 0, processing_started_at = NULL
		WHERE is_processing = 1 AND processing_started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale processing: %w", err)
	}
	return res.RowsAffected()
}

// TransitionOrder moves an order to a new status, updating the filled
// quantity when given. Terminal statuses are sinks: transitions out of them
// return ErrTerminalStatus.
func (r *Repository) TransitionOrder(ctx context.Context, id int64, newStatus string, filledQty *float64) error {
	var res sql.Result
	var err error
	if filledQty != nil {
		res, err = r.q.ExecContext(ctx, `
			UPDATE open_orders SET status = ?, filled_qty = ?
			WHERE id = ? AND status NOT IN (?, ?, ?, ?)
		`, newStatus, *filledQty, id, StatusFilled, StatusCancelled, StatusExpired, StatusFailed)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE open_orders SET status = ?
			WHERE id = ? AND status NOT IN (?, ?, ?, ?)
		`, newStatus, id, StatusFilled, StatusCancelled, StatusExpired, StatusFailed)
	}
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish "gone" from "terminal".
	if _, err := r.GetOpenOrder(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

// MarkCancelling flips an order to CANCELLING DB-first and records the
// attempt time. Already-terminal orders return ErrTerminalStatus.
func (r *Repository) MarkCancelling(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE open_orders
		SET status = ?, cancel_attempted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)
	`, StatusCancelling, id, StatusFilled, StatusCancelled, StatusExpired, StatusFailed)
	if err != nil {
		return fmt.Errorf("mark cancelling: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetOpenOrder(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

// UpdateFilledQty records partial-fill progress without a status change.
func (r *Repository) UpdateFilledQty(ctx context.Context, id int64, filledQty float64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE open_orders SET filled_qty = ? WHERE id = ?`, filledQty, id)
	if err != nil {
		return fmt.Errorf("update filled qty: %w", err)
	}
	return nil
}

// DeleteOpenOrder removes a terminal order row.
func (r *Repository) DeleteOpenOrder(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM open_orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete open order: %w", err)
	}
	return nil
}

// ListStaleOpenOrders returns unlocked rows that have not been confirmed
// recently: CANCELLING rows whose cancel attempt is older than cutoff, and
// any other row created before cutoff. These are the candidates for the REST
// drift sweep; a lost stream event otherwise leaves them behind forever.
func (r *Repository) ListStaleOpenOrders(ctx context.Context, cutoff time.Time, limit int) ([]OpenOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders
		WHERE is_processing = 0
		  AND ((status = ? AND COALESCE(cancel_attempted_at, created_at) < ?)
		    OR (status != ? AND created_at < ?))
		ORDER BY id ASC LIMIT ?
	`, StatusCancelling, cutoff.UTC(), StatusCancelling, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale open orders: %w", err)
	}
	defer rows.Close()

	var out []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Bucket identifies an (account, symbol) grouping.
type Bucket struct {
	AccountID int64
	Symbol    string
}

// ActiveBuckets lists every bucket that currently has live or pending orders.
// Used by the scheduled repair sweep.
func (r *Repository) ActiveBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT account_id, symbol FROM open_orders
		UNION
		SELECT account_id, symbol FROM pending_orders
	`)
	if err != nil {
		return nil, fmt.Errorf("query active buckets: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.AccountID, &b.Symbol); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListOpenOrders returns recent live orders across all buckets (operator API).
func (r *Repository) ListOpenOrders(ctx context.Context, limit int) ([]OpenOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+openOrderColumns+` FROM open_orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []OpenOrder
	for rows.Next() {
		o, err := scanOpenOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
