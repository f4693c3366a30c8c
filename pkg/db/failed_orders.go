package db

import (
	"context"
	"database/sql"
	"fmt"
)

const failedColumns = `id, operation_type, strategy_account_id, account_id, symbol, side,
	order_type, qty, price, stop_price, market_type, COALESCE(reason, ''),
	COALESCE(exchange_error, ''), COALESCE(order_params, ''), original_order_id,
	retry_count, status, created_at`

func scanFailedOrder(row interface{ Scan(...any) error }) (FailedOrder, error) {
	var f FailedOrder
	err := row.Scan(&f.ID, &f.OperationType, &f.StrategyAccountID, &f.AccountID, &f.Symbol,
		&f.Side, &f.OrderType, &f.Quantity, &f.Price, &f.StopPrice, &f.MarketType,
		&f.Reason, &f.ExchangeError, &f.OrderParams, &f.OriginalOrderID, &f.RetryCount,
		&f.Status, &f.CreatedAt)
	return f, err
}

// CreateFailedOrder records a create/cancel failure for durable retry.
// ExchangeError must already be sanitized by the caller.
func (r *Repository) CreateFailedOrder(ctx context.Context, f FailedOrder) (int64, error) {
	status := f.Status
	if status == "" {
		status = FailedPendingRetry
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO failed_orders (operation_type, strategy_account_id, account_id, symbol,
			side, order_type, qty, price, stop_price, market_type, reason, exchange_error,
			order_params, original_order_id, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.OperationType, f.StrategyAccountID, f.AccountID, f.Symbol, f.Side, f.OrderType,
		f.Quantity, f.Price, f.StopPrice, f.MarketType, f.Reason, f.ExchangeError,
		f.OrderParams, f.OriginalOrderID, f.RetryCount, status)
	if err != nil {
		return 0, fmt.Errorf("insert failed order: %w", err)
	}
	return res.LastInsertId()
}

// PendingFailedOrders returns retryable failures with retry budget left.
// Removed/completed rows are terminal and never re-selected.
func (r *Repository) PendingFailedOrders(ctx context.Context, limit int) ([]FailedOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+failedColumns+` FROM failed_orders
		WHERE status = ? AND retry_count < 5
		ORDER BY created_at ASC
		LIMIT ?
	`, FailedPendingRetry, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending failed orders: %w", err)
	}
	defer rows.Close()

	var out []FailedOrder
	for rows.Next() {
		f, err := scanFailedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed order: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFailedOrder returns one failed-order row.
func (r *Repository) GetFailedOrder(ctx context.Context, id int64) (*FailedOrder, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+failedColumns+` FROM failed_orders WHERE id = ?`, id)
	f, err := scanFailedOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed order: %w", err)
	}
	return &f, nil
}

// ResolveFailedOrder moves a failure to a terminal status
// (completed or removed). Transitions only run forward.
func (r *Repository) ResolveFailedOrder(ctx context.Context, id int64, status string) error {
	if status != FailedCompleted && status != FailedRemoved {
		return fmt.Errorf("resolve failed order: %q is not terminal", status)
	}
	_, err := r.q.ExecContext(ctx, `
		UPDATE failed_orders SET status = ? WHERE id = ? AND status = ?
	`, status, id, FailedPendingRetry)
	if err != nil {
		return fmt.Errorf("resolve failed order: %w", err)
	}
	return nil
}

// BumpFailedOrderRetry increments the retry counter and stores the latest
// (sanitized) error. At retry 5 the row is marked removed.
func (r *Repository) BumpFailedOrderRetry(ctx context.Context, id int64, sanitizedErr string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE failed_orders
		SET retry_count = retry_count + 1,
		    exchange_error = ?,
		    status = CASE WHEN retry_count + 1 >= 5 THEN ? ELSE status END
		WHERE id = ? AND status = ?
	`, sanitizedErr, FailedRemoved, id, FailedPendingRetry)
	if err != nil {
		return fmt.Errorf("bump failed order retry: %w", err)
	}
	return nil
}

// ListFailedOrders returns recent failures (operator API).
func (r *Repository) ListFailedOrders(ctx context.Context, limit int) ([]FailedOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+failedColumns+` FROM failed_orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed orders: %w", err)
	}
	defer rows.Close()

	var out []FailedOrder
	for rows.Next() {
		f, err := scanFailedOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
