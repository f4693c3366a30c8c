package db

import (
	"context"
	"database/sql"
	"fmt"
)

const pendingColumns = `id, account_id, strategy_account_id, symbol, side, order_type,
	price, stop_price, qty, priority, sort_price, market_type, webhook_received_at,
	retry_count, COALESCE(reason, ''), created_at`

func scanPending(row interface{ Scan(...any) error }) (PendingOrder, error) {
	var p PendingOrder
	err := row.Scan(&p.ID, &p.AccountID, &p.StrategyAccountID, &p.Symbol, &p.Side,
		&p.OrderType, &p.Price, &p.StopPrice, &p.Quantity, &p.Priority, &p.SortPrice,
		&p.MarketType, &p.WebhookReceivedAt, &p.RetryCount, &p.Reason, &p.CreatedAt)
	return p, err
}

// CreatePendingOrder parks an intent that could not get an exchange slot.
// webhook_received_at is required: it is the tie-breaker that keeps rebalance
// stable across Pending/Open conversions.
func (r *Repository) CreatePendingOrder(ctx context.Context, p PendingOrder) (int64, error) {
	if p.WebhookReceivedAt.IsZero() {
		return 0, fmt.Errorf("pending order requires webhook_received_at")
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO pending_orders (account_id, strategy_account_id, symbol, side, order_type,
			price, stop_price, qty, priority, sort_price, market_type, webhook_received_at,
			retry_count, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.AccountID, p.StrategyAccountID, p.Symbol, p.Side, p.OrderType, p.Price, p.StopPrice,
		p.Quantity, p.Priority, p.SortPrice, p.MarketType, p.WebhookReceivedAt.UTC(),
		p.RetryCount, p.Reason)
	if err != nil {
		return 0, fmt.Errorf("insert pending order: %w", err)
	}
	return res.LastInsertId()
}

// GetPendingOrder returns a queued intent by id.
func (r *Repository) GetPendingOrder(ctx context.Context, id int64) (*PendingOrder, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_orders WHERE id = ?`, id)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending order: %w", err)
	}
	return &p, nil
}

// PendingForBucket returns queued intents for one bucket in priority order.
func (r *Repository) PendingForBucket(ctx context.Context, accountID int64, symbol string) ([]PendingOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_orders
		WHERE account_id = ? AND symbol = ?
		ORDER BY priority ASC, sort_price ASC, webhook_received_at ASC, id ASC
	`, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("query bucket pending orders: %w", err)
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingOrder removes a queued intent (promotion or rejection).
func (r *Repository) DeletePendingOrder(ctx context.Context, id int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM pending_orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending order: %w", err)
	}
	return nil
}

// ListPendingOrders returns recent queued intents (operator API).
func (r *Repository) ListPendingOrders(ctx context.Context, limit int) ([]PendingOrder, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
