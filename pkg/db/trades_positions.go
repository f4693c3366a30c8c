package db

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTrade records a realized fill. The UNIQUE(exchange_order_id)
// constraint makes duplicate stream deliveries a no-op; the bool reports
// whether a row was actually inserted.
func (r *Repository) InsertTrade(ctx context.Context, t Trade) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (strategy_account_id, exchange_order_id, symbol, side,
			qty, order_price, avg_price, fee, realized_pnl, is_entry, market_type, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.StrategyAccountID, t.ExchangeOrderID, t.Symbol, t.Side, t.Quantity, t.OrderPrice,
		t.AveragePrice, t.Fee, t.RealizedPnL, t.IsEntry, t.MarketType, t.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TradeExists reports whether a fill was already realized for the exchange order.
func (r *Repository) TradeExists(ctx context.Context, exchangeOrderID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE exchange_order_id = ?`, exchangeOrderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query trade exists: %w", err)
	}
	return n > 0, nil
}

// ListTrades returns recent trades (operator API).
func (r *Repository) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, strategy_account_id, exchange_order_id, symbol, side, qty, order_price,
		       avg_price, fee, realized_pnl, is_entry, market_type, ts
		FROM trades ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.StrategyAccountID, &t.ExchangeOrderID, &t.Symbol,
			&t.Side, &t.Quantity, &t.OrderPrice, &t.AveragePrice, &t.Fee, &t.RealizedPnL,
			&t.IsEntry, &t.MarketType, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetPosition returns the signed position for a (strategy-account, symbol).
// A missing row is an empty position, not an error.
func (r *Repository) GetPosition(ctx context.Context, strategyAccountID int64, symbol string) (StrategyPosition, error) {
	p := StrategyPosition{StrategyAccountID: strategyAccountID, Symbol: symbol}
	err := r.q.QueryRowContext(ctx, `
		SELECT qty, entry_price, updated_at FROM strategy_positions
		WHERE strategy_account_id = ? AND symbol = ?
	`, strategyAccountID, symbol).Scan(&p.Quantity, &p.EntryPrice, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// UpsertPosition writes the position row. Zero-quantity rows are kept: the
// capital allocator's has-open-positions check reads them.
func (r *Repository) UpsertPosition(ctx context.Context, p StrategyPosition) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_account_id, symbol, qty, entry_price, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			updated_at = CURRENT_TIMESTAMP
	`, p.StrategyAccountID, p.Symbol, p.Quantity, p.EntryPrice)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListPositions returns all positions for a strategy account.
func (r *Repository) ListPositions(ctx context.Context, strategyAccountID int64) ([]StrategyPosition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT strategy_account_id, symbol, qty, entry_price, updated_at
		FROM strategy_positions WHERE strategy_account_id = ?
	`, strategyAccountID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []StrategyPosition
	for rows.Next() {
		var p StrategyPosition
		if err := rows.Scan(&p.StrategyAccountID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
