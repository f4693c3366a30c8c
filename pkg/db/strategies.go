package db

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertAccount creates or updates an exchange account by name.
func (r *Repository) UpsertAccount(ctx context.Context, a Account) (int64, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO accounts (name, exchange, market_type, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			exchange = excluded.exchange,
			market_type = excluded.market_type,
			is_active = excluded.is_active
	`, a.Name, a.Exchange, a.MarketType, a.IsActive)
	if err != nil {
		return 0, fmt.Errorf("upsert account: %w", err)
	}
	var id int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE name = ?`, a.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("query account id: %w", err)
	}
	return id, nil
}

// GetAccount returns an account by id.
func (r *Repository) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var a Account
	err := r.q.QueryRowContext(ctx, `
		SELECT id, name, exchange, market_type, is_active FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.Exchange, &a.MarketType, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// ListActiveAccounts returns every active account.
func (r *Repository) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, exchange, market_type, is_active FROM accounts WHERE is_active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Exchange, &a.MarketType, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertStrategy creates or updates a strategy by group name.
func (r *Repository) UpsertStrategy(ctx context.Context, s Strategy) (int64, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO strategies (group_name, webhook_token, is_active, is_public)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_name) DO UPDATE SET
			webhook_token = excluded.webhook_token,
			is_active = excluded.is_active,
			is_public = excluded.is_public
	`, s.GroupName, s.WebhookToken, s.IsActive, s.IsPublic)
	if err != nil {
		return 0, fmt.Errorf("upsert strategy: %w", err)
	}
	var id int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT id FROM strategies WHERE group_name = ?`, s.GroupName).Scan(&id); err != nil {
		return 0, fmt.Errorf("query strategy id: %w", err)
	}
	return id, nil
}

// GetStrategyByGroup resolves a strategy by its unique group name.
func (r *Repository) GetStrategyByGroup(ctx context.Context, groupName string) (*Strategy, error) {
	var s Strategy
	err := r.q.QueryRowContext(ctx, `
		SELECT id, group_name, webhook_token, is_active, is_public
		FROM strategies WHERE group_name = ?
	`, groupName).Scan(&s.ID, &s.GroupName, &s.WebhookToken, &s.IsActive, &s.IsPublic)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return &s, nil
}

// UpsertStrategyAccount creates or updates a binding.
func (r *Repository) UpsertStrategyAccount(ctx context.Context, b StrategyAccount) (int64, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO strategy_accounts (strategy_id, account_id, weight, leverage, max_symbols,
			is_active, subscriber_token)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, account_id) DO UPDATE SET
			weight = excluded.weight,
			leverage = excluded.leverage,
			max_symbols = excluded.max_symbols,
			is_active = excluded.is_active,
			subscriber_token = excluded.subscriber_token
	`, b.StrategyID, b.AccountID, b.Weight, b.Leverage, b.MaxSymbols, b.IsActive, b.SubscriberToken)
	if err != nil {
		return 0, fmt.Errorf("upsert strategy account: %w", err)
	}
	var id int64
	if err := r.q.QueryRowContext(ctx, `
		SELECT id FROM strategy_accounts WHERE strategy_id = ? AND account_id = ?
	`, b.StrategyID, b.AccountID).Scan(&id); err != nil {
		return 0, fmt.Errorf("query strategy account id: %w", err)
	}
	return id, nil
}

// GetStrategyAccount returns one binding.
func (r *Repository) GetStrategyAccount(ctx context.Context, id int64) (*StrategyAccount, error) {
	var b StrategyAccount
	err := r.q.QueryRowContext(ctx, `
		SELECT id, strategy_id, account_id, weight, leverage, max_symbols, is_active,
		       COALESCE(subscriber_token, '')
		FROM strategy_accounts WHERE id = ?
	`, id).Scan(&b.ID, &b.StrategyID, &b.AccountID, &b.Weight, &b.Leverage, &b.MaxSymbols,
		&b.IsActive, &b.SubscriberToken)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy account: %w", err)
	}
	return &b, nil
}

// ActiveBindings returns the active bindings of a strategy with their
// accounts joined in.
func (r *Repository) ActiveBindings(ctx context.Context, strategyID int64) ([]StrategyAccount, map[int64]Account, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT sa.id, sa.strategy_id, sa.account_id, sa.weight, sa.leverage, sa.max_symbols,
		       sa.is_active, COALESCE(sa.subscriber_token, ''),
		       a.id, a.name, a.exchange, a.market_type, a.is_active
		FROM strategy_accounts sa
		JOIN accounts a ON a.id = sa.account_id
		WHERE sa.strategy_id = ? AND sa.is_active = 1 AND a.is_active = 1
		ORDER BY sa.id ASC
	`, strategyID)
	if err != nil {
		return nil, nil, fmt.Errorf("query active bindings: %w", err)
	}
	defer rows.Close()

	var bindings []StrategyAccount
	accounts := make(map[int64]Account)
	for rows.Next() {
		var b StrategyAccount
		var a Account
		if err := rows.Scan(&b.ID, &b.StrategyID, &b.AccountID, &b.Weight, &b.Leverage,
			&b.MaxSymbols, &b.IsActive, &b.SubscriberToken,
			&a.ID, &a.Name, &a.Exchange, &a.MarketType, &a.IsActive); err != nil {
			return nil, nil, fmt.Errorf("scan binding: %w", err)
		}
		bindings = append(bindings, b)
		accounts[a.ID] = a
	}
	return bindings, accounts, rows.Err()
}

// AllocatedCapital returns the capital the external allocator assigned to a
// binding; zero when none has been set yet.
func (r *Repository) AllocatedCapital(ctx context.Context, strategyAccountID int64) (float64, error) {
	var v float64
	err := r.q.QueryRowContext(ctx, `
		SELECT allocated_capital FROM strategy_capital WHERE strategy_account_id = ?
	`, strategyAccountID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query allocated capital: %w", err)
	}
	return v, nil
}

// SetAllocatedCapital is called by the external capital allocator.
func (r *Repository) SetAllocatedCapital(ctx context.Context, strategyAccountID int64, capital float64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO strategy_capital (strategy_account_id, allocated_capital, last_rebalance_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_account_id) DO UPDATE SET
			allocated_capital = excluded.allocated_capital,
			last_rebalance_at = CURRENT_TIMESTAMP
	`, strategyAccountID, capital)
	if err != nil {
		return fmt.Errorf("set allocated capital: %w", err)
	}
	return nil
}
