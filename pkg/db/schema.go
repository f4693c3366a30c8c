package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    exchange TEXT NOT NULL,
    market_type TEXT NOT NULL,
    is_active INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    group_name TEXT NOT NULL UNIQUE,
    webhook_token TEXT NOT NULL,
    is_active INTEGER DEFAULT 1,
    is_public INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    weight REAL NOT NULL DEFAULT 1,
    leverage INTEGER DEFAULT 1,
    max_symbols INTEGER DEFAULT 0,
    is_active INTEGER DEFAULT 1,
    subscriber_token TEXT DEFAULT '',
    UNIQUE(strategy_id, account_id),
    FOREIGN KEY(strategy_id) REFERENCES strategies(id),
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS strategy_capital (
    strategy_account_id INTEGER PRIMARY KEY,
    allocated_capital REAL NOT NULL DEFAULT 0,
    last_rebalance_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(strategy_account_id) REFERENCES strategy_accounts(id)
);

CREATE TABLE IF NOT EXISTS open_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_account_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    qty REAL NOT NULL,
    filled_qty REAL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OPEN',
    market_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    sort_price REAL DEFAULT 0,
    webhook_received_at DATETIME NOT NULL,
    is_processing INTEGER DEFAULT 0,
    processing_started_at DATETIME,
    cancel_attempted_at DATETIME,
    error_message TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, exchange_order_id)
);
CREATE INDEX IF NOT EXISTS idx_open_orders_bucket ON open_orders(account_id, symbol);
CREATE INDEX IF NOT EXISTS idx_open_orders_exch ON open_orders(exchange_order_id);

CREATE TABLE IF NOT EXISTS pending_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    strategy_account_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    qty REAL NOT NULL,
    priority INTEGER NOT NULL DEFAULT 100,
    sort_price REAL DEFAULT 0,
    market_type TEXT NOT NULL,
    webhook_received_at DATETIME NOT NULL,
    retry_count INTEGER DEFAULT 0,
    reason TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_bucket ON pending_orders(account_id, symbol);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_account_id INTEGER NOT NULL,
    exchange_order_id TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    order_price REAL DEFAULT 0,
    avg_price REAL DEFAULT 0,
    fee REAL DEFAULT 0,
    realized_pnl REAL DEFAULT 0,
    is_entry INTEGER DEFAULT 1,
    market_type TEXT NOT NULL,
    ts DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_account_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    qty REAL NOT NULL DEFAULT 0,
    entry_price REAL NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_account_id, symbol)
);

CREATE TABLE IF NOT EXISTS cancel_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id INTEGER NOT NULL,
    strategy_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    requested_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    retry_count INTEGER DEFAULT 0,
    max_retries INTEGER DEFAULT 5,
    next_retry_at DATETIME,
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cancel_queue_due ON cancel_queue(status, next_retry_at);

CREATE TABLE IF NOT EXISTS failed_orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_type TEXT NOT NULL,
    strategy_account_id INTEGER NOT NULL,
    account_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL DEFAULT 0,
    stop_price REAL DEFAULT 0,
    market_type TEXT NOT NULL,
    reason TEXT DEFAULT '',
    exchange_error TEXT DEFAULT '',
    order_params TEXT DEFAULT '',
    original_order_id INTEGER DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending_retry',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failed_orders_status ON failed_orders(status);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
// New columns are added nullable and backfilled, never dropped.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "open_orders", "cancel_attempted_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "open_orders", "sort_price", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "pending_orders", "retry_count", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategy_accounts", "subscriber_token", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "failed_orders", "original_order_id", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(sqlDB *sql.DB, table, column, definition string) error {
	exists, err := columnExists(sqlDB, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := sqlDB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(sqlDB *sql.DB, table, column string) (bool, error) {
	rows, err := sqlDB.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
