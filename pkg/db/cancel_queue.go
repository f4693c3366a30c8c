package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const cancelColumns = `id, order_id, strategy_id, account_id, requested_at, retry_count,
	max_retries, next_retry_at, status, COALESCE(error_message, '')`

func scanCancelItem(row interface{ Scan(...any) error }) (CancelQueueItem, error) {
	var c CancelQueueItem
	err := row.Scan(&c.ID, &c.OrderID, &c.StrategyID, &c.AccountID, &c.RequestedAt,
		&c.RetryCount, &c.MaxRetries, &c.NextRetryAt, &c.Status, &c.ErrorMessage)
	return c, err
}

// EnqueueCancel records a durable cancel intent for an open order.
func (r *Repository) EnqueueCancel(ctx context.Context, orderID, strategyID, accountID int64, maxRetries int) (int64, error) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO cancel_queue (order_id, strategy_id, account_id, max_retries, status)
		VALUES (?, ?, ?, ?, ?)
	`, orderID, strategyID, accountID, maxRetries, CancelPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue cancel: %w", err)
	}
	return res.LastInsertId()
}

// ClaimDueCancels atomically claims up to limit due cancel intents by setting
// them PROCESSING inside one transaction, so no item is picked up by two
// workers. Items already PROCESSING are re-claimable once their next_retry_at
// passes (crashed-worker recovery).
func (d *Database) ClaimDueCancels(ctx context.Context, limit int) ([]CancelQueueItem, error) {
	var claimed []CancelQueueItem
	err := d.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+cancelColumns+` FROM cancel_queue
			WHERE status IN (?, ?)
			  AND (next_retry_at IS NULL OR next_retry_at <= CURRENT_TIMESTAMP)
			ORDER BY requested_at ASC
			LIMIT ?
		`, CancelPending, CancelProcessing, limit)
		if err != nil {
			return fmt.Errorf("select due cancels: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCancelItem(rows)
			if err != nil {
				return fmt.Errorf("scan cancel item: %w", err)
			}
			claimed = append(claimed, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		args := make([]any, len(claimed))
		for i, c := range claimed {
			ids[i] = "?"
			args[i] = c.ID
		}
		// Push next_retry_at out so a concurrent claimer cannot re-select the
		// same rows before this batch settles.
		_, err = tx.ExecContext(ctx, `
			UPDATE cancel_queue
			SET status = '`+CancelProcessing+`',
			    next_retry_at = DATETIME(CURRENT_TIMESTAMP, '+5 minutes')
			WHERE id IN (`+strings.Join(ids, ",")+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("claim cancels: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ResolveCancel marks a cancel intent terminal (SUCCESS or FAILED).
// Terminal statuses never revert: the guard keeps a late worker from
// resurrecting a settled item.
func (r *Repository) ResolveCancel(ctx context.Context, id int64, status, errMsg string) error {
	if status != CancelSuccess && status != CancelFailed {
		return fmt.Errorf("resolve cancel: %q is not terminal", status)
	}
	_, err := r.q.ExecContext(ctx, `
		UPDATE cancel_queue SET status = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, errMsg, id, CancelSuccess, CancelFailed)
	if err != nil {
		return fmt.Errorf("resolve cancel: %w", err)
	}
	return nil
}

// RescheduleCancel bumps the retry counter and schedules the next attempt.
// retry_count is monotonically non-decreasing.
func (r *Repository) RescheduleCancel(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE cancel_queue
		SET status = ?, retry_count = retry_count + 1, next_retry_at = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, CancelPending, nextRetryAt.UTC(), errMsg, id, CancelSuccess, CancelFailed)
	if err != nil {
		return fmt.Errorf("reschedule cancel: %w", err)
	}
	return nil
}

// GetCancelItem returns one cancel-queue row.
func (r *Repository) GetCancelItem(ctx context.Context, id int64) (*CancelQueueItem, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+cancelColumns+` FROM cancel_queue WHERE id = ?`, id)
	c, err := scanCancelItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cancel item: %w", err)
	}
	return &c, nil
}

// ListCancelQueue returns recent cancel intents (operator API).
func (r *Repository) ListCancelQueue(ctx context.Context, limit int) ([]CancelQueueItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+cancelColumns+` FROM cancel_queue ORDER BY requested_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cancel queue: %w", err)
	}
	defer rows.Close()

	var out []CancelQueueItem
	for rows.Next() {
		c, err := scanCancelItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
