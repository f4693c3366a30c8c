package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query can run
// standalone or inside a caller-owned transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the sole mutator of order, trade, position and retry-queue
// rows. Status transitions and processing locks live here so that no other
// component can write a state the invariants forbid.
type Repository struct {
	q DBTX
}

// Repo returns a repository bound to the database handle.
func (d *Database) Repo() *Repository {
	return &Repository{q: d.DB}
}

// WithTx returns a repository bound to an open transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{q: tx}
}
