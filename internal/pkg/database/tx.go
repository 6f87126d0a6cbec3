package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx so repository writes can
// enlist in a transaction owned by the caller.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// TxBeginner starts read-committed transactions. *sqlx.DB implements it.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// BeginTx opens a read-committed transaction.
func BeginTx(ctx context.Context, db TxBeginner) (*sqlx.Tx, error) {
	return db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func WithTx(ctx context.Context, db TxBeginner, fn func(tx *sqlx.Tx) error) error {
	tx, err := BeginTx(ctx, db)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// TxRunner runs a unit of work inside one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(q Querier) error) error
}

// SQLRunner is the Postgres TxRunner.
type SQLRunner struct {
	DB TxBeginner
}

func NewSQLRunner(db TxBeginner) *SQLRunner {
	return &SQLRunner{DB: db}
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	return WithTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		return fn(tx)
	})
}
