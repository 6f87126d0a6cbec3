package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

const queryTimeout = 3 * time.Second

const ledgerColumns = `id, user_id, type, amount, balance_before, balance_after, payment_id,
	payment_status, monitoring_status, payin_hash, metadata, created_at, updated_at`

// Repository is the durable credit ledger. Methods taking a Querier run
// inside the caller's transaction; locks they take live until it ends.
type Repository interface {
	CreateReservation(ctx context.Context, q database.Querier, userID uuid.UUID, paymentID string, meta LedgerMetadata) (*LedgerEntry, error)
	LockUser(ctx context.Context, q database.Querier, userID uuid.UUID) error
	SumBalance(ctx context.Context, q database.Querier, userID uuid.UUID) (float64, error)
	FindByPaymentIDForUpdate(ctx context.Context, q database.Querier, paymentID string) (*LedgerEntry, error)
	FindCompletedByPaymentID(ctx context.Context, paymentID string) (*LedgerEntry, error)
	CompleteAllocation(ctx context.Context, q database.Querier, c Completion) error
	UpdatePaymentStatus(ctx context.Context, q database.Querier, entryID uuid.UUID, status, payinHash string, meta LedgerMetadata) error
	MarkSkipped(ctx context.Context, paymentID, reason string) error
	ListMonitorCandidates(ctx context.Context, since time.Time, limit int) ([]PendingEntry, error)
	Balance(ctx context.Context, userID uuid.UUID) (float64, error)
}

// LedgerRepository implements Repository on Postgres.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateReservation opens a zero-amount deposit row for a payment that has
// been handed to the gateway but not yet paid.
func (r *LedgerRepository) CreateReservation(ctx context.Context, q database.Querier, userID uuid.UUID, paymentID string, meta LedgerMetadata) (*LedgerEntry, error) {
	if q == nil {
		q = r.db
	}

	balance, err := r.SumBalance(ctx, q, userID)
	if err != nil {
		return nil, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e LedgerEntry
	err = q.GetContext(ctx2, &e, `
		INSERT INTO credit_ledger (id, user_id, type, amount, balance_before, balance_after,
			payment_id, payment_status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4, $5, 'waiting', $6, NOW(), NOW())
		RETURNING `+ledgerColumns,
		uuid.New(), userID, EntryTypeDeposit, balance, paymentID, meta,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create reservation: %v", ErrInternal, err)
	}
	return &e, nil
}

// LockUser takes a transaction-scoped advisory lock keyed on the user, which
// serializes every balance mutation for that user until commit or rollback.
func (r *LedgerRepository) LockUser(ctx context.Context, q database.Querier, userID uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID.String()); err != nil {
		return fmt.Errorf("%w: advisory lock: %v", ErrInternal, err)
	}
	return nil
}

func (r *LedgerRepository) SumBalance(ctx context.Context, q database.Querier, userID uuid.UUID) (float64, error) {
	var balance float64
	err := q.GetContext(ctx, &balance, `SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: sum balance: %v", ErrInternal, err)
	}
	return balance, nil
}

// FindByPaymentIDForUpdate row-locks the reservation for a payment.
func (r *LedgerRepository) FindByPaymentIDForUpdate(ctx context.Context, q database.Querier, paymentID string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := q.GetContext(ctx, &e, `
		SELECT `+ledgerColumns+`
		FROM credit_ledger
		WHERE payment_id = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock ledger entry: %v", ErrInternal, err)
	}
	return &e, nil
}

// FindCompletedByPaymentID returns the completed allocation for a payment, or nil.
func (r *LedgerRepository) FindCompletedByPaymentID(ctx context.Context, paymentID string) (*LedgerEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e LedgerEntry
	err := r.db.GetContext(ctx2, &e, `
		SELECT `+ledgerColumns+`
		FROM credit_ledger
		WHERE payment_id = $1
		  AND amount > 0
		  AND metadata->>'paymentCompleted' = 'true'
		LIMIT 1
	`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find completed entry: %v", ErrInternal, err)
	}
	return &e, nil
}

// CompleteAllocation updates the reservation in place. It is the only write
// that sets a non-zero amount on a deposit row.
func (r *LedgerRepository) CompleteAllocation(ctx context.Context, q database.Querier, c Completion) error {
	if c.Amount <= 0 {
		return ErrInvalidAmount
	}
	if c.Metadata.Allocation == nil {
		return fmt.Errorf("%w: allocation variant missing", ErrInvalidMetadata)
	}
	if err := c.Metadata.Allocation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE credit_ledger
		SET amount = $1,
			balance_before = $2,
			balance_after = $3,
			payment_status = $4,
			metadata = COALESCE(metadata, '{}'::jsonb) || $5::jsonb,
			updated_at = NOW()
		WHERE id = $6
	`, c.Amount, c.BalanceBefore, c.BalanceAfter(), c.PaymentStatus, c.Metadata, c.EntryID)
	if err != nil {
		return fmt.Errorf("%w: complete allocation: %v", ErrInternal, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *LedgerRepository) UpdatePaymentStatus(ctx context.Context, q database.Querier, entryID uuid.UUID, status, payinHash string, meta LedgerMetadata) error {
	var hash sql.NullString
	if payinHash != "" {
		hash = sql.NullString{String: payinHash, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		UPDATE credit_ledger
		SET payment_status = $1,
			payin_hash = COALESCE($2, payin_hash),
			metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
			updated_at = NOW()
		WHERE id = $4
	`, status, hash, meta, entryID)
	if err != nil {
		return fmt.Errorf("%w: update payment status: %v", ErrInternal, err)
	}
	return nil
}

// MarkSkipped excludes a payment from status polling for good.
func (r *LedgerRepository) MarkSkipped(ctx context.Context, paymentID, reason string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE credit_ledger
		SET monitoring_status = $1,
			metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE payment_id = $3
	`, MonitoringSkipped, LedgerMetadata{SkipReason: reason}, paymentID)
	if err != nil {
		return fmt.Errorf("%w: mark skipped: %v", ErrInternal, err)
	}
	return nil
}

// ListMonitorCandidates discovers recent deposits still waiting on the gateway,
// plus finished ones whose credit was never allocated.
func (r *LedgerRepository) ListMonitorCandidates(ctx context.Context, since time.Time, limit int) ([]PendingEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entries []PendingEntry
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT payment_id, user_id, created_at
		FROM credit_ledger
		WHERE type = $1
		  AND payment_id ~ $2
		  AND (payment_status IS NULL
		       OR payment_status <> ALL($3)
		       OR (payment_status = $7 AND COALESCE((metadata->>'paymentCompleted')::boolean, false) = false))
		  AND monitoring_status IS DISTINCT FROM $4
		  AND created_at >= $5
		ORDER BY created_at ASC
		LIMIT $6
	`, EntryTypeDeposit, nowpayments.PaymentIDPattern, terminalStatusArray(), MonitoringSkipped, since, limit, StatusFinished)
	if err != nil {
		return nil, fmt.Errorf("%w: list monitor candidates: %v", ErrInternal, err)
	}
	return entries, nil
}

// Balance reads the authoritative balance straight from the ledger.
func (r *LedgerRepository) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return r.SumBalance(ctx2, r.db, userID)
}

func terminalStatusArray() pq.StringArray {
	return pq.StringArray(terminalStatuses)
}
