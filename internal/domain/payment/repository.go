package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mwork/mwork-reconciler/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

const paymentColumns = `id, user_id, provider, provider_payment_id, status, provider_status,
	amount, currency, amount_usd, order_id, subscription_id, credit_transaction_id,
	metadata, created_at, updated_at`

// Repository defines payment data access.
// Write methods take an optional caller-owned transaction; nil runs on the pool.
type Repository interface {
	Create(ctx context.Context, q database.Querier, in CreateInput) (*Payment, error)
	UpdateStatusByProviderPaymentID(ctx context.Context, q database.Querier, provider Provider, providerPaymentID string, status Status, providerStatus string, metadataPatch map[string]interface{}) (*Payment, error)
	FindByProviderPaymentID(ctx context.Context, provider Provider, providerPaymentID string) (*Payment, error)
	FindLatestByOrderID(ctx context.Context, orderID string) (*Payment, error)
	LinkCreditTransaction(ctx context.Context, q database.Querier, paymentID, creditTransactionID uuid.UUID) error
	LinkSubscription(ctx context.Context, q database.Querier, paymentID, subscriptionID uuid.UUID) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates payment repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) conn(q database.Querier) database.Querier {
	if q == nil {
		return r.db
	}
	return q
}

func (r *repository) Create(ctx context.Context, q database.Querier, in CreateInput) (*Payment, error) {
	if in.UserID == uuid.Nil || strings.TrimSpace(in.ProviderPaymentID) == "" || in.Provider == "" {
		return nil, ErrInvalidInput
	}

	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	var amountUSD sql.NullFloat64
	if in.AmountUSD != nil {
		amountUSD = sql.NullFloat64{Float64: *in.AmountUSD, Valid: true}
	}
	providerStatus := in.ProviderStatus
	if providerStatus == "" {
		providerStatus = "waiting"
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO payments (id, user_id, provider, provider_payment_id, status, provider_status,
			amount, currency, amount_usd, order_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING ` + paymentColumns

	var p Payment
	err = r.conn(q).GetContext(ctx2, &p, query,
		uuid.New(),
		in.UserID,
		in.Provider,
		in.ProviderPaymentID,
		NormalizeProviderStatus(providerStatus),
		providerStatus,
		in.Amount,
		in.Currency,
		amountUSD,
		nullString(in.OrderID),
		meta,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicatePayment
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return &p, nil
}

// UpdateStatusByProviderPaymentID records a status transition. The raw
// provider status is stored verbatim next to the normalized one and the
// patch is merged into the existing metadata.
func (r *repository) UpdateStatusByProviderPaymentID(
	ctx context.Context,
	q database.Querier,
	provider Provider,
	providerPaymentID string,
	status Status,
	providerStatus string,
	metadataPatch map[string]interface{},
) (*Payment, error) {
	patch, err := encodeMetadata(metadataPatch)
	if err != nil {
		return nil, err
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE payments
		SET status = $1,
			provider_status = $2,
			metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
			updated_at = NOW()
		WHERE provider = $4 AND provider_payment_id = $5
		RETURNING ` + paymentColumns

	var p Payment
	err = r.conn(q).GetContext(ctx2, &p, query, status, nullString(providerStatus), patch, provider, providerPaymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	return &p, nil
}

func (r *repository) FindByProviderPaymentID(ctx context.Context, provider Provider, providerPaymentID string) (*Payment, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_payment_id = $2`

	var p Payment
	err := r.db.GetContext(ctx2, &p, query, provider, providerPaymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return &p, nil
}

func (r *repository) FindLatestByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`

	var p Payment
	err := r.db.GetContext(ctx2, &p, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by order: %w", err)
	}
	return &p, nil
}

func (r *repository) LinkCreditTransaction(ctx context.Context, q database.Querier, paymentID, creditTransactionID uuid.UUID) error {
	return r.link(ctx, q, "credit_transaction_id", paymentID, creditTransactionID)
}

func (r *repository) LinkSubscription(ctx context.Context, q database.Querier, paymentID, subscriptionID uuid.UUID) error {
	return r.link(ctx, q, "subscription_id", paymentID, subscriptionID)
}

// column is always one of the two literals above.
func (r *repository) link(ctx context.Context, q database.Querier, column string, paymentID, targetID uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `UPDATE payments SET ` + column + ` = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.conn(q).ExecContext(ctx2, query, targetID, paymentID)
	if err != nil {
		return fmt.Errorf("link %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func encodeMetadata(m map[string]interface{}) (JSONRawMessage, error) {
	if len(m) == 0 {
		return JSONRawMessage("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}
	return JSONRawMessage(raw), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
