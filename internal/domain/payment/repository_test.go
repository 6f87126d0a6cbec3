package payment

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var testColumns = []string{
	"id", "user_id", "provider", "provider_payment_id", "status", "provider_status",
	"amount", "currency", "amount_usd", "order_id", "subscription_id", "credit_transaction_id",
	"metadata", "created_at", "updated_at",
}

func setupRepo(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return NewRepository(sqlx.NewDb(raw, "postgres")), mock
}

func paymentRow(id, userID uuid.UUID, status Status, providerStatus string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testColumns).AddRow(
		id.String(), userID.String(), "nowpayments", "5077125051", string(status), providerStatus,
		0.0012, "btc", 50.0, "order-1", nil, nil,
		[]byte(`{"lastProviderStatus":"`+providerStatus+`"}`), now, now,
	)
}

func TestCreate_InsertsAndReturnsRecord(t *testing.T) {
	repo, mock := setupRepo(t)
	id, userID := uuid.New(), uuid.New()

	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(sqlmock.AnyArg(), userID, "nowpayments", "5077125051", "processing", "waiting",
			0.0012, "btc", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(paymentRow(id, userID, StatusProcessing, "waiting"))

	usd := 50.0
	p, err := repo.Create(context.Background(), nil, CreateInput{
		UserID:            userID,
		Provider:          ProviderNowPayments,
		ProviderPaymentID: "5077125051",
		Amount:            0.0012,
		Currency:          "btc",
		AmountUSD:         &usd,
		OrderID:           "order-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID != id || p.Status != StatusProcessing {
		t.Fatalf("unexpected payment %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreate_DuplicateProviderID(t *testing.T) {
	repo, mock := setupRepo(t)

	mock.ExpectQuery("INSERT INTO payments").WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), nil, CreateInput{
		UserID:            uuid.New(),
		Provider:          ProviderNowPayments,
		ProviderPaymentID: "5077125051",
	})
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestCreate_RejectsMissingFields(t *testing.T) {
	repo, _ := setupRepo(t)

	_, err := repo.Create(context.Background(), nil, CreateInput{Provider: ProviderNowPayments})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateStatus_PreservesRawStatusAndMergesMetadata(t *testing.T) {
	repo, mock := setupRepo(t)
	id, userID := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE payments\s+SET status = \$1`).
		WithArgs("processing", "confirming", []byte(`{"lastProviderStatus":"confirming"}`), "nowpayments", "5077125051").
		WillReturnRows(paymentRow(id, userID, StatusProcessing, "confirming"))

	p, err := repo.UpdateStatusByProviderPaymentID(context.Background(), nil,
		ProviderNowPayments, "5077125051", StatusProcessing, "confirming",
		map[string]interface{}{"lastProviderStatus": "confirming"})
	if err != nil {
		t.Fatalf("UpdateStatusByProviderPaymentID: %v", err)
	}
	if p.ProviderStatus.String != "confirming" {
		t.Fatalf("expected raw status preserved, got %q", p.ProviderStatus.String)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatus_UsesCallerTransaction(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")
	repo := NewRepository(db)
	id, userID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").WillReturnRows(paymentRow(id, userID, StatusSucceeded, "finished"))
	mock.ExpectRollback()

	tx, err := db.Beginx()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := repo.UpdateStatusByProviderPaymentID(context.Background(), tx,
		ProviderNowPayments, "5077125051", StatusSucceeded, "finished", nil); err != nil {
		t.Fatalf("update in tx: %v", err)
	}
	_ = tx.Rollback()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	repo, mock := setupRepo(t)
	mock.ExpectQuery("UPDATE payments").WillReturnError(sql.ErrNoRows)

	_, err := repo.UpdateStatusByProviderPaymentID(context.Background(), nil,
		ProviderNowPayments, "999999999", StatusFailed, "failed", nil)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestFindByProviderPaymentID(t *testing.T) {
	repo, mock := setupRepo(t)
	id, userID := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM payments WHERE provider = \\$1 AND provider_payment_id = \\$2").
		WithArgs("nowpayments", "5077125051").
		WillReturnRows(paymentRow(id, userID, StatusProcessing, "waiting"))

	p, err := repo.FindByProviderPaymentID(context.Background(), ProviderNowPayments, "5077125051")
	if err != nil {
		t.Fatalf("FindByProviderPaymentID: %v", err)
	}
	if p.UserID != userID {
		t.Fatalf("unexpected user %s", p.UserID)
	}
	if !p.AmountUSD.Valid || p.AmountUSD.Float64 != 50 {
		t.Fatalf("unexpected usd amount %+v", p.AmountUSD)
	}
}

func TestFindLatestByOrderID_NotFound(t *testing.T) {
	repo, mock := setupRepo(t)
	mock.ExpectQuery("WHERE order_id = \\$1 ORDER BY created_at DESC").
		WithArgs("order-x").
		WillReturnRows(sqlmock.NewRows(testColumns))

	_, err := repo.FindLatestByOrderID(context.Background(), "order-x")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestLinkCreditTransaction(t *testing.T) {
	repo, mock := setupRepo(t)
	paymentID, creditID := uuid.New(), uuid.New()

	mock.ExpectExec("UPDATE payments SET credit_transaction_id = \\$1").
		WithArgs(creditID, paymentID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.LinkCreditTransaction(context.Background(), nil, paymentID, creditID); err != nil {
		t.Fatalf("LinkCreditTransaction: %v", err)
	}
}

func TestLinkSubscription_MissingPayment(t *testing.T) {
	repo, mock := setupRepo(t)

	mock.ExpectExec("UPDATE payments SET subscription_id = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.LinkSubscription(context.Background(), nil, uuid.New(), uuid.New())
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestNormalizeProviderStatus(t *testing.T) {
	cases := map[string]Status{
		"waiting":        StatusProcessing,
		"confirming":     StatusProcessing,
		"confirmed":      StatusProcessing,
		"sending":        StatusProcessing,
		"partially_paid": StatusProcessing,
		"finished":       StatusSucceeded,
		"failed":         StatusFailed,
		"refunded":       StatusFailed,
		"expired":        StatusExpired,
	}
	for raw, want := range cases {
		if got := NormalizeProviderStatus(raw); got != want {
			t.Fatalf("%s: expected %s, got %s", raw, want, got)
		}
	}
}
