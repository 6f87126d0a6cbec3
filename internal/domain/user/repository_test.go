package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func TestGetByID(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	repo := NewRepository(sqlx.NewDb(raw, "postgres"))

	id := uuid.New()
	mock.ExpectQuery("FROM users WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "is_banned", "created_at", "updated_at"}).
			AddRow(id.String(), "a@example.com", "model", true, time.Now(), time.Now()))

	u, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u.IsActive() {
		t.Fatal("banned user must not be active")
	}
}

func TestGetByID_NotFound(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	repo := NewRepository(sqlx.NewDb(raw, "postgres"))

	mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
