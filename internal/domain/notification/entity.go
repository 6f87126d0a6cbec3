package notification

import (
	"time"

	"github.com/google/uuid"
)

// Type represents notification type
type Type string

const (
	TypeCreditsAllocated Type = "credits_allocated"
)

// CreditsAllocated is published after a payment was converted into credit.
type CreditsAllocated struct {
	Type          Type      `json:"type"`
	UserID        uuid.UUID `json:"user_id"`
	PaymentID     string    `json:"payment_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	CreditAmount  float64   `json:"credit_amount"`
	BalanceAfter  float64   `json:"balance_after"`
	Manual        bool      `json:"manual"`
	OccurredAt    time.Time `json:"occurred_at"`
}
