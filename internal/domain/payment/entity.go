package payment

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the provider-agnostic payment status
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Provider represents payment provider
type Provider string

const (
	ProviderNowPayments Provider = "nowpayments"
	ProviderManual      Provider = "manual"
)

// NormalizeProviderStatus maps a gateway-native status onto the unified set.
// Every in-flight sub-state collapses to processing; refunded counts as failed.
func NormalizeProviderStatus(providerStatus string) Status {
	switch providerStatus {
	case "finished":
		return StatusSucceeded
	case "failed", "refunded":
		return StatusFailed
	case "expired":
		return StatusExpired
	default:
		return StatusProcessing
	}
}

// JSONRawMessage handles NULL json fields from DB
type JSONRawMessage []byte

func (j *JSONRawMessage) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
	return nil
}

func (j JSONRawMessage) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return []byte(j), nil
}

func (j JSONRawMessage) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// Payment is the unified payment record shared by every provider.
type Payment struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	UserID              uuid.UUID       `db:"user_id" json:"user_id"`
	Provider            Provider        `db:"provider" json:"provider"`
	ProviderPaymentID   string          `db:"provider_payment_id" json:"provider_payment_id"`
	Status              Status          `db:"status" json:"status"`
	ProviderStatus      sql.NullString  `db:"provider_status" json:"provider_status,omitempty"`
	Amount              float64         `db:"amount" json:"amount"`
	Currency            string          `db:"currency" json:"currency"`
	AmountUSD           sql.NullFloat64 `db:"amount_usd" json:"amount_usd,omitempty"`
	OrderID             sql.NullString  `db:"order_id" json:"order_id,omitempty"`
	SubscriptionID      uuid.NullUUID   `db:"subscription_id" json:"subscription_id,omitempty"`
	CreditTransactionID uuid.NullUUID   `db:"credit_transaction_id" json:"credit_transaction_id,omitempty"`
	Metadata            JSONRawMessage  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the record can no longer change status.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSucceeded || p.Status == StatusFailed || p.Status == StatusExpired
}

// CreateInput carries the fields checkout supplies when a payment is opened.
type CreateInput struct {
	UserID            uuid.UUID
	Provider          Provider
	ProviderPaymentID string
	ProviderStatus    string
	Amount            float64
	Currency          string
	AmountUSD         *float64
	OrderID           string
	Metadata          map[string]interface{}
}
