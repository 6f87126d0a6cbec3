package credit

import (
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"
)

// EntryType defines supported ledger entry types.
type EntryType string

const (
	EntryTypeDeposit  EntryType = "deposit"
	EntryTypePurchase EntryType = "purchase"
	EntryTypeRefund   EntryType = "refund"
	EntryTypeBonus    EntryType = "bonus"
)

// MonitoringSkipped marks rows the status poller must never poll.
const MonitoringSkipped = "skipped"

// StatusFinished is the only gateway status that earns credit.
const StatusFinished = "finished"

// Provider statuses that end a payment's lifecycle.
var terminalStatuses = []string{StatusFinished, "failed", "expired", "refunded"}

// IsTerminalStatus reports whether a gateway status is final.
func IsTerminalStatus(status string) bool {
	for _, s := range terminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// LedgerEntry is one row of credit_ledger.
type LedgerEntry struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	UserID           uuid.UUID      `db:"user_id" json:"user_id"`
	Type             EntryType      `db:"type" json:"type"`
	Amount           float64        `db:"amount" json:"amount"`
	BalanceBefore    float64        `db:"balance_before" json:"balance_before"`
	BalanceAfter     float64        `db:"balance_after" json:"balance_after"`
	PaymentID        sql.NullString `db:"payment_id" json:"payment_id,omitempty"`
	PaymentStatus    sql.NullString `db:"payment_status" json:"payment_status,omitempty"`
	MonitoringStatus sql.NullString `db:"monitoring_status" json:"monitoring_status,omitempty"`
	PayinHash        sql.NullString `db:"payin_hash" json:"payin_hash,omitempty"`
	Metadata         LedgerMetadata `db:"metadata" json:"metadata"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// IsCompleted reports whether credits were already allocated on this row.
func (e *LedgerEntry) IsCompleted() bool {
	return e.Metadata.PaymentCompleted
}

// PendingEntry is the minimal projection the status poller keeps in its queue.
type PendingEntry struct {
	PaymentID string    `db:"payment_id" json:"paymentId"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Completion is the in-place update that turns a reservation into credit.
type Completion struct {
	EntryID       uuid.UUID
	Amount        float64
	BalanceBefore float64
	PaymentStatus string
	Metadata      LedgerMetadata
}

// BalanceAfter keeps balance_after = balance_before + amount exact to the cent.
func (c Completion) BalanceAfter() float64 {
	return Round2(c.BalanceBefore + c.Amount)
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
