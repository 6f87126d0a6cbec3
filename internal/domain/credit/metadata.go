package credit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AllocationSource says which figure the credited amount was derived from.
type AllocationSource string

const (
	SourceOutcome AllocationSource = "outcome"
	SourceRatio   AllocationSource = "ratio"
	SourceManual  AllocationSource = "manual"
)

// OutcomeAllocation: the gateway reported the settled amount in USD.
type OutcomeAllocation struct {
	OutcomeAmount   float64 `json:"outcomeAmount"`
	OutcomeCurrency string  `json:"outcomeCurrency"`
}

// RatioAllocation: paid USD derived from requested × actually_paid / pay_amount.
type RatioAllocation struct {
	ActuallyPaid float64 `json:"actuallyPaid"`
	PayAmount    float64 `json:"payAmount"`
	PayCurrency  string  `json:"payCurrency"`
}

// ManualAllocation: an administrator forced the allocation.
type ManualAllocation struct {
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

// Allocation is a tagged variant; exactly one branch matches Source.
type Allocation struct {
	Source  AllocationSource   `json:"source"`
	Outcome *OutcomeAllocation `json:"outcome,omitempty"`
	Ratio   *RatioAllocation   `json:"ratio,omitempty"`
	Manual  *ManualAllocation  `json:"manual,omitempty"`
}

// Validate checks that the populated branch agrees with Source.
func (a *Allocation) Validate() error {
	set := 0
	if a.Outcome != nil {
		set++
	}
	if a.Ratio != nil {
		set++
	}
	if a.Manual != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("allocation must carry exactly one variant, got %d", set)
	}

	switch a.Source {
	case SourceOutcome:
		if a.Outcome == nil {
			return fmt.Errorf("allocation source %q without outcome data", a.Source)
		}
	case SourceRatio:
		if a.Ratio == nil {
			return fmt.Errorf("allocation source %q without ratio data", a.Source)
		}
	case SourceManual:
		if a.Manual == nil {
			return fmt.Errorf("allocation source %q without manual data", a.Source)
		}
	default:
		return fmt.Errorf("unknown allocation source %q", a.Source)
	}
	return nil
}

// LedgerMetadata is the typed form of credit_ledger.metadata.
// Writes are merged into the stored document (jsonb ||), so zero fields
// are omitted and never clobber what checkout stored.
type LedgerMetadata struct {
	// Set at reservation time
	OrderID            string  `json:"orderId,omitempty"`
	RequestedAmountUSD float64 `json:"requestedAmountUsd,omitempty"`
	PayCurrency        string  `json:"payCurrency,omitempty"`

	// Written by the status poller
	LastProviderStatus string     `json:"lastProviderStatus,omitempty"`
	MonitoredAt        *time.Time `json:"monitoredAt,omitempty"`
	SkipReason         string     `json:"skipReason,omitempty"`

	// Written once, on allocation
	PaymentCompleted bool        `json:"paymentCompleted,omitempty"`
	AllocatedAt      *time.Time  `json:"allocatedAt,omitempty"`
	PaidAmountUSD    float64     `json:"paidAmountUsd,omitempty"`
	PaidRatio        float64     `json:"paidRatio,omitempty"`
	AllocationRate   float64     `json:"allocationRate,omitempty"`
	Allocation       *Allocation `json:"allocation,omitempty"`
}

func (m *LedgerMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = LedgerMetadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type: %T", src)
	}
	if len(raw) == 0 {
		*m = LedgerMetadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

func (m LedgerMetadata) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
