package allocation

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
)

// ManualProviderStatus is recorded as the raw status of manually settled payments.
const ManualProviderStatus = "manual_allocation"

// ManualRequest is an administrator's instruction to credit a payment.
type ManualRequest struct {
	AdminID   uuid.UUID
	UserID    uuid.UUID
	PaymentID string
	AmountUSD float64
	Reason    string
}

// ManualCreditAllocation credits a reserved payment on an administrator's
// authority, bypassing the gateway checks but not the duplicate guard.
func (e *Engine) ManualCreditAllocation(ctx context.Context, req ManualRequest) Result {
	ctx = logger.WithPayment(ctx, req.PaymentID, req.UserID.String())
	log := logger.FromContext(ctx).With().Str("admin_id", req.AdminID.String()).Logger()
	ctx = logger.WithContext(ctx, &log)

	if res, ok := e.findDuplicate(ctx, req.UserID, req.PaymentID); ok {
		return res
	}

	if math.IsNaN(req.AmountUSD) || math.IsInf(req.AmountUSD, 0) || req.AmountUSD <= 0 {
		e.Deps.Metrics.failure(ReasonInvalidAmount)
		return failed(ErrInvalidAmount)
	}
	if strings.TrimSpace(req.Reason) == "" {
		e.Deps.Metrics.failure(ReasonMissingReason)
		return failed(ErrReasonRequired)
	}

	amount, err := e.validate(ctx, req.UserID, req.AmountUSD)
	if err != nil {
		log.Warn().Err(err).Msg("manual allocation rejected")
		e.Deps.Metrics.failure(reasonFor(err))
		return failed(err)
	}

	log.Info().Float64("amount_usd", req.AmountUSD).Str("reason", req.Reason).Msg("manual allocation requested")

	return e.execute(ctx, &plan{
		userID:       req.UserID,
		paymentID:    req.PaymentID,
		creditAmount: amount,
		requestedUSD: req.AmountUSD,
		paidUSD:      req.AmountUSD,
		allocation: &credit.Allocation{
			Source: credit.SourceManual,
			Manual: &credit.ManualAllocation{
				AdminID: req.AdminID.String(),
				Reason:  req.Reason,
			},
		},
		recordStatus:   payment.StatusSucceeded,
		providerStatus: ManualProviderStatus,
		manual:         true,
	})
}
