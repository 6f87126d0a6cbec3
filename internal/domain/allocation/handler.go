package allocation

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/middleware"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
	"github.com/mwork/mwork-reconciler/internal/pkg/response"
	"github.com/mwork/mwork-reconciler/internal/pkg/validator"
)

// BalanceReader serves cached balances.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (float64, error)
}

// Handler exposes the administrator side of the engine.
type Handler struct {
	engine   *Engine
	balances BalanceReader
}

func NewHandler(engine *Engine, balances BalanceReader) *Handler {
	return &Handler{engine: engine, balances: balances}
}

type manualAllocationRequest struct {
	UserID    string  `json:"user_id" validate:"required,uuid"`
	AmountUSD float64 `json:"amount_usd" validate:"required,gt=0"`
	Reason    string  `json:"reason" validate:"required,max=500"`
}

// Routes mounts the admin endpoints; callers supply auth.
func (h *Handler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Post("/payments/{paymentID}/allocate", h.ManualAllocate)
	r.Get("/users/{id}/balance", h.Balance)
	return r
}

// ManualAllocate handles POST /api/admin/payments/{paymentID}/allocate
func (h *Handler) ManualAllocate(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	if !nowpayments.IsPaymentID(paymentID) {
		response.BadRequest(w, "Invalid payment id")
		return
	}

	var req manualAllocationRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	res := h.engine.ManualCreditAllocation(r.Context(), ManualRequest{
		AdminID:   middleware.GetUserID(r.Context()),
		UserID:    uuid.MustParse(req.UserID),
		PaymentID: paymentID,
		AmountUSD: req.AmountUSD,
		Reason:    req.Reason,
	})
	writeResult(w, res)
}

// Balance handles GET /api/admin/users/{id}/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid user id")
		return
	}

	balance, err := h.balances.GetBalance(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("user_id", userID.String()).Msg("balance lookup failed")
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

func writeResult(w http.ResponseWriter, res Result) {
	if res.Success {
		response.OK(w, res)
		return
	}

	status := http.StatusUnprocessableEntity
	switch res.Reason {
	case ReasonReservationNotFound, ReasonUserNotFound:
		status = http.StatusNotFound
	case ReasonOwnershipMismatch, ReasonCurrencyMismatch:
		status = http.StatusConflict
	case ReasonInvalidAmount, ReasonMissingReason:
		status = http.StatusBadRequest
	case ReasonInternal:
		response.ErrorWithData(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Allocation failed", res)
		return
	}
	response.ErrorWithData(w, status, strings.ToUpper(string(res.Reason)), res.Error, res)
}
