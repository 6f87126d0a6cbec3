package monitor

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/domain/allocation"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/response"
	"github.com/mwork/mwork-reconciler/internal/pkg/validator"
)

// AllocationMetrics exposes the engine's counters to the ops API.
type AllocationMetrics interface {
	MetricsSnapshot() allocation.MetricsSnapshot
}

// Handler serves the poller's ops endpoints.
type Handler struct {
	poller     *Poller
	health     *HealthChecker
	allocation AllocationMetrics
}

func NewHandler(poller *Poller, health *HealthChecker, alloc AllocationMetrics) *Handler {
	return &Handler{poller: poller, health: health, allocation: alloc}
}

type addPendingRequest struct {
	PaymentID string `json:"payment_id" validate:"required,gateway_payment_id"`
	UserID    string `json:"user_id" validate:"required,uuid"`
}

// Routes mounts the monitor endpoints; callers supply auth.
func (h *Handler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Post("/pending", h.AddPending)
	r.Post("/payments/{paymentID}/check", h.TriggerCheck)
	r.Get("/metrics", h.Metrics)
	return r
}

// AddPending handles POST /api/v1/monitor/pending
func (h *Handler) AddPending(w http.ResponseWriter, r *http.Request) {
	var req addPendingRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	added, err := h.poller.AddPendingPayment(r.Context(), req.PaymentID, uuid.MustParse(req.UserID))
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Str("payment_id", req.PaymentID).Msg("Failed to enqueue payment")
		response.InternalError(w)
		return
	}

	response.Accepted(w, map[string]interface{}{
		"payment_id": req.PaymentID,
		"queued":     added,
	})
}

// TriggerCheck handles POST /api/v1/monitor/payments/{paymentID}/check
func (h *Handler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	outcome, err := h.poller.TriggerPaymentCheck(r.Context(), paymentID)
	if errors.Is(err, ErrInvalidPaymentID) {
		response.BadRequest(w, "Invalid payment id")
		return
	}
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{
		"payment_id": paymentID,
		"outcome":    outcome,
	})
}

// Metrics handles GET /api/v1/monitor/metrics
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"monitor": h.poller.GetMetrics()}
	if h.allocation != nil {
		body["allocation"] = h.allocation.MetricsSnapshot()
	}
	response.OK(w, body)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	res := h.health.HealthCheck(r.Context())
	status := http.StatusOK
	if res.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, res)
}
