package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxWebhookBytes = 64 << 10

// BillingHandler serves billing history, payment intents and the Stripe webhook.
type BillingHandler struct {
	billing  service.BillingService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewBillingHandler(billing service.BillingService, validate *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{billing: billing, validate: validate, logger: logger.With().Str("handler", "BillingHandler").Logger()}
}

// RegisterRoutes mounts billing routes. The webhook authenticates by signature, not bearer token.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/billing/records", authMw(http.HandlerFunc(h.listRecords)))
	mux.Handle("/payments/intent", authMw(http.HandlerFunc(h.createIntent)))
	mux.HandleFunc("/webhooks/stripe", h.stripeWebhook)
}

// listRecords godoc
// @Summary List billing records
// @Tags billing
// @Produce json
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Offset"
// @Success 200 {object} service.BillingHistory
// @Router /billing/records [get]
func (h *BillingHandler) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := 20, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			badRequest(w, h.logger, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, h.logger, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	history, err := h.billing.History(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, history)
}

// createIntent godoc
// @Summary Create a payment intent for a transformation
// @Description Returns the existing intent when one was already created for the record.
// @Tags billing
// @Accept json
// @Produce json
// @Param request body dto.PaymentIntentRequest true "Payment intent request"
// @Success 200 {object} service.PaymentIntent
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "not billable"
// @Router /payments/intent [post]
func (h *BillingHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req dto.PaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.logger, "invalid_json", "Invalid JSON payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		badRequest(w, h.logger, "validation_failed", "Validation failed: "+err.Error())
		return
	}
	intent, err := h.billing.CreatePaymentIntent(r.Context(), userID, req.TransformationID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, intent)
}

// stripeWebhook godoc
// @Summary Stripe webhook
// @Description Verifies the Stripe-Signature header and reconciles the referenced billing record.
// @Tags billing
// @Accept json
// @Success 200
// @Failure 400 {object} dto.ErrorResponse "invalid signature"
// @Router /webhooks/stripe [post]
func (h *BillingHandler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		badRequest(w, h.logger, "unreadable_body", "failed to read request body")
		return
	}
	if err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
