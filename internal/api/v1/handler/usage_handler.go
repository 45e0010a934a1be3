package handler

import (
	"net/http"

	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

type UsageHandler struct {
	ledger service.LedgerService
	usage  service.UsageService
	logger zerolog.Logger
}

func NewUsageHandler(ledger service.LedgerService, usage service.UsageService, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{ledger: ledger, usage: usage, logger: logger.With().Str("handler", "UsageHandler").Logger()}
}

func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/usage", authMw(http.HandlerFunc(h.getUsage)))
	mux.Handle("/usage/statistics", authMw(http.HandlerFunc(h.getStatistics)))
	mux.Handle("/usage/upgrade-prompt", authMw(http.HandlerFunc(h.getUpgradePrompt)))
}

// getUsage godoc
// @Summary Get free tier usage
// @Tags usage
// @Produce json
// @Success 200 {object} service.FreeTierStatus
// @Failure 404 {object} dto.ErrorResponse
// @Router /usage [get]
func (h *UsageHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	status, err := h.ledger.GetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, status)
}

// getStatistics godoc
// @Summary Get transformation and spend totals
// @Tags usage
// @Produce json
// @Success 200 {object} service.UsageStatistics
// @Router /usage/statistics [get]
func (h *UsageHandler) getStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	stats, err := h.usage.Statistics(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stats)
}

// getUpgradePrompt godoc
// @Summary Get free tier status with the paid tiers on offer
// @Tags usage
// @Produce json
// @Success 200 {object} service.UpgradePrompt
// @Failure 404 {object} dto.ErrorResponse
// @Router /usage/upgrade-prompt [get]
func (h *UsageHandler) getUpgradePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	prompt, err := h.usage.UpgradePrompt(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, prompt)
}
