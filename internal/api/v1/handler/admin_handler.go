package handler

import (
	"encoding/json"
	"net/http"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// AdminHandler exposes operator-triggered retention runs.
type AdminHandler struct {
	retention service.RetentionService
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewAdminHandler(retention service.RetentionService, validate *validator.Validate, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{retention: retention, validate: validate, logger: logger.With().Str("handler", "AdminHandler").Logger()}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, operatorMw func(http.Handler) http.Handler) {
	mux.Handle("/admin/cleanup/sweep", operatorMw(http.HandlerFunc(h.sweep)))
	mux.Handle("/admin/sessions/expired", operatorMw(http.HandlerFunc(h.sessionExpired)))
}

// sweep godoc
// @Summary Run a retention sweep now
// @Tags admin
// @Produce json
// @Success 200 {object} dto.SweepResponseDTO
// @Failure 409 {object} dto.ErrorResponse "a sweep is already running"
// @Router /admin/cleanup/sweep [post]
func (h *AdminHandler) sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	res, err := h.retention.Sweep(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.SweepResponseDTO{
		Purged:        res.Purged,
		Scanned:       res.Scanned,
		Failed:        res.Failed,
		TokensDeleted: res.TokensDeleted,
	})
}

// sessionExpired godoc
// @Summary Purge the images of a user whose session expired
// @Tags admin
// @Accept json
// @Produce json
// @Param request body dto.SessionExpiredRequest true "Expired session"
// @Success 200 {object} dto.PurgeResponseDTO
// @Router /admin/sessions/expired [post]
func (h *AdminHandler) sessionExpired(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req dto.SessionExpiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.logger, "invalid_json", "Invalid JSON payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		badRequest(w, h.logger, "validation_failed", "Validation failed: "+err.Error())
		return
	}
	n, err := h.retention.PurgeSubject(r.Context(), req.UserID)
	if err != nil {
		// Some records failed; they stay eligible for the sweep.
		h.logger.Error().Err(err).Str("user_id", req.UserID).Int("purged", n).Msg("session purge incomplete")
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, dto.PurgeResponseDTO{Purged: n})
}
