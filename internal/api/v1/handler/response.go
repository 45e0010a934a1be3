package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"pixshift/internal/api/v1/dto"
	"pixshift/internal/apperr"
	"pixshift/internal/middleware"
	"pixshift/internal/service"

	"github.com/rs/zerolog"
)

// statusFor maps an error kind onto an HTTP status. Running out of free units asks for payment.
func statusFor(err error) int {
	if errors.Is(err, service.ErrFreeTierExhausted) {
		return http.StatusPaymentRequired
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient, apperr.KindTerminal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError replies with a {code, message} body. Details of upstream and internal failures are
// logged, not returned.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	resp := dto.ErrorResponse{Code: apperr.CodeOf(err), Message: "internal server error"}
	var e *apperr.Error
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error().Err(err).Int("status", status).Msg("request failed")
		if status == http.StatusBadGateway {
			resp.Message = "upstream service unavailable"
		}
	case errors.As(err, &e) && e.Message != "":
		resp.Message = e.Message
	default:
		resp.Message = http.StatusText(status)
	}
	writeJSON(w, logger, status, resp)
}

func badRequest(w http.ResponseWriter, logger zerolog.Logger, code, message string) {
	writeJSON(w, logger, http.StatusBadRequest, dto.ErrorResponse{Code: code, Message: message})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}
