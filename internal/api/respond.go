package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/abkawan/venue-payments/internal/service"
	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondCode(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	respondJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Details: details},
	})
}

// respondError maps service errors to status codes
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		respondCode(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "request validation failed", vErr.Fields)
	case errors.Is(err, service.ErrDuplicateTransaction):
		respondCode(w, http.StatusConflict, "DUPLICATE_TRANSACTION", err.Error(), nil)
	case errors.Is(err, service.ErrInsufficientFunds):
		respondCode(w, http.StatusConflict, "INSUFFICIENT_FUNDS", err.Error(), nil)
	case errors.Is(err, service.ErrWithdrawalLimit):
		respondCode(w, http.StatusConflict, "WITHDRAWAL_LIMIT", err.Error(), nil)
	case errors.Is(err, service.ErrBusy):
		respondCode(w, http.StatusConflict, "BUSY", service.ErrBusy.Error(), retryable)
	case errors.Is(err, service.ErrForbidden):
		respondCode(w, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, service.ErrOwnerPending):
		respondCode(w, http.StatusForbidden, "OWNER_PENDING", err.Error(), nil)
	case errors.Is(err, service.ErrTransactionNotFound), errors.Is(err, service.ErrOwnerNotFound):
		respondCode(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, service.ErrGateway):
		respondCode(w, http.StatusBadGateway, "GATEWAY_ERROR", "payment gateway unavailable, try again", retryable)
	case errors.Is(err, service.ErrPayoutRejected):
		respondCode(w, http.StatusBadGateway, "PAYOUT_REJECTED", err.Error(), nil)
	case errors.Is(err, service.ErrInconsistentState):
		respondCode(w, http.StatusInternalServerError, "INCONSISTENT_STATE", "withdrawal sent but not recorded, support has been alerted", nil)
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		respondCode(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

var retryable = map[string]string{"retryable": "true"}
