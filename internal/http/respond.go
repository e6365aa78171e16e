package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"FarmEscrow/internal/auth"
	"FarmEscrow/internal/escrow"
	"FarmEscrow/internal/pricing"
	"FarmEscrow/internal/relay"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

// statusFor maps error kinds to HTTP status codes. Deadline expiry is checked
// before invalid transitions because a cancelled record reports both.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, escrow.ErrInvalidTerms):
		return http.StatusBadRequest, "invalid_terms"
	case errors.Is(err, relay.ErrInvalidRequest),
		errors.Is(err, errBadRequest),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrTooPrecise),
		errors.Is(err, pricing.ErrOverflow):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrDeadlineExpired):
		return http.StatusGone, "deadline_expired"
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, escrow.ErrSettlementUnavailable):
		return http.StatusServiceUnavailable, "settlement_unavailable"
	case errors.Is(err, escrow.ErrSettlementFailed):
		return http.StatusBadGateway, "settlement_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, kind, msg)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
