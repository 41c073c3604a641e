package server

import (
	"encoding/json"
	"errors"
	"net/http"

	rserrors "rateswap/core/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps a ledger error to its HTTP status by kind.
func statusFor(err error) int {
	if errors.Is(err, rserrors.ErrPositionNotFound) {
		return http.StatusNotFound
	}
	switch rserrors.KindOf(err) {
	case rserrors.KindValidation:
		return http.StatusBadRequest
	case rserrors.KindState:
		return http.StatusConflict
	case rserrors.KindAuthorization:
		return http.StatusForbidden
	case rserrors.KindOracle:
		return http.StatusServiceUnavailable
	case rserrors.KindSolvency:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if kind := rserrors.KindOf(err); kind != rserrors.KindUnknown {
		resp.Kind = kind.String()
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
