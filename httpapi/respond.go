package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"caseflow/auth"
	"caseflow/dispute"
	"caseflow/notification"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// respondError maps the domain error taxonomy onto HTTP statuses. Unknown
// errors become opaque 500s so internals never leak to clients.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, notification.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispute.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not allowed")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, dispute.ErrValidationFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrAlreadyActioned),
		errors.Is(err, dispute.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
