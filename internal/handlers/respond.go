package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/ambulance-dispatch/internal/db"
	"github.com/ukydev/ambulance-dispatch/internal/dispatch"
	"github.com/ukydev/ambulance-dispatch/internal/eta"
	"github.com/ukydev/ambulance-dispatch/internal/lifecycle"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	var (
		stale      *store.StaleWriteError
		illegal    *lifecycle.IllegalTransitionError
		validation *store.ValidationError
		decode     *decodeError
	)
	switch {
	case errors.As(err, &stale):
		return http.StatusConflict, "stale_write"
	case errors.As(err, &illegal):
		return http.StatusUnprocessableEntity, "illegal_transition"
	case errors.As(err, &validation), errors.As(err, &decode),
		errors.Is(err, eta.ErrInvalidZone), errors.Is(err, dispatch.ErrInvalidMessage):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "invalid JSON: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return &decodeError{fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &decodeError{err}
	}
	return nil
}
