// Package respond writes JSON responses and maps domain errors to HTTP statuses.
package respond

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code      scheduling.Code `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable,omitempty"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Status maps an error code to an HTTP status.
func Status(code scheduling.Code) int {
	switch code {
	case scheduling.CodeValidation:
		return http.StatusBadRequest
	case scheduling.CodeForbidden:
		return http.StatusForbidden
	case scheduling.CodeNotFound:
		return http.StatusNotFound
	case scheduling.CodeConflict, scheduling.CodeState:
		return http.StatusConflict
	case scheduling.CodeCalculation:
		return http.StatusUnprocessableEntity
	case scheduling.CodeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err with its stable code. Internal errors are logged and their
// detail is not echoed to the client.
func Error(w http.ResponseWriter, logger *logging.Logger, err error) {
	code := scheduling.CodeOf(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	var se *scheduling.Error
	if errors.As(err, &se) {
		body.Message = se.Message
		body.Retryable = se.Retryable()
	}
	if code == scheduling.CodeInternal {
		if logger == nil {
			logger = logging.Default()
		}
		logger.Error("request failed", "error", err)
		body.Message = "internal error"
	}
	JSON(w, Status(code), body)
}

// Decode reads a JSON body into v; malformed bodies become validation errors.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return scheduling.Validation("invalid request body: %v", err)
	}
	return nil
}
