// Package httperr converts the gateway's typed failures into the single
// canonical {statusCode, message} shape exposed to HTTP callers. No raw
// transport or broker error ever crosses into a user-facing response.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/gateway"
)

// Messages fixed by the error contract.
const (
	TimeoutMessage  = "Service timeout — microservice not responding"
	FallbackMessage = "Microservice internal error"
)

// NormalizedError is the canonical failure shape. StatusCode is always in
// the 400-599 range and Message is never empty.
type NormalizedError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e NormalizedError) Error() string { return e.Message }

// Normalize maps any failure to a NormalizedError. Precedence is
// load-bearing: a backend-supplied structured error is preserved verbatim
// so user-facing display keeps the backend's exact status and message,
// a timeout surfaces as 504, and everything else degrades to 500 without
// leaking internals.
func Normalize(err error) NormalizedError {
	var remote *gateway.RemoteError
	if errors.As(err, &remote) && remote.StatusCode >= 400 && remote.StatusCode <= 599 && remote.Message != "" {
		return NormalizedError{StatusCode: remote.StatusCode, Message: remote.Message}
	}

	var timeout *gateway.TimeoutError
	if errors.As(err, &timeout) {
		return NormalizedError{StatusCode: http.StatusGatewayTimeout, Message: TimeoutMessage}
	}

	msg := FallbackMessage
	switch {
	case remote != nil:
		if remote.Message != "" {
			msg = remote.Message
		}
	case err != nil && err.Error() != "":
		msg = err.Error()
	}
	return NormalizedError{StatusCode: http.StatusInternalServerError, Message: msg}
}

// errorResponse is the JSON body written for failed requests.
type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Status     string `json:"status"`
}

// Write normalizes err, logs it and writes the canonical error JSON.
func Write(w http.ResponseWriter, logger zerolog.Logger, err error) {
	norm := Normalize(err)
	logger.Error().Err(err).Int("status_code", norm.StatusCode).Msg("request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(norm.StatusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		StatusCode: norm.StatusCode,
		Message:    norm.Message,
		Status:     "error",
	})
}
