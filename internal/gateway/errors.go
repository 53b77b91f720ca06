package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownService is returned when a caller names a service that was not
// registered at startup. This is a programmer error and is never retried.
var ErrUnknownService = errors.New("gateway: unknown service")

// TimeoutError indicates no reply arrived within the deadline. The request
// may or may not have reached the backend; the two cases are
// indistinguishable from this side of the broker.
type TimeoutError struct {
	Service string
	Cmd     string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway: %s %q timed out after %s", e.Service, e.Cmd, e.After)
}

// TransportError indicates the request could not be handed to the broker,
// typically because the channel is disconnected or the publish was rejected.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s transport failure: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries a failure the backend explicitly signalled in its
// reply. StatusCode and Message are preserved verbatim from whatever the
// backend supplied; Raw retains the original error payload.
type RemoteError struct {
	Service    string
	StatusCode int
	Message    string
	Raw        json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway: %s remote error (%d): %s", e.Service, e.StatusCode, e.Message)
}

// remoteErrorShape is the loose wire form backends use for failures. Shapes
// observed in the wild either carry statusCode/message at the top level or
// nest them one deep under "response" or "error"; some supply "status"
// instead of "statusCode".
type remoteErrorShape struct {
	StatusCode int               `json:"statusCode"`
	Status     int               `json:"status"`
	Message    string            `json:"message"`
	Response   *remoteErrorShape `json:"response,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
}

func (s *remoteErrorShape) code() int {
	if s.StatusCode != 0 {
		return s.StatusCode
	}
	return s.Status
}

// ParseRemoteError constructs a RemoteError from a raw backend error
// payload. This is the single point where loose failure shapes are
// inspected; downstream code only ever sees the typed error. A structured
// {statusCode|status, message} pair wins over a bare message; nesting under
// "response" or "error" is followed one level.
func ParseRemoteError(service string, raw json.RawMessage) *RemoteError {
	out := &RemoteError{Service: service, Raw: raw}

	var shape remoteErrorShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		// Backends occasionally reply with a bare string error.
		var msg string
		if json.Unmarshal(raw, &msg) == nil {
			out.Message = msg
		}
		return out
	}

	candidates := []*remoteErrorShape{&shape, shape.Response}
	if len(shape.Error) > 0 {
		var nested remoteErrorShape
		if err := json.Unmarshal(shape.Error, &nested); err == nil {
			candidates = append(candidates, &nested)
		}
	}

	for _, c := range candidates {
		if c == nil {
			continue
		}
		if c.code() != 0 && c.Message != "" {
			out.StatusCode = c.code()
			out.Message = c.Message
			return out
		}
	}

	// No structured pair anywhere; degrade to whatever message exists.
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if out.StatusCode == 0 && c.code() != 0 {
			out.StatusCode = c.code()
		}
		if out.Message == "" && c.Message != "" {
			out.Message = c.Message
		}
	}
	return out
}
