// Package transport implements the HTTP binding of the protocol: the
// service-side server exposing the manifest, invoke and channel endpoints,
// the agent-side server hosting client half-channels and performing the
// invoke handshake, and the message poster both sides deliver through.
//
// Each half-channel is addressed by URL, channel ID and bearer token. Two
// routing schemas are accepted: path-based (POST {base}/channel/{channelId})
// and headers-only (POST {base}/channel with the peer channel ID header).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/asmvp/asmv-go"
	"github.com/asmvp/asmv-go/agent"
	"github.com/asmvp/asmv-go/logger"
	"github.com/asmvp/asmv-go/queue"
	"github.com/asmvp/asmv-go/service"
	"github.com/asmvp/asmv-go/statestore"
)

// Request and response headers of the HTTP binding. Invoke requests carry
// the protocol version and the client half coordinates; the 204 response
// answers with the service half. Channel posts carry the peer channel ID
// for header-routed delivery.
const (
	HeaderProtocolVersion     = "x-asmv-protocol-version"
	HeaderClientChannelID     = "x-asmv-client-channel-id"
	HeaderClientChannelURL    = "x-asmv-client-channel-url"
	HeaderClientChannelToken  = "x-asmv-client-channel-token"
	HeaderServiceChannelID    = "x-asmv-service-channel-id"
	HeaderServiceChannelURL   = "x-asmv-service-channel-url"
	HeaderServiceChannelToken = "x-asmv-service-channel-token"
)

// Error names carried in wire error bodies.
const (
	ErrorNameInvalidRequest      = "InvalidRequest"
	ErrorNameVersionNotSupported = "VersionNotSupported"
	ErrorNameUnauthorized        = "Unauthorized"
	ErrorNameForbidden           = "Forbidden"
	ErrorNameMessageBufferFull   = "MessageBufferFull"
	ErrorNameSessionNotFound     = "SessionNotFound"
	ErrorNameCommandNotFound     = "CommandNotFound"
	ErrorNameUnexpectedError     = "UnexpectedError"
)

// statusForName maps wire error names to their HTTP status. MessageBufferFull
// maps to 503 on purpose: a full buffer is transient, and peers retry 5xx.
var statusForName = map[string]int{
	ErrorNameInvalidRequest:      http.StatusBadRequest,
	ErrorNameVersionNotSupported: http.StatusBadRequest,
	ErrorNameUnauthorized:        http.StatusUnauthorized,
	ErrorNameForbidden:           http.StatusForbidden,
	ErrorNameMessageBufferFull:   http.StatusServiceUnavailable,
	ErrorNameSessionNotFound:     http.StatusNotFound,
	ErrorNameCommandNotFound:     http.StatusNotFound,
	ErrorNameUnexpectedError:     http.StatusInternalServerError,
}

// NestedError carries the cause of a wire error. The stack is only included
// when the reporting side runs with debug logging.
type NestedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// WireError is the JSON error body protocol endpoints answer with, and the
// typed error the sending side decodes it back into.
type WireError struct {
	HTTPStatus       int          `json:"httpStatus"`
	ErrorName        string       `json:"errorName"`
	Message          string       `json:"message"`
	Details          any          `json:"details,omitempty"`
	ServiceChannelID string       `json:"serviceChannelId,omitempty"`
	ClientChannelID  string       `json:"clientChannelId,omitempty"`
	Date             time.Time    `json:"date"`
	Nested           *NestedError `json:"nestedError,omitempty"`
}

// NewWireError builds a wire error with the status its name maps to.
func NewWireError(name, message string) *WireError {
	status, ok := statusForName[name]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &WireError{HTTPStatus: status, ErrorName: name, Message: message}
}

func (e *WireError) Error() string {
	return fmt.Sprintf("transport: %s (%d): %s", e.ErrorName, e.HTTPStatus, e.Message)
}

// Retryable reports whether resending may succeed: only server-side failures
// qualify, 4xx responses are terminal.
func (e *WireError) Retryable() bool {
	return e.HTTPStatus >= http.StatusInternalServerError
}

// Is matches wire errors by name, so errors.Is can test against a prototype
// such as NewWireError(ErrorNameSessionNotFound, "").
func (e *WireError) Is(target error) bool {
	t, ok := target.(*WireError)
	return ok && t.ErrorName == e.ErrorName
}

// MessageTransportError reports a request that produced no HTTP response at
// all: connection refused, DNS failure, timeout. Always worth a retry.
type MessageTransportError struct {
	URL   string
	Cause error
}

func (e *MessageTransportError) Error() string {
	return fmt.Sprintf("transport: post to %s failed: %v", e.URL, e.Cause)
}

func (e *MessageTransportError) Unwrap() error { return e.Cause }

// Retryable is always true: without a response there is no verdict.
func (e *MessageTransportError) Retryable() bool { return true }

// toWireError maps an error from invoke or channel handling onto its wire
// form. Protocol validation failures keep their structure; anything
// unrecognized is reported as a generic UnexpectedError whose cause is only
// attached when debug logging is enabled, so internals stay out of responses.
func toWireError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}

	if me, ok := asmv.AsMessageError(err); ok {
		if me.Name == asmv.NameVersionNotSupported {
			wire := NewWireError(ErrorNameVersionNotSupported, me.Message)
			wire.Details = me.Details
			return wire
		}
		wire := NewWireError(ErrorNameInvalidRequest, me.Message)
		wire.Details = me
		return wire
	}

	switch {
	case errors.Is(err, service.ErrBufferFull), errors.Is(err, queue.ErrFull):
		return NewWireError(ErrorNameMessageBufferFull, "Message buffer is full")
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, statestore.ErrNotFound):
		return NewWireError(ErrorNameSessionNotFound, "No invocation exists for this channel")
	case errors.Is(err, agent.ErrDisposed):
		return NewWireError(ErrorNameSessionNotFound, "Channel is closed")
	case errors.Is(err, service.ErrUnauthorized):
		return NewWireError(ErrorNameForbidden, "Channel token does not match")
	case errors.Is(err, service.ErrUnknownCommand):
		return NewWireError(ErrorNameCommandNotFound, "Unknown command")
	case errors.Is(err, service.ErrNotActive):
		return NewWireError(ErrorNameInvalidRequest, err.Error())
	}

	wire := NewWireError(ErrorNameUnexpectedError, "Internal error")
	if logger.DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		wire.Nested = &NestedError{
			Name:    fmt.Sprintf("%T", err),
			Message: err.Error(),
			Stack:   string(debug.Stack()),
		}
	}
	return wire
}

// writeWireError encodes we on w, stamping the response date.
func writeWireError(w http.ResponseWriter, we *WireError) {
	if we.HTTPStatus == 0 {
		we.HTTPStatus = http.StatusInternalServerError
	}
	if we.Date.IsZero() {
		we.Date = time.Now().UTC()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(we.HTTPStatus)
	_ = json.NewEncoder(w).Encode(we)
}

// decodeWireError turns a non-2xx response into a typed error. The received
// status is authoritative for retryability; the body, when it parses as a
// wire error, contributes name, message and details.
func decodeWireError(resp *http.Response, body []byte) *WireError {
	var we WireError
	if err := json.Unmarshal(body, &we); err == nil && we.ErrorName != "" {
		we.HTTPStatus = resp.StatusCode
		return &we
	}
	return &WireError{
		HTTPStatus: resp.StatusCode,
		ErrorName:  ErrorNameUnexpectedError,
		Message:    fmt.Sprintf("unexpected response status %d", resp.StatusCode),
		Date:       time.Now().UTC(),
	}
}
