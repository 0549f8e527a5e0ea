// Package apierr defines the closed set of error kinds the engine exposes
// to clients, over HTTP bodies and stream error frames alike.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotFound            Kind = "NotFound"
	ConflictName        Kind = "ConflictName"
	ConflictPort        Kind = "ConflictPort"
	InvalidPath         Kind = "InvalidPath"
	InvalidRequest      Kind = "InvalidRequest"
	NotRunning          Kind = "NotRunning"
	AlreadyRunning      Kind = "AlreadyRunning"
	AlreadyStopped      Kind = "AlreadyStopped"
	CatalogDisabled     Kind = "CatalogDisabled"
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	DownloadTooLarge    Kind = "DownloadTooLarge"
	ChecksumMismatch    Kind = "ChecksumMismatch"
	InstallerFailed     Kind = "InstallerFailed"
	ManifestMissing     Kind = "ManifestMissing"
	ManifestInvalid     Kind = "ManifestInvalid"
	UnknownSession      Kind = "UnknownSession"
	SlowConsumer        Kind = "SlowConsumer"
	Timeout             Kind = "Timeout"
	CancelledByCaller   Kind = "CancelledByCaller"
	Internal            Kind = "Internal"
)

// APIError is the single error shape surfaced to clients. Message and
// Context are safe to show; the wrapped cause is not.
type APIError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`

	cause error
}

func New(kind Kind, format string, args ...any) *APIError {
	return &APIError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a cause for logs and errors.Is/As chains. The cause text
// never reaches clients.
func Wrap(kind Kind, cause error, format string, args ...any) *APIError {
	return &APIError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// With adds one context entry and returns the error for chaining.
func (e *APIError) With(key string, value any) *APIError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value

	return e
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// KindOf classifies any error into the closed set. Context cancellation
// and deadlines get their own kinds; everything unrecognized is Internal.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CancelledByCaller
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}

	return Internal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Public returns the client-facing form of err. Errors outside the closed
// set are replaced with a stable Internal message so internal text never
// leaks.
func Public(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch KindOf(err) {
	case CancelledByCaller:
		return New(CancelledByCaller, "request cancelled")
	case Timeout:
		return New(Timeout, "operation timed out")
	default:
		return New(Internal, "internal error")
	}
}

// StatusClientClosedRequest is the de facto status for client-initiated
// cancellation.
const StatusClientClosedRequest = 499

func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound, UnknownSession:
		return http.StatusNotFound
	case ConflictName, ConflictPort, NotRunning, AlreadyRunning, AlreadyStopped:
		return http.StatusConflict
	case InvalidPath, InvalidRequest, ManifestInvalid:
		return http.StatusBadRequest
	case CatalogDisabled:
		return http.StatusServiceUnavailable
	case UpstreamUnavailable:
		return http.StatusBadGateway
	case DownloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case Timeout:
		return http.StatusGatewayTimeout
	case CancelledByCaller:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
