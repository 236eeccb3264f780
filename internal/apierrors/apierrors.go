// Package apierrors provides the typed error-kind taxonomy shared by the
// gateway and execution engine: a stable Kind for internal dispatch, an
// HTTP status for the coordinator, and a sanitized client-facing message
// that never leaks the underlying cause.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories the coordinator and engine
// know how to render. Clients see it as the "code" field of a JSON error
// body.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindMethodNotAllowed  Kind = "METHOD_NOT_ALLOWED"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindPolicyBlocked     Kind = "POLICY_BLOCKED"
	KindQuotaExceeded     Kind = "QUOTA_EXCEEDED"
	KindCapacityExhausted Kind = "CAPACITY_EXHAUSTED"
	KindInvocationTimeout Kind = "INVOCATION_TIMEOUT"
	KindPackageLoadError  Kind = "PACKAGE_LOAD_ERROR"
	KindHandlerError      Kind = "HANDLER_ERROR"
	KindConfigError       Kind = "CONFIG_ERROR"
	KindInternal          Kind = "INTERNAL"
)

// ServiceError is the structured error carried through the pipeline. Kind is
// serialized as "code"; Message is safe to return to a client verbatim; Err
// carries the real cause for logging only.
type ServiceError struct {
	Kind       Kind                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a non-sensitive detail that is included in the JSON
// error response body, whatever the status.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string, httpStatus int) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

func Wrap(kind Kind, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Constructors, one per §7 error kind.

func NotFound(path string) *ServiceError {
	return New(KindNotFound, "no route matches this path", http.StatusNotFound).
		WithDetails("path", path)
}

func MethodNotAllowed(method string, allowed []string) *ServiceError {
	return New(KindMethodNotAllowed, "method not allowed on this route", http.StatusMethodNotAllowed).
		WithDetails("method", method).
		WithDetails("allowed", allowed)
}

func Unauthorized(reason string) *ServiceError {
	return New(KindUnauthorized, "authentication failed", http.StatusUnauthorized).
		WithDetails("reason", reason)
}

func Forbidden(reason string) *ServiceError {
	return New(KindForbidden, "access denied", http.StatusForbidden).
		WithDetails("reason", reason)
}

// PolicyBlocked never carries the target host in the client-visible
// message; the host is logged separately by the caller.
func PolicyBlocked() *ServiceError {
	return New(KindPolicyBlocked, "outbound request blocked by network policy", http.StatusForbidden)
}

func QuotaExceeded(limitBytes, usedBytes int64) *ServiceError {
	return New(KindQuotaExceeded, "key-value storage quota exceeded", http.StatusInsufficientStorage).
		WithDetails("limit_bytes", limitBytes).
		WithDetails("used_bytes", usedBytes)
}

func CapacityExhausted(retryAfterSeconds int) *ServiceError {
	return New(KindCapacityExhausted, "no execution capacity available", http.StatusServiceUnavailable).
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func InvocationTimeout() *ServiceError {
	return New(KindInvocationTimeout, "function invocation exceeded its time limit", http.StatusGatewayTimeout)
}

func PackageLoadError(err error) *ServiceError {
	return Wrap(KindPackageLoadError, "function package failed to load", http.StatusInternalServerError, err)
}

func HandlerError(err error) *ServiceError {
	return Wrap(KindHandlerError, "function handler raised an error", http.StatusInternalServerError, err)
}

func ConfigError(field, reason string) *ServiceError {
	return New(KindConfigError, "invalid configuration", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, message, http.StatusInternalServerError, err)
}

// As extracts a *ServiceError from an error chain.
func As(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// HTTPStatus returns the status to write for err, defaulting to 500 for
// anything that isn't a *ServiceError.
func HTTPStatus(err error) int {
	if svcErr := As(err); svcErr != nil {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err is a *ServiceError of the given kind.
func Is(err error, kind Kind) bool {
	svcErr := As(err)
	return svcErr != nil && svcErr.Kind == kind
}
