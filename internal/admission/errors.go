package admission

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// Error codes returned to clients. They are stable strings so widgets can
// decide whether to retry, re-authenticate, or give up.
const (
	CodeRateLimited      = "rate_limited"
	CodeAuthFailed       = "auth_failed"
	CodeForbiddenDomain  = "forbidden_domain"
	CodeCapacityExceeded = "capacity_exceeded"
)

// Error is an admission rejection.
type Error struct {
	Code       string
	Err        error
	RetryAfter int // seconds, for rate limiting
	detail     string
}

func (e *Error) Error() string {
	if e.detail != "" {
		return e.Err.Error() + ": " + e.detail
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the rejection to an HTTP status code.
func (e *Error) Status() int {
	switch {
	case errors.Is(e.Err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(e.Err, model.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(e.Err, model.ErrForbiddenDomain):
		return http.StatusForbidden
	case errors.Is(e.Err, model.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func rejectRateLimited(retryAfter int) *Error {
	return &Error{Code: CodeRateLimited, Err: model.ErrRateLimited, RetryAfter: retryAfter}
}

func rejectAuth(detail string) *Error {
	return &Error{Code: CodeAuthFailed, Err: model.ErrAuthFailed, detail: detail}
}

func rejectDomain(origin string) *Error {
	return &Error{Code: CodeForbiddenDomain, Err: model.ErrForbiddenDomain, detail: origin}
}

func rejectCapacity(detail string) *Error {
	return &Error{Code: CodeCapacityExceeded, Err: model.ErrCapacityExceeded, detail: detail}
}

// AsError extracts an admission rejection from err.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CapacityError converts a registry capacity failure into an admission
// rejection, for caps that were full by the time the connection registered.
func CapacityError(err error) *Error {
	detail := strings.TrimPrefix(err.Error(), model.ErrCapacityExceeded.Error()+": ")
	return rejectCapacity(detail)
}
