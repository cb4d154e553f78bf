package ingress

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/book-expert/voice-reply-service/internal/core"
)

// ErrorCode classifies a rejected request.
type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorTooLarge          ErrorCode = "TOO_LARGE"
	ErrorTooLong           ErrorCode = "TOO_LONG"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorLegalConfirmation ErrorCode = "LEGAL_CONFIRMATION_REQUIRED"
	ErrorNotFound          ErrorCode = "NOT_FOUND"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned by Service methods.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Err == nil {
		return fmt.Sprintf("ingress: %s (%s)", e.Code, e.Reason)
	}

	return fmt.Sprintf("ingress: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError maps a persistence failure to NOT_FOUND or INTERNAL_ERROR.
func storeError(reason string, err error) *Error {
	if errors.Is(err, core.ErrNotFound) {
		return newError(ErrorNotFound, reason+" not found", err)
	}

	return newError(ErrorInternal, "failed to access "+reason, err)
}

// HTTPStatus returns the response status for code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorInvalidInput, ErrorUnsupportedFormat, ErrorTooLong, ErrorLegalConfirmation:
		return http.StatusBadRequest
	case ErrorUnauthenticated:
		return http.StatusUnauthorized
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorRateLimited, ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrorInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// codeOf returns the code of an *Error, or INTERNAL_ERROR for anything else.
func codeOf(err error) ErrorCode {
	var ingressErr *Error
	if errors.As(err, &ingressErr) {
		return ingressErr.Code
	}

	return ErrorInternal
}
