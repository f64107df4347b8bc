package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for retry and transport decisions.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeDomainRule   Code = "DOMAIN_RULE"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeTransient    Code = "TRANSIENT"
	CodeThrottled    Code = "THROTTLED"
	CodeTimeout      Code = "TIMEOUT"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeCircuitOpen  Code = "CIRCUIT_OPEN"
	CodePublishError Code = "PUBLISH_ERROR"
	CodeInternal     Code = "INTERNAL"
)

// Fault is a coded error. Handlers use the code to decide whether an error is
// retryable and HTTP adapters use it to pick a status.
type Fault struct {
	Code    Code
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New constructs a fault with the given code.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the fault code, or CodeInternal for uncoded errors.
// Transition errors always classify as domain-rule violations.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	var t *TransitionError
	if errors.As(err, &t) {
		return CodeDomainRule
	}
	return CodeInternal
}

// HTTPStatus maps a fault code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeDomainRule, CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeThrottled:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTransient, CodeUnavailable, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// retryableStatuses mirrors the transport statuses worth retrying.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// retryableCodes are infrastructure faults that may clear on their own.
var retryableCodes = map[Code]struct{}{
	CodeTransient:   {},
	CodeThrottled:   {},
	CodeTimeout:     {},
	CodeUnavailable: {},
}

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsRetryable reports whether the error is worth retrying: either its fault
// code marks it transient, or it carries a retryable upstream HTTP status.
// Validation and domain-rule faults are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var f *Fault
	if errors.As(err, &f) {
		_, ok := retryableCodes[f.Code]
		if ok {
			return true
		}
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		_, ok := retryableStatuses[sc.StatusCode()]
		return ok
	}
	return false
}
