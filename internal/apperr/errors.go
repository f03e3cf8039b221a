// Package apperr defines the settlement error taxonomy.
//
// Every failure a caller can observe maps to exactly one Kind. Validation and
// precondition failures are safe to surface synchronously; a divergence means
// ledger-side funds moved without matching local bookkeeping and must never
// be reported as success.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: missing or malformed input, rejected before any
	// external call. No side effects.
	KindValidation
	// KindOracleUnavailable: escrow amount cannot be computed. Fatal to the
	// operation that needed the rate; no fallback.
	KindOracleUnavailable
	// KindInsufficientFunds: payer cannot cover escrow after one bootstrap
	// funding attempt.
	KindInsufficientFunds
	// KindPersistence: a local store write failed before any ledger transfer.
	KindPersistence
	// KindDivergence: a ledger transfer confirmed but local bookkeeping did
	// not commit. Fatal to automation, not to the system.
	KindDivergence
	// KindInvariant: an operation would violate a financial invariant, e.g.
	// re-funding a completed wallet with a different amount.
	KindInvariant
	// KindNotFound: referenced entity does not exist.
	KindNotFound
	// KindUnauthorized: request lacks valid credentials.
	KindUnauthorized
)

// Error is the taxonomy error type.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func OracleUnavailable(err error) *Error {
	return &Error{Kind: KindOracleUnavailable, Message: "price oracle unavailable", Err: err}
}

func InsufficientFunds(format string, args ...interface{}) *Error {
	return newf(KindInsufficientFunds, format, args...)
}

func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: "persistence failure in " + op, Err: err}
}

func Divergence(format string, args ...interface{}) *Error {
	return newf(KindDivergence, format, args...)
}

func Invariant(format string, args ...interface{}) *Error {
	return newf(KindInvariant, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to the response status the thin HTTP layer uses.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindInvariant:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindOracleUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
