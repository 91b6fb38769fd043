// Package apperr defines the error kinds used by the engine and their
// mapping onto HTTP statuses.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an engine error.
type Kind int

const (
	// Validation is a malformed request: bad ticker pattern, non-positive
	// qty, limit without price, market with price.
	Validation Kind = iota + 1
	// NotFound is an unknown user, instrument or order.
	NotFound
	// Forbidden is a non-owner touching another user's order, or a
	// non-admin on an admin route.
	Forbidden
	// InsufficientFunds means free balance or reservation headroom is
	// below what the operation requires.
	InsufficientFunds
	// UnfillableMarket means a market order cannot be fully satisfied by
	// the current opposite side.
	UnfillableMarket
	// TerminalState is a cancel attempted on an already-terminal order.
	TerminalState
	// Contention means a row lock could not be acquired without blocking.
	// Retryable at the gateway.
	Contention
	// Consistency is an invariant failure mid-settlement. Always a bug;
	// the surrounding unit must roll back.
	Consistency
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "VALIDATION"
	case NotFound:
		return "NOT_FOUND"
	case Forbidden:
		return "FORBIDDEN"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case UnfillableMarket:
		return "UNFILLABLE_MARKET"
	case TerminalState:
		return "TERMINAL_STATE"
	case Contention:
		return "CONTENTION"
	case Consistency:
		return "CONSISTENCY"
	}
	return "UNKNOWN"
}

// HTTPStatus maps a kind to the response code of the external contract.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation, InsufficientFunds, UnfillableMarket, TerminalState:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Contention:
		return http.StatusServiceUnavailable
	case Consistency:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Error carries a kind alongside a wrapped cause.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.kind.String() + ": " + e.err.Error() }

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// E builds a new classified error.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap classifies an existing error, keeping its cause chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: errors.Wrap(err, msg)}
}

// KindOf extracts the kind from anywhere in the chain, or 0 if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
