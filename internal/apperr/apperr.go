// Package apperr defines the stable error kinds returned by the ledger.
// Every business failure crosses the service boundary as an *Error so that
// callers can branch on Kind without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	InvalidAmount          Kind = "invalid_amount"
	InsufficientBalance    Kind = "insufficient_balance"
	InsufficientFunds      Kind = "insufficient_funds"
	DuplicateSlot          Kind = "duplicate_slot"
	NotFound               Kind = "not_found"
	PriceUnavailable       Kind = "price_unavailable"
	ConfigurationError     Kind = "configuration_error"
	ConcurrentModification Kind = "concurrent_modification"
	InvalidPage            Kind = "invalid_page"
	InvalidArgument        Kind = "invalid_argument"
	DuplicateUser          Kind = "duplicate_user"
	DuplicateEvent         Kind = "duplicate_event"
	Internal               Kind = "internal"
)

// Error carries a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidAmount          = &Error{Kind: InvalidAmount}
	ErrInsufficientBalance    = &Error{Kind: InsufficientBalance}
	ErrInsufficientFunds      = &Error{Kind: InsufficientFunds}
	ErrDuplicateSlot          = &Error{Kind: DuplicateSlot}
	ErrNotFound               = &Error{Kind: NotFound}
	ErrPriceUnavailable       = &Error{Kind: PriceUnavailable}
	ErrConfiguration          = &Error{Kind: ConfigurationError}
	ErrConcurrentModification = &Error{Kind: ConcurrentModification}
	ErrInvalidPage            = &Error{Kind: InvalidPage}
	ErrInvalidArgument        = &Error{Kind: InvalidArgument}
	ErrDuplicateUser          = &Error{Kind: DuplicateUser}
	ErrDuplicateEvent         = &Error{Kind: DuplicateEvent}
)

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or Internal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the user-visible message for err. Foreign errors are
// never exposed verbatim.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind to the status code returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidAmount, InvalidPage, InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case DuplicateSlot, DuplicateUser, DuplicateEvent, ConcurrentModification:
		return http.StatusConflict
	case InsufficientBalance, InsufficientFunds:
		return http.StatusUnprocessableEntity
	case PriceUnavailable:
		return http.StatusBadGateway
	case ConfigurationError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
