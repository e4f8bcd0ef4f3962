// Package apperr defines the typed failures returned by the license engine.
// Every failure carries a Kind (the taxonomy bucket) and a stable Code so
// callers can tell "out of stock" apart from "not yours" apart from "already
// used" without parsing messages.
package apperr

import (
	"errors"
	"net/http"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindCapacityExhausted
	KindInvalidHierarchy
	KindForbidden
	KindTransient
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCapacityExhausted:
		return "capacity_exhausted"
	case KindInvalidHierarchy:
		return "invalid_hierarchy"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient_store_error"
	case KindInvalidInput:
		return "invalid_input"
	}
	return "unknown"
}

// HTTPStatus maps a Kind onto the response status used at the HTTP boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCapacityExhausted:
		return http.StatusConflict
	case KindInvalidHierarchy:
		return http.StatusUnprocessableEntity
	case KindForbidden:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error is a structured engine failure.
type Error struct {
	Kind    Kind
	Code    string
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

// Is matches on Code so wrapped copies still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: e.Err}
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrLicenseNotFound     = newErr(KindNotFound, "LICENSE_NOT_FOUND", "license not found")
	ErrLicenseExpired      = newErr(KindNotFound, "LICENSE_EXPIRED", "license has expired")
	ErrLicenseForbidden    = newErr(KindForbidden, "LICENSE_FORBIDDEN", "license belongs to another account")
	ErrLicenseNotAvailable = newErr(KindConflict, "LICENSE_NOT_AVAILABLE", "license is not available for redemption")
	ErrCapacityExhausted   = newErr(KindCapacityExhausted, "CAPACITY_EXHAUSTED", "license has no remaining seats")
	ErrDuplicateKey        = newErr(KindConflict, "DUPLICATE_KEY", "license key already exists")

	ErrAccountNotFound  = newErr(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrAccountInactive  = newErr(KindForbidden, "ACCOUNT_INACTIVE", "account is deactivated")
	ErrNotReseller      = newErr(KindForbidden, "NOT_RESELLER", "account may not own or redeem licenses")
	ErrDuplicateEmail   = newErr(KindConflict, "DUPLICATE_EMAIL", "an account with that email already exists")
	ErrInvalidHierarchy = newErr(KindInvalidHierarchy, "INVALID_HIERARCHY", "invalid master/partner linkage")

	ErrRequestNotFound       = newErr(KindNotFound, "REQUEST_NOT_FOUND", "replenishment request not found")
	ErrRequestAlreadyPending = newErr(KindConflict, "REQUEST_ALREADY_PENDING", "a replenishment request is already pending")
	ErrRequestNotPending     = newErr(KindConflict, "REQUEST_NOT_PENDING", "replenishment request was already decided")

	ErrForbidden    = newErr(KindForbidden, "FORBIDDEN", "access denied")
	ErrInvalidInput = newErr(KindInvalidInput, "INVALID_INPUT", "invalid input")
	ErrTransient    = newErr(KindTransient, "STORE_UNAVAILABLE", "store temporarily unavailable, retry later")
)

// Transient wraps a retriable store failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Code: ErrTransient.Code, Message: ErrTransient.Message, Err: err}
}

// Invalid returns an InvalidInput failure with msg.
func Invalid(msg string) error {
	return ErrInvalidInput.WithMessage(msg)
}

// KindOf reports the Kind of err, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
