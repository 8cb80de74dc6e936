// Package errs defines the error kinds returned by the loan servicing core.
//
// Every rejection carries a Kind that callers switch on to pick a policy
// (fix input, retry, resubmit) and a human-readable message.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindInternal            Kind = "INTERNAL"
	KindValidation          Kind = "VALIDATION"
	KindStateTransition     Kind = "STATE_TRANSITION"
	KindInsufficientFunds   Kind = "INSUFFICIENT_FUNDS"
	KindOverpayment         Kind = "OVERPAYMENT"
	KindNotFound            Kind = "NOT_FOUND"
	KindExternalProcessor   Kind = "EXTERNAL_PROCESSOR"
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrStateTransition     = &Error{Kind: KindStateTransition}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrOverpayment         = &Error{Kind: KindOverpayment}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrExternalProcessor   = &Error{Kind: KindExternalProcessor}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
)

// Error is the domain error type with structured metadata.
type Error struct {
	Kind     Kind
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message == "" {
		return strings.ToLower(string(e.Kind))
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Validation reports malformed or out-of-range input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// StateTransition reports an operation that the entity's current status does
// not allow.
func StateTransition(entity, current, attempted string) *Error {
	return &Error{
		Kind:    KindStateTransition,
		Message: fmt.Sprintf("%s: cannot %s from status %s", entity, attempted, current),
		Metadata: map[string]string{
			"entity":    entity,
			"current":   current,
			"attempted": attempted,
		},
	}
}

// InsufficientFunds reports a debit larger than what the account can give.
func InsufficientFunds(accountID, available, requested string) *Error {
	return &Error{
		Kind:    KindInsufficientFunds,
		Message: fmt.Sprintf("insufficient funds in %s: available %s, requested %s", accountID, available, requested),
		Metadata: map[string]string{
			"account_id": accountID,
			"available":  available,
			"requested":  requested,
		},
	}
}

// Overpayment reports a payment above the maximum the obligation accepts.
func Overpayment(maxAllowed string) *Error {
	return &Error{
		Kind:     KindOverpayment,
		Message:  fmt.Sprintf("payment exceeds amount owed: maximum allowed is %s", maxAllowed),
		Metadata: map[string]string{"max_allowed": maxAllowed},
	}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("%s %s not found", entity, id),
		Metadata: map[string]string{"entity": entity, "id": id},
	}
}

// ExternalProcessor wraps a payment gateway failure or timeout.
func ExternalProcessor(op string, cause error) *Error {
	return &Error{
		Kind:     KindExternalProcessor,
		Message:  fmt.Sprintf("payment processor %s failed", op),
		Metadata: map[string]string{"operation": op},
		Cause:    cause,
	}
}

// ConcurrencyConflict reports a version mismatch or lock timeout. The caller
// retries the whole operation.
func ConcurrencyConflict(entity, id string, cause error) *Error {
	return &Error{
		Kind:     KindConcurrencyConflict,
		Message:  fmt.Sprintf("%s %s was modified concurrently", entity, id),
		Metadata: map[string]string{"entity": entity, "id": id},
		Cause:    cause,
	}
}
