package domain

import "fmt"

// Code is the closed vocabulary of domain-level failure codes. Validation
// failures and domain failures both map to a Code; version conflicts are
// retried internally and only escape as VERSION_CONFLICT after the retry
// budget is exhausted, while any other store failure during the CAS write
// escapes at once as UPDATE_FAILED.
type Code string

const (
	CodeAccountNotFound       Code = "ACCOUNT_NOT_FOUND"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInvalidAccountID      Code = "INVALID_ACCOUNT_ID"
	CodeUpdateFailed          Code = "UPDATE_FAILED"
	CodeVersionConflict       Code = "VERSION_CONFLICT"
	CodeMissingIdempotencyKey Code = "MISSING_IDEMPOTENCY_KEY"
	CodeMissingSource         Code = "MISSING_SOURCE"
	CodeReservationNotFound   Code = "RESERVATION_NOT_FOUND"
	CodeReservationExpired    Code = "RESERVATION_EXPIRED"
	CodeReservationNotHeld    Code = "RESERVATION_NOT_HELD"
	CodeAlreadyCommitted      Code = "ALREADY_COMMITTED"
	CodePotNotFound           Code = "POT_NOT_FOUND"
	CodePotNotActive          Code = "POT_NOT_ACTIVE"
	CodeInternal              Code = "INTERNAL"
)

// Error is a typed domain failure. It is always returned as a value, never
// panicked, and is itself a valid idempotency-cache payload so that retries
// of a failing command observe the same failure.
type Error struct {
	Code    Code
	Message string
	// AvailableBalance is populated for CodeInsufficientBalance so callers
	// can surface it without a second read.
	AvailableBalance int64
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a domain error with no extra context.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsDomainError unwraps err into a *Error if it is one.
func AsDomainError(err error) (*Error, bool) {
	de, ok := err.(*Error)
	return de, ok
}

// IsCode reports whether err is a domain Error carrying the given code.
func IsCode(err error, code Code) bool {
	de, ok := AsDomainError(err)
	return ok && de.Code == code
}
