// Package errs holds the ledger's error categories. Domain packages wrap one of
// the category sentinels in their own named errors and attach the protocol's
// short failure code where one exists.
package errs

import (
	"errors"
	"fmt"
)

// Categories. Every error returned by a ledger operation matches exactly one.
var (
	ErrAuthorization         = errors.New("authorization error")
	ErrPrecondition          = errors.New("precondition error")
	ErrConservationViolation = errors.New("conservation violation")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// CodedError pairs a named sentinel with a short protocol code such as "N2" or "C3".
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// WithCode tags err with a protocol code.
func WithCode(err error, code string) error {
	return &CodedError{Code: code, Err: err}
}

// Code extracts the protocol code from err, or "" if none is attached.
func Code(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Category returns the category sentinel err belongs to, or nil.
func Category(err error) error {
	for _, c := range []error{
		ErrAuthorization,
		ErrPrecondition,
		ErrConservationViolation,
		ErrInsufficientFunds,
		ErrInvalidArgument,
	} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// CategoryName is the label used for metrics and rejected-command records.
func CategoryName(err error) string {
	switch Category(err) {
	case ErrAuthorization:
		return "authorization"
	case ErrPrecondition:
		return "precondition"
	case ErrConservationViolation:
		return "conservation"
	case ErrInsufficientFunds:
		return "insufficient_funds"
	case ErrInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}
