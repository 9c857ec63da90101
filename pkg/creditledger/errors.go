package creditledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrUserExists            = errors.New("user already exists")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrAlreadySettled        = errors.New("operation already settled")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidOperationID    = errors.New("invalid operation id")
	ErrInvalidActorID        = errors.New("invalid actor id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidEntryType      = errors.New("invalid entry type")
	ErrInvalidAdjustmentType = errors.New("invalid adjustment type")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// InsufficientCreditsError carries the figures the caller needs for
// user-facing messaging. It unwraps to ErrInsufficientCredits.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredits, insufficientError.Required, insufficientError.Available)
}

// Unwrap returns the sentinel so errors.Is matches.
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
