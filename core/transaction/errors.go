package transaction

import (
	"errors"
	"fmt"
)

// Code classifies the user-surfaced errors of the transaction subsystem.
// Every precondition failure maps to exactly one code so drivers can react
// without parsing messages.
type Code int

const (
	CodeOK Code = iota
	CodeNoSuchTransaction
	CodeTransactionCommitted
	CodeTransactionTooLarge
	CodePreparedTransactionInProgress
	CodeConflictingOperationInProgress
	CodeInvalidOptions
	CodeOperationNotSupportedInTransaction
	CodeExceededTimeLimit
	CodeBadValue
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNoSuchTransaction:
		return "NoSuchTransaction"
	case CodeTransactionCommitted:
		return "TransactionCommitted"
	case CodeTransactionTooLarge:
		return "TransactionTooLarge"
	case CodePreparedTransactionInProgress:
		return "PreparedTransactionInProgress"
	case CodeConflictingOperationInProgress:
		return "ConflictingOperationInProgress"
	case CodeInvalidOptions:
		return "InvalidOptions"
	case CodeOperationNotSupportedInTransaction:
		return "OperationNotSupportedInTransaction"
	case CodeExceededTimeLimit:
		return "ExceededTimeLimit"
	case CodeBadValue:
		return "BadValue"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is an error carrying a Code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errorf creates a coded error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err, or CodeOK when err is nil and Code(-1)
// when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return Code(-1)
}
