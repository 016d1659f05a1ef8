// Package fault holds the closed set of settlement errors.
//
// Every error that crosses a component boundary carries a Code, and every
// Code belongs to exactly one Kind. Callers compare with errors.Is against the
// Code constants or extract the code with CodeOf.
package fault

import (
	"errors"
	"fmt"
)

// Kind groups codes by how they must be handled.
type Kind int

const (
	KindInternal Kind = iota
	KindTransient
	KindSecurity
	KindConflict
	KindNotFound
	KindCompensation
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSecurity:
		return "security"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindCompensation:
		return "compensation"
	case KindInvalid:
		return "invalid"
	}
	return "internal"
}

// Code identifies a specific failure. Codes are themselves errors so that
// errors.Is(err, fault.TokenExpired) works on wrapped errors.
type Code string

const (
	KeyUnavailable             Code = "KeyUnavailable"
	RegistrationFailed         Code = "RegistrationFailed"
	KeyLookupFailed            Code = "KeyLookupFailed"
	TokenExpired               Code = "TokenExpired"
	IssuerMismatch             Code = "IssuerMismatch"
	SignatureInvalid           Code = "SignatureInvalid"
	UnknownSourceBank          Code = "UnknownSourceBank"
	UnknownDestinationBank     Code = "UnknownDestinationBank"
	DestinationAccountNotFound Code = "DestinationAccountNotFound"
	SourceAccountNotFound      Code = "SourceAccountNotFound"
	TransactionNotFound        Code = "TransactionNotFound"
	InsufficientFunds          Code = "InsufficientFunds"
	DuplicateReference         Code = "DuplicateReference"
	InvalidTransaction         Code = "InvalidTransaction"
	DeliveryFailed             Code = "DeliveryFailed"
	CompensationFailed         Code = "CompensationFailed"
	QueueClosed                Code = "QueueClosed"
	RateLimited                Code = "RateLimited"
	Internal                   Code = "Internal"
)

var kinds = map[Code]Kind{
	KeyUnavailable:             KindInternal,
	RegistrationFailed:         KindTransient,
	KeyLookupFailed:            KindTransient,
	TokenExpired:               KindSecurity,
	IssuerMismatch:             KindSecurity,
	SignatureInvalid:           KindSecurity,
	UnknownSourceBank:          KindNotFound,
	UnknownDestinationBank:     KindNotFound,
	DestinationAccountNotFound: KindNotFound,
	SourceAccountNotFound:      KindNotFound,
	TransactionNotFound:        KindNotFound,
	InsufficientFunds:          KindInvalid,
	DuplicateReference:         KindConflict,
	InvalidTransaction:         KindInvalid,
	DeliveryFailed:             KindTransient,
	CompensationFailed:         KindCompensation,
	QueueClosed:                KindInternal,
	RateLimited:                KindTransient,
	Internal:                   KindInternal,
}

func (c Code) Error() string { return string(c) }

// Kind returns the taxonomy class of the code.
func (c Code) Kind() Kind { return kinds[c] }

// Error is a coded error with an optional human readable message and cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New returns a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to cause. A nil cause yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's code, so errors.Is(err, fault.TokenExpired) holds.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	return false
}

// CodeOf extracts the outermost code from err, or Internal when none is present.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Internal
}

// KindOf is CodeOf(err).Kind().
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// Message returns the human readable part of a coded error.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
