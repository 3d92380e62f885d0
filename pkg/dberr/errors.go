// Package dberr defines the error taxonomy shared by every NervusDB package.
//
// All engine failures are *Error values carrying one of four kinds:
//
//   - Syntax: the query text could not be parsed
//   - Execution: a valid query failed at runtime (unknown function, type mismatch)
//   - Storage: I/O failure, closed database, finished transaction
//   - Compatibility: a recognized construct this engine does not support
//
// Kinds are themselves errors, so callers match a category with errors.Is:
//
//	if errors.Is(err, dberr.Storage) {
//		// reopen, retry, ...
//	}
//
// and match any engine error with the shared base:
//
//	if errors.Is(err, dberr.ErrNervus) { ... }
package dberr

import (
	"errors"
	"fmt"
)

// ErrNervus is the base condition matched by every *Error.
var ErrNervus = errors.New("nervusdb error")

// Kind discriminates the error categories.
type Kind uint8

const (
	Syntax Kind = iota + 1
	Execution
	Storage
	Compatibility
)

func (k Kind) String() string {
	switch k {
	case Syntax:
		return "SyntaxError"
	case Execution:
		return "ExecutionError"
	case Storage:
		return "StorageError"
	case Compatibility:
		return "CompatibilityError"
	default:
		return "NervusError"
	}
}

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Codes for conditions callers commonly need to tell apart.
const (
	CodeUnknownFunction   = "UnknownFunction"
	CodeUndefinedVariable = "UndefinedVariable"
	CodeTxFinished        = "TransactionFinished"
	CodeClosed            = "DatabaseClosed"
	CodeWriteConflict     = "WriteConflict"
	CodeNotFound          = "NotFound"
	CodeTypeMismatch      = "TypeMismatch"
	CodeCorrupt           = "Corrupt"
	CodeParameterMissing  = "ParameterMissing"
)

// Error is the single concrete error type of the engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fragment is the offending query text, when known.
	Fragment string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Message
	if e.Fragment != "" {
		msg += fmt.Sprintf(" (near %q)", e.Fragment)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the shared base, the error's Kind, or another *Error with the
// same kind and code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return t == e.Kind
	case *Error:
		return t.Kind == e.Kind && t.Code != "" && t.Code == e.Code
	}
	return target == ErrNervus
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
// A nil cause returns nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	var de *Error
	if errors.As(cause, &de) && de.Kind == kind {
		return fmt.Errorf("%s: %w", message, cause)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// SyntaxAt reports a parse failure near the given query fragment.
func SyntaxAt(fragment, format string, args ...any) *Error {
	return &Error{Kind: Syntax, Message: fmt.Sprintf(format, args...), Fragment: fragment}
}

// KindOf returns the kind of err, or 0 if err is not an engine error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
