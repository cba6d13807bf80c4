// internal/errors/errors.go
package errors

import (
	"fmt"
)

// Kind classifies a compilation error.
type Kind string

const (
	// BelowThreshold is not a failure: the function has not crossed a
	// promotion threshold yet and the caller should keep interpreting.
	BelowThreshold Kind = "BelowThreshold"
	// AotDisabled is returned when ahead-of-time compilation is
	// requested but switched off in the engine options.
	AotDisabled Kind = "AotDisabled"
	// Translation means the bytecode-to-IR step rejected the input.
	Translation Kind = "Translation"
	// CodeGen means the backend failed to lower the IR.
	CodeGen Kind = "CodeGen"
	// InvalidModule means the module wire format failed to parse.
	InvalidModule Kind = "InvalidModule"
	// OutOfMemory means a cache or native-page allocation failed.
	OutOfMemory Kind = "OutOfMemory"
)

// CompileError is the error type produced by every stage of the
// compiler. Function identifies the function being compiled when one
// is in scope ("module[index]" form), and Cause holds the underlying
// error, if any.
type CompileError struct {
	Kind     Kind
	Function string
	Message  string
	Cause    error
}

func (e *CompileError) Error() string {
	switch {
	case e.Function != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Function, e.Message)
	case e.Function != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Function)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// New creates a CompileError of the given kind.
func New(kind Kind, message string) *CompileError {
	return &CompileError{Kind: kind, Message: message}
}

// Newf creates a CompileError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a CompileError carrying an underlying cause.
func Wrap(kind Kind, cause error, message string) *CompileError {
	return &CompileError{Kind: kind, Message: message, Cause: cause}
}

// WithFunction tags the error with the identity of the function that
// was being compiled.
func (e *CompileError) WithFunction(fn string) *CompileError {
	e.Function = fn
	return e
}

// KindOf reports the Kind of err, or "" if err is not a CompileError.
func KindOf(err error) Kind {
	if ce, ok := err.(*CompileError); ok {
		return ce.Kind
	}
	return ""
}

// IsBelowThreshold reports whether err signals "keep interpreting".
func IsBelowThreshold(err error) bool {
	return KindOf(err) == BelowThreshold
}

// IsAotDisabled reports whether err is a configuration rejection of
// ahead-of-time compilation.
func IsAotDisabled(err error) bool {
	return KindOf(err) == AotDisabled
}
