package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors. They mirror the failure taxonomy of a
// provisioning run: bad input, transport trouble, a remote command that exited
// non-zero, and the one disconnect we expect after restarting sshd.
const (
	ErrConfig     = "CONFIG"
	ErrConnect    = "CONNECT"
	ErrCommand    = "COMMAND"
	ErrDisconnect = "DISCONNECT"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Rendered as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
	// Step names the provisioning step that failed, if any.
	Step string
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrConnect code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrConnect,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// InStep returns a copy of e attributed to the named step.
func (e *Error) InStep(step string) *Error {
	cp := *e
	cp.Step = step
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	msg := e.Message
	if e.Step != "" {
		msg = fmt.Sprintf("[%s] %s", e.Step, e.Message)
	}
	b.WriteString(fmt.Sprintf("✗ %s\n", msg))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
// The outermost structured error wins.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost structured error, or "" if err is
// not one.
func CodeOf(err error) string {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	return ""
}

// ExitCode maps an error to the process exit status. Every failure class is
// fatal to the run, so anything non-nil is 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
