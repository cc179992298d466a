// Package apierr defines the error taxonomy shared by the compiler and the store.
//
// Every error caused by client input is (or wraps) a *ValidationError. Permission
// failures are *PermissionDeniedError and never count as validation failures.
// Anything else is an internal failure and propagates unchanged.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports bad client input.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "invalid request"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation builds a ValidationError from a format string.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// WrapValidation marks err as a client input failure, keeping the typed cause.
func WrapValidation(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Err: err}
}

// UnknownFieldError means a path segment has no definition on the current entity.
type UnknownFieldError struct {
	Entity  string
	Segment string
	Path    string
}

func (e *UnknownFieldError) Error() string {
	if e.Path != "" && e.Path != e.Segment {
		return fmt.Sprintf("Unknown field: %q in %q.", e.Segment, e.Path)
	}
	return fmt.Sprintf("Unknown field: %q.", e.Segment)
}

// NotTraversableError means a non-terminal path segment is not a relation.
type NotTraversableError struct {
	Entity  string
	Segment string
	Path    string
}

func (e *NotTraversableError) Error() string {
	return fmt.Sprintf("Not a related field: %q in %q.", e.Segment, e.Path)
}

// MalformedFilterKeyError reports bad bracket or operator syntax.
type MalformedFilterKeyError struct {
	Key    string
	Reason string
}

func (e *MalformedFilterKeyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%q is not a well-formed filter key: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("%q is not a well-formed filter key.", e.Key)
}

// UnsupportedNestingError reports nested relation values or keys deeper than supported.
type UnsupportedNestingError struct {
	Field string
}

func (e *UnsupportedNestingError) Error() string {
	return "Nested relationship values are not supported"
}

// InvalidCursorError reports a cursor token that cannot be decoded.
type InvalidCursorError struct {
	Token string
	Err   error
}

func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("Invalid cursor %q", e.Token)
}

func (e *InvalidCursorError) Unwrap() error { return e.Err }

// InvalidPageError reports a page number outside the valid range.
type InvalidPageError struct {
	Page    string
	Message string
}

func (e *InvalidPageError) Error() string {
	if e.Page == "" {
		return e.Message
	}
	return fmt.Sprintf("Invalid page %q: %s", e.Page, e.Message)
}

// InvalidCombineError reports a malformed combine expression.
type InvalidCombineError struct {
	Message string
}

func (e *InvalidCombineError) Error() string { return e.Message }

// PermissionDeniedError reports an authorization failure.
type PermissionDeniedError struct {
	Entity string
	Access string
}

func (e *PermissionDeniedError) Error() string {
	if e.Entity == "" {
		return "You do not have permission to perform this action."
	}
	return fmt.Sprintf("You do not have permission to %s %s.", e.Access, e.Entity)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// IsValidation reports whether err was caused by client input.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *ValidationError
		uf *UnknownFieldError
		nt *NotTraversableError
		mk *MalformedFilterKeyError
		un *UnsupportedNestingError
		ic *InvalidCursorError
		ip *InvalidPageError
		cb *InvalidCombineError
	)
	return errors.As(err, &ve) || errors.As(err, &uf) || errors.As(err, &nt) ||
		errors.As(err, &mk) || errors.As(err, &un) || errors.As(err, &ic) ||
		errors.As(err, &ip) || errors.As(err, &cb)
}

// IsPermissionDenied reports whether err is an authorization failure.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// IsNotFound reports whether err is a missing record.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// storeInputErrors are driver messages produced by malformed client predicates.
var storeInputErrors = []string{
	"truncated incorrect",
	"incorrect datetime value",
	"incorrect date value",
	"incorrect integer value",
	"got error",
	"regexp",
	"illegal argument",
	"data truncation",
	"no such function",
	"datatype mismatch",
	"no such column",
	"unknown column",
}

// FromStore re-wraps store errors that originate from client input as
// validation failures. Other errors are returned unchanged.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range storeInputErrors {
		if strings.Contains(msg, marker) {
			return &ValidationError{Message: err.Error(), Err: err}
		}
	}
	return err
}

// Class names the category of err for logs, metrics and span outcomes:
// success, validation, permission_denied, not_found or error.
func Class(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsPermissionDenied(err):
		return "permission_denied"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "validation"
	default:
		return "error"
	}
}
