// Package errors provides the domain error type used across overseer.
// It wraps the standard library errors package so callers only need one import.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"sort"
	"strings"
)

// Standard errors provides a way to check error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrTimeout      = errors.New("operation timed out")
)

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Join provides compatibility with the standard errors package
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the wrapped cause
	Original error
	// Domain is the area that raised the error (e.g., "supervisor", "admin", "config")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "Register", "StartService")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]interface{}
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface.
// Format: [Domain.Operation] Code=CODE: Message: Original {k=v ...}
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	switch {
	case e.Domain != "" && e.Operation != "":
		sb.WriteString(e.Domain + "." + e.Operation)
	case e.Domain != "":
		sb.WriteString(e.Domain)
	default:
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}

	sb.WriteString(e.Message)
	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Fields[k])
		}
		sb.WriteString("}")
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// Field returns a context field and whether it was set.
func (e *Error) Field(key string) (interface{}, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// clone copies a domain error so wrapping never mutates a shared value.
func (e *Error) clone() *Error {
	c := *e
	c.Fields = maps.Clone(e.Fields)
	return &c
}

// update applies fn to a copy of err's domain error, or to a fresh domain
// error wrapping err when it is not one already.
func update(err error, fn func(*Error)) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	var e *Error
	if errors.As(err, &domainErr) {
		e = domainErr.clone()
	} else {
		e = &Error{Original: err}
	}
	fn(e)
	return e
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stackBuilder strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&stackBuilder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	return update(err, func(e *Error) { e.Stack = stackBuilder.String() })
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	return update(err, func(e *Error) { e.Message = message })
}

// WrapWithDomain wraps an error with a domain
func WrapWithDomain(err error, domain string) error {
	return update(err, func(e *Error) { e.Domain = domain })
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	return update(err, func(e *Error) { e.Operation = operation })
}

// WrapWithCode wraps an error with a code
func WrapWithCode(err error, code string) error {
	return update(err, func(e *Error) { e.Code = code })
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value interface{}) error {
	return update(err, func(e *Error) {
		if e.Fields == nil {
			e.Fields = make(map[string]interface{})
		}
		e.Fields[key] = value
	})
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}
