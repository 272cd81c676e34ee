package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for handling decisions
type Category string

const (
	// CategoryNotFound covers missing packages and unowned paths
	CategoryNotFound Category = "notfound"
	// CategoryCommand covers external command failures (apt, dpkg)
	CategoryCommand Category = "command"
	// CategoryState covers caller misuse of mount state machines
	CategoryState Category = "state"
	// CategoryHash covers detectable archive fetch corruption
	CategoryHash Category = "hash"
	// CategoryFilesystem covers local filesystem operation failures
	CategoryFilesystem Category = "filesystem"
)

// Categorized is implemented by errors that carry a Category
type Categorized interface {
	error
	Category() Category
}

// Error is a categorized error with an optional underlying cause
type Error struct {
	Cat       Category
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Category returns the error category
func (e *Error) Category() Category {
	return e.Cat
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a categorized error without a cause
func New(cat Category, operation, format string, args ...interface{}) *Error {
	return &Error{
		Cat:       cat,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap creates a categorized error wrapping cause
func Wrap(cat Category, operation string, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Cat:       cat,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
	}
}

// CategoryOf walks the error chain and returns the first category found,
// or an empty category if none of the chain is categorized.
func CategoryOf(err error) Category {
	for err != nil {
		if c, ok := err.(Categorized); ok {
			return c.Category()
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsCategory reports whether any error in the chain has the given category
func IsCategory(err error, cat Category) bool {
	for err != nil {
		if c, ok := err.(Categorized); ok && c.Category() == cat {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether the error is marked retryable
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
