package settings

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes store failures so every call site can handle them
// exhaustively instead of matching on sentinel values.
type ErrorKind string

const (
	// KindNotFound indicates an update targeted a missing record.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindNotAuthorized indicates the caller supplied an invalid user id.
	KindNotAuthorized ErrorKind = "NOT_AUTHORIZED"

	// KindDuplicate indicates a create raced with another session's create.
	KindDuplicate ErrorKind = "DUPLICATE"

	// KindTransient indicates a storage or network failure that may succeed
	// on retry.
	KindTransient ErrorKind = "TRANSIENT"
)

// Error is a coded store error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether re-issuing the same operation may succeed.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransient
}

// NewError creates a coded store error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error, defaulting to KindTransient
// for errors that did not originate in this package.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsDuplicate reports whether err is a duplicate-create failure. The
// get-or-create flow treats this as benign and re-reads the record.
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicate
}
