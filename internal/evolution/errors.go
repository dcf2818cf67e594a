package evolution

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes gateway failures. All kinds map to the same user
// guidance but stay distinguishable for logging and tests.
type ErrorKind string

const (
	// KindInvalidURL indicates the instance URL yields no identifier.
	KindInvalidURL ErrorKind = "INVALID_URL"

	// KindNetwork indicates a transport-level failure: DNS, refused
	// connection, or an unreadable/undecodable response body.
	KindNetwork ErrorKind = "NETWORK"

	// KindHTTPStatus indicates the gateway answered with a non-2xx status.
	KindHTTPStatus ErrorKind = "HTTP_STATUS"

	// KindInvalidPayload indicates a well-formed response that is missing
	// the success marker or the QR code itself.
	KindInvalidPayload ErrorKind = "INVALID_PAYLOAD"
)

// Error is a coded gateway error.
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

// NewError creates a coded gateway error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind, defaulting to KindNetwork for foreign
// errors since those are invariably transport failures wrapped elsewhere.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindNetwork
}
