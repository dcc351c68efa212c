package chat

import "fmt"

// Code classifies engine errors for callers and the HTTP layer.
type Code string

const (
	CodeNotReady    Code = "NOT_READY"
	CodeNeedsClaim  Code = "NEEDS_CLAIM"
	CodeConflict    Code = "CONFLICT"
	CodeWriteFailed Code = "WRITE_FAILED"
	CodeReadFailed  Code = "READ_FAILED"
	CodeClosed      Code = "SCOPE_CLOSED"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrConflict)
// holds for every conflict regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotReady    = &Error{Code: CodeNotReady, Message: "not ready"}
	ErrNeedsClaim  = &Error{Code: CodeNeedsClaim, Message: "username not claimed"}
	ErrConflict    = &Error{Code: CodeConflict, Message: "conflict"}
	ErrWriteFailed = &Error{Code: CodeWriteFailed, Message: "write failed"}
	ErrReadFailed  = &Error{Code: CodeReadFailed, Message: "read failed"}
	ErrClosed      = &Error{Code: CodeClosed, Message: "scope closed"}
)

func chatError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
