package api

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired means the bearer credential behind the request was
	// refused. The session itself may still exist; the user's login does not.
	ErrAuthExpired = errors.New("api: identity credential expired")

	// ErrTransient covers network failures, timeouts, 5xx, 429 and any
	// response the client could not make sense of. Never a reason to log out.
	ErrTransient = errors.New("api: transient authority failure")

	// ErrRejected means the authority explicitly declared the session invalid.
	ErrRejected = errors.New("api: session rejected by authority")
)

// RejectedError carries the authority's reason for a rejection.
// errors.Is(err, ErrRejected) holds for every *RejectedError.
type RejectedError struct {
	Op              string
	StatusCode      int
	Reason          string
	OriginalCountry string
	CurrentCountry  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("api: %s rejected (status %d): %s", e.Op, e.StatusCode, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// transientError attaches the operation and cause to ErrTransient.
type transientError struct {
	op    string
	cause error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("api: %s: %v", e.op, e.cause)
}

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.cause} }

func transient(op string, format string, args ...any) error {
	return &transientError{op: op, cause: fmt.Errorf(format, args...)}
}
