package statestore

import "fmt"

// ErrorKind classifies a statestore.Error.
type ErrorKind string

const (
	ErrorNotFound      ErrorKind = "not_found"
	ErrorTerminalRun   ErrorKind = "terminal_run"
	ErrorConfiguration ErrorKind = "configuration"
	ErrorDatabase      ErrorKind = "database"
	ErrorSerialization ErrorKind = "serialization"
	ErrorObjectStore   ErrorKind = "object_store"
)

// Error is the typed error returned by Store implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("statestore: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("statestore: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a statestore.Error of kind NotFound.
func IsNotFound(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == ErrorNotFound
}

// IsTerminalRun reports whether err is a statestore.Error of kind
// TerminalRun.
func IsTerminalRun(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == ErrorTerminalRun
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
