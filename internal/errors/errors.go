package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication failed")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient failure")
	ErrFatal      = errors.New("fatal inconsistency")
)

// Kind is the category an error belongs to. The HTTP surface and the
// reconciliation workers decide how to respond based on it.
type Kind string

const (
	KindUnknown    Kind = ""
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Error is a categorized error carrying the failed operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	}
	return false
}

// Classifier is implemented by component errors that know their own kind.
type Classifier interface {
	ErrorKind() Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error { return New(KindValidation, op, err) }
func Auth(op string, err error) error       { return New(KindAuth, op, err) }
func Conflict(op string, err error) error   { return New(KindConflict, op, err) }
func Transient(op string, err error) error  { return New(KindTransient, op, err) }
func Fatal(op string, err error) error      { return New(KindFatal, op, err) }

// KindOf walks the chain and returns the first kind found.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case Classifier:
			if k := e.ErrorKind(); k != KindUnknown {
				return k
			}
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the operation.
// Unknown errors are treated as retryable so that a webhook is redelivered.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindAuth, KindConflict, KindFatal:
		return false
	default:
		return true
	}
}
