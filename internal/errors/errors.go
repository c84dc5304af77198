// Package errors attaches a classification code to errors while keeping
// the pkg/errors message and stack underneath.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error. Codes are matched with Is anywhere in a chain.
type Code string

func (c Code) Error() string { return string(c) }

type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	code, ok := target.(Code)
	return ok && e.Code == code
}

func New(code Code, message string) error {
	return &Error{Code: code, Err: errors.New(message)}
}

func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: errors.Errorf(format, args...)}
}

// Wrap returns nil for a nil err.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: errors.Wrap(err, message)}
}

// Wrapf returns nil for a nil err.
func Wrapf(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: errors.Wrapf(err, format, args...)}
}

// PureNew is an uncoded error, mostly for tests and fakes.
func PureNew(message string) error {
	return stderrors.New(message)
}

// CodeOf returns the outermost code in err's chain.
func CodeOf(err error) (Code, bool) {
	e, ok := As[*Error](err)
	if !ok {
		return "", false
	}
	return e.Code, true
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As[T error](err error) (T, bool) {
	var target T
	ok := stderrors.As(err, &target)
	return target, ok
}
