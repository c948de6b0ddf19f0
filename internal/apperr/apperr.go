// Package apperr holds the error kinds shared by the scheduling and billing
// packages. Domain packages declare their own sentinels on top of these kinds
// so the HTTP layer can classify any error with errors.Is.
package apperr

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency failure")
)

// Error is a message tagged with one of the kinds above.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

func Validation(msg string) error { return &Error{kind: ErrValidation, msg: msg} }

func NotFound(msg string) error { return &Error{kind: ErrNotFound, msg: msg} }

func Conflict(msg string) error { return &Error{kind: ErrConflict, msg: msg} }

func Dependency(msg string) error { return &Error{kind: ErrDependency, msg: msg} }

// Kind returns the kind err belongs to, or ErrDependency for anything
// unclassified. Unknown errors are treated as infrastructure failures.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrDependency} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrDependency
}
