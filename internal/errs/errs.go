// Package errs defines the error classes shared by the wallet engine.
//
// Every package declares its own sentinel errors with New, attaching one of
// the classes below. Callers branch on the class with errors.Is or ClassOf
// and on the specific failure with errors.Is against the sentinel.
package errs

import "errors"

// Class identifies how the caller is expected to recover from an error.
type Class uint8

const (
	// Unclassified is returned by ClassOf for errors created outside this package.
	Unclassified Class = iota
	// Validation errors reject a single input (bad header, bad signature) and
	// processing continues.
	Validation
	// Conflict errors come from selection races or double spends and are
	// retried with a fresh snapshot a bounded number of times.
	Conflict
	// Resource errors mean storage failed. The operation is aborted and no
	// further mutations are accepted until storage recovers.
	Resource
	// Network errors are recovered by rotating peers.
	Network
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case Resource:
		return "resource"
	case Network:
		return "network"
	default:
		return "unclassified"
	}
}

// Error implements error so a Class can be used directly as an errors.Is target.
func (c Class) Error() string {
	return c.String() + " error"
}

// Error is a sentinel error tagged with a class.
type Error struct {
	class Class
	msg   string
}

// New returns a sentinel error of the given class.
func New(class Class, msg string) *Error {
	return &Error{class: class, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Class returns the class of the error.
func (e *Error) Class() Class { return e.class }

// Is reports whether target is this error's class, so that
// errors.Is(err, errs.Network) matches any network sentinel in the chain.
func (e *Error) Is(target error) bool {
	c, ok := target.(Class)
	return ok && c == e.class
}

// ClassOf returns the class of the first classified error in err's chain.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.class
	}
	var c Class
	if errors.As(err, &c) {
		return c
	}
	return Unclassified
}

// Common sentinels used across packages.
var (
	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = New(Validation, "invalid key")
	// ErrSignatureFailure is returned when signing produces no valid signature.
	ErrSignatureFailure = New(Validation, "signature failure")
	// ErrConflict is returned after the bounded retry budget for a conflicting
	// operation is exhausted.
	ErrConflict = New(Conflict, "conflicting state change")
)
