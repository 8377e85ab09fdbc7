package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against a *Error.
var (
	ErrInvalidTask = errors.New("invalid task")
	ErrNetwork     = errors.New("network error")
	ErrIO          = errors.New("io error")
	ErrIntegrity   = errors.New("integrity error")
	ErrProtocol    = errors.New("protocol error")
	ErrTimeout     = errors.New("timeout")
	ErrMount       = errors.New("mount error")
	ErrLocked      = errors.New("package root locked")
)

// Error carries a failure kind together with the operation and package it hit
type Error struct {
	Kind error  // One of the Err* kinds above
	Op   string // e.g. "head", "chunk", "finalize", "negotiate"
	Name string // Package name, empty when not package specific
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Name != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind
func NewError(kind error, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// KindOf returns the kind of err, or nil if err carries none
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
