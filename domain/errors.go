package domain

import (
	"errors"
	"fmt"
)

// Wire error kinds.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindTransient  = "transient"
	KindInternal   = "internal"
)

// ValidationError reports malformed or empty command input. The store is untouched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a command targeting an identifier that does not exist.
type NotFoundError struct {
	ID int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("task %d not found", e.ID)
}

// TransientStoreError wraps a connectivity failure talking to the record store.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e TransientStoreError) Unwrap() error { return e.Err }

// MalformedEventError reports a change notification that could not be decoded.
type MalformedEventError struct {
	Payload string
	Err     error
}

func (e MalformedEventError) Error() string {
	return fmt.Sprintf("malformed change event: %v", e.Err)
}

func (e MalformedEventError) Unwrap() error { return e.Err }

// ErrorKind classifies err into one of the wire error kinds.
func ErrorKind(err error) string {
	var (
		ve ValidationError
		nf NotFoundError
		te TransientStoreError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &te):
		return KindTransient
	default:
		return KindInternal
	}
}
