package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// StoreError is the RepositoryError used by the memory, SQL and Redis backends.
type StoreError struct {
	Op   string
	Err  error
	kind errorKind
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NewNotFound reports a missing record.
func NewNotFound(op, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), kind: kindNotFound}
}

// NewConflict reports a uniqueness or concurrency conflict.
func NewConflict(op, format string, args ...any) error {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), kind: kindConflict}
}

// NewUnavailable wraps a transient backend failure.
func NewUnavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err, kind: kindUnavailable}
}

// Wrap annotates err with op without categorising it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsNotFound reports whether err carries a not-found RepositoryError.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict RepositoryError.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries an unavailable RepositoryError.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
