package storage

import "errors"

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a fence or optimistic-concurrency CAS lost its
	// race. The stores in this module report a lost fence CAS as a false
	// result with a nil error and do not return ErrConflict.
	ErrConflict = errors.New("concurrent modification conflict")
)
