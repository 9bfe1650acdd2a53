package model

import "errors"

// Error kinds shared across the application. Callers wrap them with
// fmt.Errorf("%w: ...") and classify with errors.Is.
var (
	// ErrNotFound indicates there is no active key, or the referenced key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a key with the same plaintext is already pooled.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrValidationFailed indicates a key was malformed or rejected upstream.
	ErrValidationFailed = errors.New("validation failed")

	// ErrAllKeysFailed indicates a rotation tested every candidate and none passed.
	ErrAllKeysFailed = errors.New("all keys failed validation")

	// ErrInvalidArgument indicates an unknown provider, model, or malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable indicates a precondition is unmet, e.g. the pool is empty.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal indicates a persistence or encryption failure.
	ErrInternal = errors.New("internal error")
)
