package store

import "errors"

var (
	// ErrNotFound is returned when no record matches the requested key.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by Insert when the key string already exists.
	ErrConflict = errors.New("key already exists")
)
