package db

import "errors"

var (
	// ErrClosed is returned by any operation on an Engine after Close.
	ErrClosed = errors.New("db: engine is closed")
	// ErrEmptyKey is returned by Put/Delete/Get for a zero-length key.
	ErrEmptyKey = errors.New("db: empty key")
)
