package engine

import "errors"

var (
	// ErrEngineClosed is returned by operations issued after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrKeyNotFound is returned by Get when no segment holds a value
	// for the key. It marks an absent key, not a failure.
	ErrKeyNotFound = errors.New("key not found")
)
