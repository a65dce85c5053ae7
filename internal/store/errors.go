package store

import (
	"errors"
	"fmt"
)

var (
	// errNotFound marks a key that has never been written.
	errNotFound = errors.New("record not found")
	// errCorrupt marks a record whose bytes no longer decode.
	errCorrupt = errors.New("record is corrupt")
)

// StorageError describes a failed store operation.
type StorageError struct {
	// Op is the store operation, e.g. "MarkVisited".
	Op string
	// Key is the logical key (scraper id, URL or record key), not the digest.
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
