// Package storage defines the interfaces for a blob storage provider.
// This abstraction allows the versioned store to be independent of a specific storage
// implementation (e.g., Google Cloud Storage or the local filesystem).
package storage

import (
	"context"
	"errors"
)

// ErrNotExist is returned by Read when the key has never been written.
var ErrNotExist = errors.New("object does not exist")

// Provider stores small JSON documents under slash-separated keys.
type Provider interface {
	// Read returns the object's bytes or ErrNotExist.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write replaces the object so readers never observe a partial write.
	Write(ctx context.Context, key string, data []byte) error
	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present without reading its bytes.
	Exists(ctx context.Context, key string) (bool, error)
}

