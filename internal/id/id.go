// Package id generates writer run ids.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUID issues version 7 UUIDs, so run ids sort by creation time.
type UUID struct{}

// New returns the UUIDv7 generator.
func New() UUID { return UUID{} }

// NewID implements crawler.IDGenerator.
func (UUID) NewID() (string, error) {
	v, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return v.String(), nil
}

// Sequence issues "<prefix>-1", "<prefix>-2", ... for reproducible runs.
type Sequence struct {
	prefix string
	n      atomic.Uint64
}

// NewSequence starts a Sequence.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID implements crawler.IDGenerator.
func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1)), nil
}
