package store

import (
	"context"
	"errors"
)

// Get loads the record stored under key into a T. A missing record yields the zero
// value and no error; a failed read or decode yields the zero value and a *StorageError.
func Get[T any](ctx context.Context, s *Store, key string) (T, error) {
	ctx, finish := s.startOp(ctx, "Get", key)
	var value T
	err := s.readJSON(ctx, s.recordPath(key), &value)
	if errors.Is(err, errNotFound) {
		return value, finish(nil)
	}
	if err != nil {
		var zero T
		return zero, finish(err)
	}
	return value, finish(nil)
}

// Set stores value as JSON under key, replacing any previous record.
func Set[T any](ctx context.Context, s *Store, key string, value T) error {
	ctx, finish := s.startOp(ctx, "Set", key)
	if key == "" {
		return finish(errors.New("record key is required"))
	}
	unlock := s.locks.Lock(recordsDir + key)
	defer unlock()
	return finish(s.writeJSON(ctx, s.recordPath(key), value))
}
