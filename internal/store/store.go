package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/logging"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/storage"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// DefaultMaxVersions is the history retention cap used when callers pass maxVersions <= 0.
const DefaultMaxVersions = 10

const (
	stateDir    = "state/"
	versionsDir = "versions/"
	recordsDir  = "records/"
	jsonExt     = ".json"
)

// Compressor is the payload codec applied to version content.
type Compressor interface {
	ShouldCompress(content string) bool
	Compress(content string) string
	Decompress(encoded string) string
}

// KeyDigester maps logical keys to filesystem-safe tokens.
type KeyDigester interface {
	Digest(key string) string
}

// Store persists run state, content versions and typed records through a storage.Provider.
type Store struct {
	provider    storage.Provider
	compressor  Compressor
	digester    KeyDigester
	clock       crawler.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
	maxVersions int
	locks       keyedMutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for run timestamps and capture times.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDigester overrides the key digest function.
func WithDigester(d KeyDigester) Option {
	return func(s *Store) {
		if d != nil {
			s.digester = d
		}
	}
}

// WithMaxVersions sets the retention cap used when SaveVersion is given maxVersions <= 0.
func WithMaxVersions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxVersions = n
		}
	}
}

// New creates a Store over provider. compressor is required; logger may be nil.
func New(provider storage.Provider, compressor Compressor, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		provider:    provider,
		compressor:  compressor,
		digester:    sha256.New(),
		clock:       clock.New(),
		logger:      logging.Component(logger, "store"),
		tracer:      telemetry.Tracer("store"),
		maxVersions: DefaultMaxVersions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) statePath(scraperID string) string {
	return stateDir + s.digester.Digest(scraperID) + jsonExt
}

func (s *Store) recordPath(key string) string {
	return recordsDir + s.digester.Digest(key) + jsonExt
}

func (s *Store) readJSON(ctx context.Context, path string, v any) error {
	data, err := s.provider.Read(ctx, path)
	if errors.Is(err, storage.ErrNotExist) {
		return errNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w: %w", path, errCorrupt, err)
	}
	return nil
}

func (s *Store) writeJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.provider.Write(ctx, path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// startOp opens a span for op and returns a finisher that records metrics, logs
// failures and converts them to *StorageError.
func (s *Store) startOp(ctx context.Context, op, key string) (context.Context, func(error) error) {
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("regwatch.key", key)))
	return ctx, func(err error) error {
		defer span.End()
		metrics.ObserveStoreOp(op, err)
		if err == nil {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("store operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		return wrapErr(op, key, err)
	}
}
