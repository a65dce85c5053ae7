// Package gcs provides a storage provider backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appstorage "github.com/JakeFAU/regwatch/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, letting several stores share one bucket.
	Prefix string
}

// ClientFactory creates GCS clients; tests swap it for a preconfigured client.
type ClientFactory interface {
	NewClient(ctx context.Context) (*storage.Client, error)
}

// DefaultClientFactory builds clients with Application Default Credentials.
type DefaultClientFactory struct {
	Options []option.ClientOption
}

// NewClient creates a storage client.
func (f DefaultClientFactory) NewClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, f.Options...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return client, nil
}

// Provider stores objects in a GCS bucket.
type Provider struct {
	client *storage.Client
	bucket string
	prefix string
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Provider{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Open creates a client through factory and fails fast when the bucket is unreachable.
func Open(ctx context.Context, factory ClientFactory, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", cfg.Bucket, err)
	}
	p, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

func (p *Provider) object(key string) string {
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

func (p *Provider) key(object string) string {
	if p.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, p.prefix+"/")
}

// Read downloads the object.
func (p *Provider) Read(ctx context.Context, key string) ([]byte, error) {
	reader, err := p.client.Bucket(p.bucket).Object(p.object(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, appstorage.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Exists fetches the object's attributes only.
func (p *Provider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := p.client.Bucket(p.bucket).Object(p.object(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// Write uploads data in a single request; GCS object writes are atomic on Close.
func (p *Provider) Write(ctx context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := p.client.Bucket(p.bucket).Object(p.object(key)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", key, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// List pages through the bucket listing for prefix.
func (p *Provider) List(ctx context.Context, prefix string) ([]string, error) {
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: p.object(prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, p.key(attrs.Name))
	}
	return keys, nil
}

// Delete removes the object, ignoring objects that do not exist.
func (p *Provider) Delete(ctx context.Context, key string) error {
	err := p.client.Bucket(p.bucket).Object(p.object(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
