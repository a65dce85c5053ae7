// Package local implements a filesystem storage provider on top of afero.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/JakeFAU/regwatch/internal/storage"
)

const tempMarker = ".tmp-"

// Config captures the parameters for the local filesystem provider.
type Config struct {
	// BaseDir is the root directory under which keys are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Provider writes objects as files below BaseDir.
type Provider struct {
	fs      afero.Fs
	baseDir string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithFs swaps the filesystem, e.g. for afero.NewMemMapFs in tests.
func WithFs(fs afero.Fs) Option {
	return func(p *Provider) {
		if fs != nil {
			p.fs = fs
		}
	}
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	p := &Provider{fs: afero.NewOsFs(), baseDir: filepath.Clean(cfg.BaseDir)}
	for _, opt := range opts {
		opt(p)
	}

	info, err := p.fs.Stat(p.baseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := p.fs.MkdirAll(p.baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(p.baseDir, ".writable_test")
	if err := afero.WriteFile(p.fs, testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := p.fs.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return p, nil
}

// BaseDir returns the provider root.
func (p *Provider) BaseDir() string {
	return p.baseDir
}

func (p *Provider) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Clean(filepath.Join(p.baseDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(fullPath, p.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", key)
	}
	return fullPath, nil
}

// Read returns the file contents or storage.ErrNotExist.
func (p *Provider) Read(_ context.Context, key string) ([]byte, error) {
	fullPath, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(p.fs, fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists stats the file behind key.
func (p *Provider) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := p.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := p.fs.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Write stages data in a temp file next to the target and renames it into place.
func (p *Provider) Write(_ context.Context, key string, data []byte) (err error) {
	fullPath, err := p.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := p.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := afero.TempFile(p.fs, dir, filepath.Base(fullPath)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			if rmErr := p.fs.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = multierr.Append(err, fmt.Errorf("remove temp file: %w", rmErr))
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return multierr.Append(fmt.Errorf("write %s: %w", key, err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := p.fs.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// List returns keys in the prefix's directory whose file name starts with the
// prefix's final element.
func (p *Provider) List(_ context.Context, prefix string) ([]string, error) {
	dirKey, namePrefix := path.Split(prefix)
	dir := p.baseDir
	if dirKey != "" {
		resolved, err := p.resolve(dirKey)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	entries, err := afero.ReadDir(p.fs, dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, namePrefix) || strings.Contains(name, tempMarker) {
			continue
		}
		keys = append(keys, dirKey+name)
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete removes the file; a missing file is ignored.
func (p *Provider) Delete(_ context.Context, key string) error {
	fullPath, err := p.resolve(key)
	if err != nil {
		return err
	}
	if err := p.fs.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
