// Package compress stores large text payloads as base64-encoded gzip and
// recognises such payloads on the way back so raw content passes through untouched.
package compress

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Threshold is the size in bytes above which content is worth compressing.
const Threshold = 1024

// Compressor converts between raw text and its base64(gzip) form.
type Compressor struct {
	fs     afero.Fs
	logger *zap.Logger
}

// Option customizes a Compressor.
type Option func(*Compressor)

// WithFs sets the filesystem used by the file variants.
func WithFs(fs afero.Fs) Option {
	return func(c *Compressor) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// New creates a Compressor backed by the OS filesystem.
func New(logger *zap.Logger, opts ...Option) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compressor{fs: afero.NewOsFs(), logger: logger.Named("compress")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldCompress reports whether content exceeds Threshold.
func (c *Compressor) ShouldCompress(content string) bool {
	return len(content) > Threshold
}

// Compress returns base64(gzip(content)). Any failure yields content unchanged.
func (c *Compressor) Compress(content string) string {
	if content == "" {
		return content
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, content); err != nil {
		c.logger.Warn("gzip write failed", zap.Error(err))
		return content
	}
	if err := zw.Close(); err != nil {
		c.logger.Warn("gzip close failed", zap.Error(err))
		return content
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Decompress reverses Compress. Input that is not valid base64 or does not carry the
// gzip magic bytes is treated as raw content and returned unchanged, as is input whose
// gzip stream fails to decode.
func (c *Compressor) Decompress(encoded string) string {
	raw, ok := gzipPayload(encoded)
	if !ok {
		return encoded
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		c.logger.Warn("gzip header invalid", zap.Error(err))
		return encoded
	}
	defer func() { _ = zr.Close() }()
	var out strings.Builder
	if _, err := io.Copy(&out, zr); err != nil {
		c.logger.Warn("gzip stream invalid", zap.Error(err))
		return encoded
	}
	return out.String()
}

func gzipPayload(s string) ([]byte, bool) {
	// base64 of a gzip stream always starts with "H4sI"; the shortest gzip stream is 20 bytes.
	if len(s) < 28 || len(s)%4 != 0 || !strings.HasPrefix(s, "H4s") {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return nil, false
	}
	return raw, true
}

// CompressFile streams src into dst as base64(gzip). When the result is not smaller
// than src, dst is removed and false is returned so the caller keeps the original.
func (c *Compressor) CompressFile(ctx context.Context, src, dst string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("compress %s: %w", src, err)
	}
	info, err := c.fs.Stat(src)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", src, err)
	}
	if err := c.streamFile(src, dst, c.encode); err != nil {
		return false, err
	}
	out, err := c.fs.Stat(dst)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", dst, err)
	}
	if out.Size() >= info.Size() {
		c.logger.Debug("compression did not shrink file",
			zap.String("path", src),
			zap.Int64("original", info.Size()),
			zap.Int64("compressed", out.Size()),
		)
		if err := c.fs.Remove(dst); err != nil {
			return false, fmt.Errorf("remove %s: %w", dst, err)
		}
		return false, nil
	}
	return true, nil
}

// DecompressFile streams a CompressFile output back to its original bytes.
func (c *Compressor) DecompressFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return c.streamFile(src, dst, c.decode)
}

func (c *Compressor) encode(dst io.Writer, src io.Reader) (err error) {
	b64 := base64.NewEncoder(base64.StdEncoding, dst)
	zw := gzip.NewWriter(b64)
	defer func() {
		err = multierr.Combine(err, zw.Close(), b64.Close())
	}()
	if _, err := io.Copy(zw, src); err != nil {
		return fmt.Errorf("gzip copy: %w", err)
	}
	return nil
}

func (c *Compressor) decode(dst io.Writer, src io.Reader) error {
	zr, err := gzip.NewReader(base64.NewDecoder(base64.StdEncoding, src))
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = zr.Close() }()
	if _, err := io.Copy(dst, zr); err != nil {
		return fmt.Errorf("gunzip copy: %w", err)
	}
	return nil
}

func (c *Compressor) streamFile(src, dst string, transform func(io.Writer, io.Reader) error) (err error) {
	in, err := c.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if dir := filepath.Dir(dst); dir != "" {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	out, err := c.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err := transform(out, in); err != nil {
		_ = out.Close()
		return multierr.Append(fmt.Errorf("transform %s: %w", src, err), c.removeQuietly(dst))
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

func (c *Compressor) removeQuietly(path string) error {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
