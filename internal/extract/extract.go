// Package extract turns HTML character streams into readable text blocks while
// holding only a bounded window of the document in memory.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

// Defaults for the chunked reader.
const (
	DefaultChunkSize           = 4096
	DefaultProcessingThreshold = 8192
)

// BlockSelector lists the elements whose text is emitted.
const BlockSelector = "p, h1, h2, h3, h4, h5, h6, li"

var blockTag = regexp.MustCompile(`(?i)<(/?)(p|h[1-6]|li)\b[^>]*>`)

// Extractor yields text blocks from HTML read in fixed-size chunks.
type Extractor struct {
	chunkSize int
	threshold int
	client    *http.Client
	logger    *zap.Logger
	observer  func(bufferBytes int)
	peak      atomic.Int64
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithChunkSize sets the read size in bytes.
func WithChunkSize(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithProcessingThreshold sets the buffer size that triggers a parse.
func WithProcessingThreshold(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.threshold = n
		}
	}
}

// WithHTTPClient sets the client used by FromURL.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Extractor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithBufferObserver registers a callback invoked with the buffer size after every flush.
func WithBufferObserver(fn func(bufferBytes int)) Option {
	return func(e *Extractor) {
		e.observer = fn
	}
}

// New builds an Extractor with the default chunk size and threshold.
func New(logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		chunkSize: DefaultChunkSize,
		threshold: DefaultProcessingThreshold,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.Named("extract"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PeakBuffer returns the largest buffer, in bytes, held by any extraction so far.
func (e *Extractor) PeakBuffer() int {
	return int(e.peak.Load())
}

// FromString extracts blocks from an in-memory document.
func (e *Extractor) FromString(ctx context.Context, html string) iter.Seq[string] {
	return e.TextBlocks(ctx, strings.NewReader(html))
}

// FromURL fetches url and extracts its blocks. Responses that are not HTML, and any
// transport failure, produce an empty sequence.
func (e *Extractor) FromURL(ctx context.Context, url string) iter.Seq[string] {
	return func(yield func(string) bool) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			e.logger.Warn("build request failed", zap.String("url", url), zap.Error(err))
			return
		}
		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Warn("fetch failed", zap.String("url", url), zap.Error(err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		contentType := resp.Header.Get("Content-Type")
		if resp.StatusCode >= http.StatusBadRequest || !strings.Contains(strings.ToLower(contentType), "html") {
			e.logger.Info("skipping non-html response",
				zap.String("url", url),
				zap.Int("status_code", resp.StatusCode),
				zap.String("content_type", contentType),
			)
			return
		}
		body, err := charset.NewReader(resp.Body, contentType)
		if err != nil {
			e.logger.Warn("charset detection failed", zap.String("url", url), zap.Error(err))
			return
		}
		for block := range e.TextBlocks(ctx, body) {
			if !yield(block) {
				return
			}
		}
	}
}

// TextBlocks reads r chunk by chunk and yields the trimmed text of every block element.
// The sequence stops early, without error, when ctx is cancelled or the reader fails.
func (e *Extractor) TextBlocks(ctx context.Context, r io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		chunk := make([]byte, e.chunkSize)
		buf := make([]byte, 0, e.threshold+e.chunkSize+utf8.UTFMax)
		var pending []byte
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := r.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
				cut := runeBoundary(pending)
				buf = append(buf, pending[:cut]...)
				pending = append(pending[:0], pending[cut:]...)
				e.track(len(buf))
				if len(buf) > e.threshold {
					emit, keep := e.split(buf)
					if !e.emit(emit, yield) {
						return
					}
					buf = buf[:copy(buf, keep)]
					e.notify(len(buf))
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				e.logger.Warn("read failed", zap.Error(err))
				return
			}
		}
		buf = append(buf, pending...)
		e.track(len(buf))
		if len(buf) > 0 {
			e.emit(buf, yield)
		}
		e.notify(0)
	}
}

// split holds back the text after the last closing block tag that leaves no block
// open, so a block crossing the flush point, nested ones included, is parsed whole
// next time. The tail is kept while it is at most one threshold long or the whole
// buffer is within twice the threshold; past that the buffer is emitted as is.
func (e *Extractor) split(buf []byte) (emit, keep []byte) {
	end := lastBalancedClose(buf)
	if len(buf)-end <= e.threshold || len(buf) <= 2*e.threshold {
		return buf[:end], buf[end:]
	}
	return buf, nil
}

// lastBalancedClose returns the offset just past the last closing block tag at which
// every block opened in buf is closed again, or 0. A <p> opened directly inside an
// open <p> closes it, as HTML parsers do; stray closing tags are ignored.
func lastBalancedClose(buf []byte) int {
	var open []string
	end := 0
	for _, m := range blockTag.FindAllSubmatchIndex(buf, -1) {
		name := strings.ToLower(string(buf[m[4]:m[5]]))
		if m[3] == m[2] {
			if name == "p" && len(open) > 0 && open[len(open)-1] == "p" {
				open = open[:len(open)-1]
			}
			open = append(open, name)
			continue
		}
		// The innermost match closes, along with everything opened inside it.
		i := len(open) - 1
		for i >= 0 && open[i] != name {
			i--
		}
		if i < 0 {
			continue
		}
		open = open[:i]
		if len(open) == 0 {
			end = m[1]
		}
	}
	return end
}

func (e *Extractor) emit(fragment []byte, yield func(string) bool) bool {
	if len(fragment) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fragment))
	if err != nil {
		e.logger.Warn("parse fragment failed", zap.Error(fmt.Errorf("goquery: %w", err)))
		return true
	}
	keepGoing := true
	doc.Find(BlockSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return true
		}
		keepGoing = yield(text)
		return keepGoing
	})
	return keepGoing
}

func (e *Extractor) track(size int) {
	for {
		current := e.peak.Load()
		if int64(size) <= current || e.peak.CompareAndSwap(current, int64(size)) {
			return
		}
	}
}

func (e *Extractor) notify(size int) {
	if e.observer != nil {
		e.observer(size)
	}
}

// runeBoundary returns the length of the longest prefix of p that does not end inside
// a multi-byte UTF-8 sequence.
func runeBoundary(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}
