// Package writer persists extracted pages to disk with lock-aware retries and
// fallback locations, and keeps the per-run history, metrics and change feed.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rtmetrics "runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/id"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/sinks"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

const (
	// DefaultMaxRetries is the number of primary write attempts.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the wait between attempts on a locked file.
	DefaultRetryDelay = 100 * time.Millisecond

	fallbackLayout = "20060102150405"
	historyDir     = "history"

	locationSameDir    = "same_dir"
	locationDefaultDir = "default_dir"
)

// Config controls where and how pages are written.
type Config struct {
	OutputDir   string
	DefaultDir  string
	MaxRetries  int
	RetryDelay  time.Duration
	ScraperID   string
	Topic       string
	MaxVersions int
}

// VersionStore is the slice of the versioned store the writer needs.
type VersionStore interface {
	GetLatestVersion(ctx context.Context, url string) (*crawler.ContentVersion, error)
	SaveVersion(ctx context.Context, version crawler.ContentVersion, maxVersions int) error
	FinishRun(ctx context.Context, scraperID string, runErr error) error
}

// ChangeEvent is published when a URL's content hash changes.
type ChangeEvent struct {
	RunID        string    `json:"runId"`
	ScraperID    string    `json:"scraperId"`
	URL          string    `json:"url"`
	ContentHash  string    `json:"contentHash"`
	PreviousHash string    `json:"previousHash,omitempty"`
	CapturedAt   time.Time `json:"capturedAt"`
	FilePath     string    `json:"filePath"`
}

// Option configures a Writer.
type Option func(*Writer)

// WithFs swaps the filesystem (tests use afero.NewMemMapFs).
func WithFs(fs afero.Fs) Option {
	return func(w *Writer) {
		if fs != nil {
			w.fs = fs
		}
	}
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(w *Writer) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithHasher overrides the content hasher.
func WithHasher(h crawler.Hasher) Option {
	return func(w *Writer) {
		if h != nil {
			w.hasher = h
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(w *Writer) {
		if ids != nil {
			w.ids = ids
		}
	}
}

// WithRepository attaches best-effort reporting sinks.
func WithRepository(repo sinks.Repository) Option {
	return func(w *Writer) {
		if repo != nil {
			w.repo = repo
		}
	}
}

// WithPublisher attaches the change-notification publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(w *Writer) {
		w.publisher = p
	}
}

// WithMemorySampler replaces the live heap reader used for peak memory.
func WithMemorySampler(sample func() uint64) Option {
	return func(w *Writer) {
		if sample != nil {
			w.heapBytes = sample
		}
	}
}

// WithSleep replaces the retry wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Writer) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// Writer implements crawler.ContentSaver.
type Writer struct {
	cfg       Config
	store     VersionStore
	logger    *zap.Logger
	tracer    trace.Tracer
	fs        afero.Fs
	clock     crawler.Clock
	hasher    crawler.Hasher
	ids       crawler.IDGenerator
	repo      sinks.Repository
	publisher crawler.Publisher
	sleep     func(context.Context, time.Duration) error
	retry     retryPolicy
	heapBytes func() uint64

	mu      sync.Mutex
	history crawler.RunHistory

	completeOnce sync.Once
	completeErr  error
}

// New prepares the output directory and opens a run history.
func New(ctx context.Context, cfg Config, store VersionStore, logger *zap.Logger, opts ...Option) (*Writer, error) {
	if cfg.OutputDir == "" {
		return nil, errors.New("writer output dir is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("writer"),
		tracer: telemetry.Tracer("writer"),
		fs:     afero.NewOsFs(),
		clock:  clock.New(),
		hasher: sha256.New(),
		ids:    id.New(),
		repo:   sinks.NoOp{},
		sleep:  sleepContext,

		heapBytes: liveHeapBytes,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.retry = newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)

	if err := w.fs.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", cfg.OutputDir, err)
	}
	runID, err := w.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	w.history = crawler.RunHistory{
		RunID:     runID,
		ScraperID: cfg.ScraperID,
		StartedAt: w.clock.Now(),
		Status:    crawler.HistoryRunning,
		Processed: []crawler.ProcessedURLInfo{},
	}
	w.sampleMemory()

	w.report(ctx, "UpdateStatus", w.repo.UpdateStatus(ctx, sinks.StatusUpdate{
		RunID:     runID,
		ScraperID: cfg.ScraperID,
		Status:    string(crawler.HistoryRunning),
		UpdatedAt: w.history.StartedAt,
	}))
	w.logger.Info("Writer ready",
		zap.String("run_id", runID),
		zap.String("scraper_id", cfg.ScraperID),
		zap.String("output_dir", cfg.OutputDir),
	)
	return w, nil
}

// RunID returns the id of the run this writer records.
func (w *Writer) RunID() string {
	return w.history.RunID
}

// History returns a copy of the run history so far.
func (w *Writer) History() crawler.RunHistory {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.history
	out.Processed = append([]crawler.ProcessedURLInfo(nil), w.history.Processed...)
	return out
}

// SaveContent writes <name>.html and <name>.txt for url and records the outcome.
// A failed page is logged and recorded; it never affects other pages.
func (w *Writer) SaveContent(ctx context.Context, url, htmlContent, textContent string) error {
	ctx, span := w.tracer.Start(ctx, "writer.SaveContent", trace.WithAttributes(attribute.String("url.full", url)))
	defer span.End()

	start := w.clock.Now()

	name := crawler.SafeFileName(url)
	htmlPath, htmlErr := w.TrySaveFileWithRetry(ctx, filepath.Join(w.cfg.OutputDir, name+".html"), htmlContent, w.cfg.MaxRetries)
	_, textErr := w.TrySaveFileWithRetry(ctx, filepath.Join(w.cfg.OutputDir, name+".txt"), textContent, w.cfg.MaxRetries)
	saveErr := multierr.Combine(htmlErr, textErr)

	var written int64
	if htmlErr == nil {
		written += int64(len(htmlContent))
	}
	if textErr == nil {
		written += int64(len(textContent))
	}
	info := crawler.ProcessedURLInfo{
		URL:         url,
		ProcessedAt: start,
		DurationMs:  w.clock.Now().Sub(start).Milliseconds(),
		Success:     saveErr == nil,
		ByteSize:    written,
		FilePath:    htmlPath,
	}
	if saveErr != nil {
		info.Error = saveErr.Error()
	}
	w.record(info)
	metrics.ObservePage(url, info.Success, written)
	w.sampleMemory()

	w.report(ctx, "AddPage", w.repo.AddPage(ctx, sinks.Page{
		RunID:       w.history.RunID,
		ScraperID:   w.cfg.ScraperID,
		URL:         url,
		FilePath:    htmlPath,
		ByteSize:    written,
		Success:     info.Success,
		Error:       info.Error,
		ProcessedAt: start,
	}))

	if saveErr != nil {
		span.RecordError(saveErr)
		span.SetStatus(codes.Error, saveErr.Error())
		w.logger.Error("Failed to save content", zap.String("url", url), zap.Error(saveErr))
		w.report(ctx, "AddLogEntry", w.repo.AddLogEntry(ctx, sinks.LogEntry{
			RunID:     w.history.RunID,
			ScraperID: w.cfg.ScraperID,
			Level:     "error",
			Message:   info.Error,
			URL:       url,
			At:        w.clock.Now(),
		}))
		return fmt.Errorf("save content for %s: %w", url, saveErr)
	}

	w.recordVersion(ctx, url, htmlContent, textContent, htmlPath, start)
	return nil
}

// TrySaveFileWithRetry writes content to path, retrying while the file is locked.
// When every attempt fails it writes <base>_<yyyyMMddHHmmssfff><ext> next to path,
// then in the default directory. It returns the path actually written.
func (w *Writer) TrySaveFileWithRetry(ctx context.Context, path, content string, maxRetries int) (string, error) {
	policy := w.retry
	if maxRetries > 0 {
		policy = newRetryPolicy(maxRetries, w.cfg.RetryDelay)
	}

	var primaryErr error
	for attempt := 1; ; attempt++ {
		err := w.writeFile(path, content)
		if err == nil {
			return path, nil
		}
		primaryErr = multierr.Append(primaryErr, fmt.Errorf("attempt %d: %w", attempt, err))
		if !policy.ShouldRetry(err, attempt) {
			break
		}
		metrics.ObserveWriteRetry()
		w.logger.Debug("File locked, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", policy.Backoff()),
		)
		if err := w.sleep(ctx, policy.Backoff()); err != nil {
			primaryErr = multierr.Append(primaryErr, err)
			break
		}
	}

	errs := primaryErr
	for _, candidate := range w.fallbackPaths(path) {
		if err := w.writeFile(candidate.path, content); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fallback %s: %w", candidate.path, err))
			continue
		}
		metrics.ObserveFallback(candidate.location)
		w.logger.Warn("Saved to fallback location",
			zap.String("path", path),
			zap.String("fallback", candidate.path),
			zap.Error(primaryErr),
		)
		w.report(ctx, "AddLogEntry", w.repo.AddLogEntry(ctx, sinks.LogEntry{
			RunID:     w.history.RunID,
			ScraperID: w.cfg.ScraperID,
			Level:     "warn",
			Message:   fmt.Sprintf("saved %s to fallback %s", path, candidate.path),
			At:        w.clock.Now(),
		}))
		return candidate.path, nil
	}
	return "", fmt.Errorf("write %s: %w", path, errs)
}

type fallbackPath struct {
	path     string
	location string
}

func (w *Writer) fallbackPaths(path string) []fallbackPath {
	now := w.clock.Now()
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	name := fmt.Sprintf("%s_%s%03d%s", base, now.Format(fallbackLayout), now.Nanosecond()/int(time.Millisecond), ext)

	dir := filepath.Dir(path)
	out := []fallbackPath{{path: filepath.Join(dir, name), location: locationSameDir}}
	if w.cfg.DefaultDir != "" && filepath.Clean(w.cfg.DefaultDir) != filepath.Clean(dir) {
		out = append(out, fallbackPath{path: filepath.Join(w.cfg.DefaultDir, name), location: locationDefaultDir})
	}
	return out
}

func (w *Writer) writeFile(path, content string) error {
	if err := w.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := afero.WriteFile(w.fs, path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (w *Writer) recordVersion(ctx context.Context, url, htmlContent, textContent, filePath string, capturedAt time.Time) {
	if w.store == nil {
		return
	}
	hash, err := w.hasher.Hash([]byte(htmlContent))
	if err != nil {
		w.logger.Warn("Failed to hash content", zap.String("url", url), zap.Error(err))
		return
	}
	latest, err := w.store.GetLatestVersion(ctx, url)
	if err != nil {
		w.logger.Warn("Failed to read latest version", zap.String("url", url), zap.Error(err))
	}
	if latest != nil && latest.ContentHash == hash {
		return
	}

	version := crawler.ContentVersion{
		URL:         url,
		ContentHash: hash,
		CapturedAt:  capturedAt,
		RawContent:  htmlContent,
		TextContent: textContent,
		Metadata: map[string]any{
			"runId":    w.history.RunID,
			"filePath": filePath,
		},
	}
	if err := w.store.SaveVersion(ctx, version, w.cfg.MaxVersions); err != nil {
		w.logger.Warn("Failed to save version", zap.String("url", url), zap.Error(err))
		return
	}
	metrics.ObserveContentChange(url)

	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := ChangeEvent{
		RunID:       w.history.RunID,
		ScraperID:   w.cfg.ScraperID,
		URL:         url,
		ContentHash: hash,
		CapturedAt:  capturedAt,
		FilePath:    filePath,
	}
	if latest != nil {
		event.PreviousHash = latest.ContentHash
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("Failed to publish change", zap.String("url", url), zap.Error(err))
	}
}

func (w *Writer) record(info crawler.ProcessedURLInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history.Processed = append(w.history.Processed, info)
	m := &w.history.Metrics
	m.TotalProcessed++
	if info.Success {
		m.Succeeded++
	} else {
		m.Failed++
	}
	m.BytesWritten += info.ByteSize
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// liveHeapBytes reads live heap object bytes without stopping the world.
func liveHeapBytes() uint64 {
	sample := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

func (w *Writer) sampleMemory() {
	heap := w.heapBytes()
	w.mu.Lock()
	defer w.mu.Unlock()
	if heap > w.history.Metrics.PeakMemoryBytes {
		w.history.Metrics.PeakMemoryBytes = heap
	}
}

// report logs a failed best-effort sink call.
func (w *Writer) report(_ context.Context, call string, err error) {
	if err != nil {
		w.logger.Warn("Sink call failed", zap.String("call", call), zap.Error(err))
	}
}

// Complete finalizes the run exactly once: metrics, history artifact, sinks and
// store run state. Later calls return the first call's result.
func (w *Writer) Complete(ctx context.Context, runErr error) error {
	w.completeOnce.Do(func() {
		w.completeErr = w.complete(ctx, runErr)
	})
	return w.completeErr
}

func (w *Writer) complete(ctx context.Context, runErr error) error {
	w.sampleMemory()
	finished := w.clock.Now()

	w.mu.Lock()
	w.history.FinishedAt = &finished
	w.history.Status = crawler.HistoryCompleted
	if runErr != nil {
		w.history.Status = crawler.HistoryFailed
		w.history.Message = runErr.Error()
	}
	snapshot := w.history
	snapshot.Processed = append([]crawler.ProcessedURLInfo(nil), w.history.Processed...)
	w.mu.Unlock()

	metrics.ObserveRun(string(snapshot.Status), snapshot.Metrics.PeakMemoryBytes)

	var errs error
	if err := w.persistHistory(snapshot); err != nil {
		errs = multierr.Append(errs, err)
	}

	for name, value := range map[string]float64{
		"total_processed":   float64(snapshot.Metrics.TotalProcessed),
		"succeeded":         float64(snapshot.Metrics.Succeeded),
		"failed":            float64(snapshot.Metrics.Failed),
		"bytes_written":     float64(snapshot.Metrics.BytesWritten),
		"peak_memory_bytes": float64(snapshot.Metrics.PeakMemoryBytes),
	} {
		w.report(ctx, "AddMetric", w.repo.AddMetric(ctx, sinks.Metric{
			RunID:     snapshot.RunID,
			ScraperID: snapshot.ScraperID,
			Name:      name,
			Value:     value,
			At:        finished,
		}))
	}
	w.report(ctx, "UpdateStatus", w.repo.UpdateStatus(ctx, sinks.StatusUpdate{
		RunID:     snapshot.RunID,
		ScraperID: snapshot.ScraperID,
		Status:    string(snapshot.Status),
		Message:   snapshot.Message,
		UpdatedAt: finished,
	}))

	if w.store != nil && w.cfg.ScraperID != "" {
		if err := w.store.FinishRun(ctx, w.cfg.ScraperID, runErr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("finish run state: %w", err))
		}
	}

	w.logger.Info("Run complete",
		zap.String("run_id", snapshot.RunID),
		zap.String("status", string(snapshot.Status)),
		zap.Int("processed", snapshot.Metrics.TotalProcessed),
		zap.Int("failed", snapshot.Metrics.Failed),
		zap.Uint64("peak_memory_bytes", snapshot.Metrics.PeakMemoryBytes),
	)
	return errs
}

// HistoryPath is where the artifact for runID is written.
func (w *Writer) HistoryPath(runID string) string {
	return filepath.Join(w.cfg.OutputDir, historyDir, runID+".json")
}

func (w *Writer) persistHistory(history crawler.RunHistory) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run history: %w", err)
	}
	path := w.HistoryPath(history.RunID)
	if err := w.writeFile(path, string(data)); err != nil {
		return fmt.Errorf("persist run history: %w", err)
	}
	return nil
}

// ReadHistory loads a persisted run artifact.
func ReadHistory(fs afero.Fs, outputDir, runID string) (crawler.RunHistory, error) {
	var history crawler.RunHistory
	data, err := afero.ReadFile(fs, filepath.Join(outputDir, historyDir, runID+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return history, fmt.Errorf("run %s: %w", runID, os.ErrNotExist)
		}
		return history, fmt.Errorf("read run history: %w", err)
	}
	if err := json.Unmarshal(data, &history); err != nil {
		return history, fmt.Errorf("decode run history: %w", err)
	}
	return history, nil
}
