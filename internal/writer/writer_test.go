package writer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/compress"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/id"
	"github.com/JakeFAU/regwatch/internal/publisher/memory"
	"github.com/JakeFAU/regwatch/internal/sinks"
	storagememory "github.com/JakeFAU/regwatch/internal/storage/memory"
	"github.com/JakeFAU/regwatch/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// lockingFs fails OpenFile for names matched by fail.
type lockingFs struct {
	afero.Fs
	mu    sync.Mutex
	fail  func(name string, open int) error
	opens map[string]int
}

func newLockingFs(fail func(name string, open int) error) *lockingFs {
	return &lockingFs{Fs: afero.NewMemMapFs(), fail: fail, opens: make(map[string]int)}
}

func (l *lockingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	l.mu.Lock()
	l.opens[name]++
	open := l.opens[name]
	l.mu.Unlock()
	if l.fail != nil {
		if err := l.fail(name, open); err != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: err}
		}
	}
	return l.Fs.OpenFile(name, flag, perm)
}

func (l *lockingFs) openCount(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens[name]
}

type countingStore struct {
	*store.Store
	finishes atomic.Int32
}

func (c *countingStore) FinishRun(ctx context.Context, scraperID string, runErr error) error {
	c.finishes.Add(1)
	return c.Store.FinishRun(ctx, scraperID, runErr)
}

type recordingRepo struct {
	mu       sync.Mutex
	statuses []sinks.StatusUpdate
	pages    []sinks.Page
	logs     []sinks.LogEntry
	metrics  []sinks.Metric
}

func (r *recordingRepo) UpdateStatus(_ context.Context, u sinks.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, u)
	return nil
}

func (r *recordingRepo) AddPage(_ context.Context, p sinks.Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, p)
	return errors.New("sink offline")
}

func (r *recordingRepo) AddLogEntry(_ context.Context, e sinks.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, e)
	return nil
}

func (r *recordingRepo) AddMetric(_ context.Context, m sinks.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
	return nil
}

type harness struct {
	writer *Writer
	fs     *lockingFs
	store  *countingStore
	pub    *memory.Publisher
	repo   *recordingRepo
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config, fail func(string, int) error) *harness {
	t.Helper()
	h := &harness{
		fs:   newLockingFs(fail),
		pub:  memory.New(),
		repo: &recordingRepo{},
	}
	h.store = &countingStore{Store: store.New(storagememory.NewProvider(), compress.New(nil), nil, store.WithClock(clock.NewStepped(epoch, 0)))}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "/out"
	}
	if cfg.ScraperID == "" {
		cfg.ScraperID = "jobA"
	}
	if cfg.Topic == "" {
		cfg.Topic = "content-changed"
	}
	w, err := New(context.Background(), cfg, h.store, nil,
		WithFs(h.fs),
		WithClock(clock.NewStepped(epoch, 0)),
		WithIDGenerator(id.NewSequence("run")),
		WithRepository(h.repo),
		WithPublisher(h.pub),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	require.NoError(t, err)
	h.writer = w
	return h
}

func lockedErrno() error { return lockErrnos[0] }

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestPeakMemorySampledOncePerPage(t *testing.T) {
	readings := []uint64{100, 900, 300, 200}
	var calls int
	w, err := New(context.Background(), Config{OutputDir: "/out", ScraperID: "jobA"}, nil, nil,
		WithFs(afero.NewMemMapFs()),
		WithClock(clock.NewStepped(epoch, 0)),
		WithIDGenerator(id.NewSequence("run")),
		WithMemorySampler(func() uint64 {
			v := readings[calls%len(readings)]
			calls++
			return v
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	ctx := context.Background()
	require.NoError(t, w.SaveContent(ctx, "http://x/1", "<p>one</p>", "one"))
	require.NoError(t, w.SaveContent(ctx, "http://x/2", "<p>two</p>", "two"))
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(900), w.History().Metrics.PeakMemoryBytes)
}

func TestLiveHeapBytesReportsHeap(t *testing.T) {
	assert.Positive(t, liveHeapBytes())
}

func TestSaveContentWritesFilesAndHistory(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.writer.SaveContent(ctx, "http://x/1", "<p>one</p>", "one"))

	assert.Equal(t, "<p>one</p>", readFile(t, h.fs, "/out/x_1.html"))
	assert.Equal(t, "one", readFile(t, h.fs, "/out/x_1.txt"))

	history := h.writer.History()
	require.Len(t, history.Processed, 1)
	info := history.Processed[0]
	assert.True(t, info.Success)
	assert.Equal(t, "/out/x_1.html", info.FilePath)
	assert.Equal(t, int64(len("<p>one</p>")+len("one")), info.ByteSize)
	assert.Equal(t, 1, history.Metrics.Succeeded)
	assert.Positive(t, history.Metrics.PeakMemoryBytes)

	latest, err := h.store.GetLatestVersion(ctx, "http://x/1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "one", latest.TextContent)
	assert.Equal(t, "run-1", latest.Metadata["runId"])

	// A sink failure never fails the page.
	assert.Len(t, h.repo.pages, 1)
}

func TestSaveContentPublishesOnlyOnChange(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.writer.SaveContent(ctx, "http://x/1", "<p>a</p>", "a"))
	require.NoError(t, h.writer.SaveContent(ctx, "http://x/1", "<p>a</p>", "a"))
	require.NoError(t, h.writer.SaveContent(ctx, "http://x/1", "<p>b</p>", "b"))

	events := h.pub.Topic("content-changed")
	require.Len(t, events, 2)
	first := events[0].(ChangeEvent)
	second := events[1].(ChangeEvent)
	assert.Empty(t, first.PreviousHash)
	assert.Equal(t, first.ContentHash, second.PreviousHash)
	assert.NotEqual(t, first.ContentHash, second.ContentHash)
}

func TestRetriesLockedFileThenSucceeds(t *testing.T) {
	h := newHarness(t, Config{}, func(name string, open int) error {
		if name == "/out/x_1.html" && open <= 2 {
			return lockedErrno()
		}
		return nil
	})

	path, err := h.writer.TrySaveFileWithRetry(context.Background(), "/out/x_1.html", "body", 3)
	require.NoError(t, err)
	assert.Equal(t, "/out/x_1.html", path)
	assert.Equal(t, 3, h.fs.openCount("/out/x_1.html"))
	assert.Equal(t, []time.Duration{DefaultRetryDelay, DefaultRetryDelay}, h.sleeps)
}

func TestPersistentLockFallsBackInSameDirectory(t *testing.T) {
	h := newHarness(t, Config{}, func(name string, _ int) error {
		if name == "/out/x_1.html" {
			return lockedErrno()
		}
		return nil
	})

	path, err := h.writer.TrySaveFileWithRetry(context.Background(), "/out/x_1.html", "body", 3)
	require.NoError(t, err)
	assert.Equal(t, "/out/x_1_20260301120000000.html", path)
	assert.Equal(t, "body", readFile(t, h.fs, path))
	assert.Equal(t, 3, h.fs.openCount("/out/x_1.html"))
	assert.Len(t, h.sleeps, 2)

	require.Len(t, h.repo.logs, 1)
	assert.Equal(t, "warn", h.repo.logs[0].Level)
}

func TestNonLockErrorSkipsRetry(t *testing.T) {
	h := newHarness(t, Config{}, func(name string, _ int) error {
		if name == "/out/x_1.html" {
			return os.ErrPermission
		}
		return nil
	})

	path, err := h.writer.TrySaveFileWithRetry(context.Background(), "/out/x_1.html", "body", 3)
	require.NoError(t, err)
	assert.Equal(t, "/out/x_1_20260301120000000.html", path)
	assert.Equal(t, 1, h.fs.openCount("/out/x_1.html"))
	assert.Empty(t, h.sleeps)
}

func TestFallbackToDefaultDirectory(t *testing.T) {
	h := newHarness(t, Config{DefaultDir: "/fallback"}, func(name string, _ int) error {
		if strings.HasPrefix(name, "/out/") {
			return lockedErrno()
		}
		return nil
	})

	path, err := h.writer.TrySaveFileWithRetry(context.Background(), "/out/x_1.html", "body", 2)
	require.NoError(t, err)
	assert.Equal(t, "/fallback/x_1_20260301120000000.html", path)
	assert.Equal(t, "body", readFile(t, h.fs, path))
}

func TestDoubleFailureIsIsolatedPerPage(t *testing.T) {
	h := newHarness(t, Config{DefaultDir: "/fallback"}, func(name string, _ int) error {
		if strings.Contains(name, "bad") {
			return os.ErrPermission
		}
		return nil
	})
	ctx := context.Background()

	err := h.writer.SaveContent(ctx, "http://x/bad", "<p>x</p>", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	require.NoError(t, h.writer.SaveContent(ctx, "http://x/good", "<p>y</p>", "y"))

	history := h.writer.History()
	require.Len(t, history.Processed, 2)
	assert.False(t, history.Processed[0].Success)
	assert.NotEmpty(t, history.Processed[0].Error)
	assert.True(t, history.Processed[1].Success)
	assert.Equal(t, 1, history.Metrics.Failed)
	assert.Equal(t, 1, history.Metrics.Succeeded)

	latest, err := h.store.GetLatestVersion(ctx, "http://x/bad")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestCompleteRunsOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.writer.SaveContent(ctx, "http://x/1", "<p>a</p>", "a"))

	require.NoError(t, h.writer.Complete(ctx, nil))
	require.NoError(t, h.writer.Complete(ctx, errors.New("late")))

	assert.Equal(t, int32(1), h.store.finishes.Load())

	history, err := ReadHistory(h.fs, "/out", "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.HistoryCompleted, history.Status)
	require.NotNil(t, history.FinishedAt)
	assert.Equal(t, 1, history.Metrics.TotalProcessed)
	assert.Len(t, history.Processed, 1)

	state, err := h.store.GetRunState(ctx, "jobA")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCompleted, state.Status)

	require.Len(t, h.repo.statuses, 2)
	assert.Equal(t, "running", h.repo.statuses[0].Status)
	assert.Equal(t, "completed", h.repo.statuses[1].Status)
	assert.Len(t, h.repo.metrics, 5)
}

func TestCompleteWithErrorMarksFailed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.writer.Complete(ctx, errors.New("crawl aborted")))

	history, err := ReadHistory(h.fs, "/out", "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.HistoryFailed, history.Status)
	assert.Equal(t, "crawl aborted", history.Message)

	state, err := h.store.GetRunState(ctx, "jobA")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusError, state.Status)
}

func TestReadHistoryMissing(t *testing.T) {
	t.Parallel()
	_, err := ReadHistory(afero.NewMemMapFs(), "/out", "nope")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewRequiresOutputDir(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}

func TestIsLockError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLockError(&os.PathError{Op: "open", Path: "f", Err: lockedErrno()}))
	assert.False(t, IsLockError(os.ErrPermission))
	assert.False(t, IsLockError(nil))

	p := newRetryPolicy(3, time.Millisecond)
	assert.True(t, p.ShouldRetry(lockedErrno(), 1))
	assert.False(t, p.ShouldRetry(lockedErrno(), 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
