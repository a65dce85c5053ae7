package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/app"
	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/crawler"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Telemetry: config.TelemetryConfig{ServiceName: "regwatch-test"},
		Storage:   config.StorageConfig{Provider: config.ProviderMemory},
		Writer:    config.WriterConfig{OutputDir: "/out", MaxRetries: 3, RetryDelayMs: 1},
		Extractor: config.ExtractorConfig{ChunkSize: 4096, ProcessingThreshold: 8192},
		Crawler: config.CrawlerConfig{
			ScraperID:      "rules",
			MaxDepth:       1,
			Concurrency:    1,
			TimeoutSeconds: 5,
		},
	}
}

// useApp makes every command in the test run against a.
func useApp(t *testing.T, a *app.App) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (*app.App, error) { return a, nil }
	t.Cleanup(func() { newApp = prev })
}

func newTestApp(t *testing.T, fs afero.Fs) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.WithFs(fs))
	require.NoError(t, err)
	return a
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExtractFromFile(t *testing.T) {
	useApp(t, newTestApp(t, afero.NewMemMapFs()))

	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(`<h2>Scope</h2><p>Applies to banks.</p><div>nav</div>`), 0o600))

	out, err := run(t, "extract", "--file", path)
	require.NoError(t, err)
	assert.Equal(t, "Scope\nApplies to banks.\n", out)
}

func TestExtractRequiresOneSource(t *testing.T) {
	useApp(t, newTestApp(t, afero.NewMemMapFs()))

	_, err := run(t, "extract")
	require.Error(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	useApp(t, newTestApp(t, fs))

	original := strings.Repeat("Section 1.1 applies. ", 400)
	require.NoError(t, afero.WriteFile(fs, "/in.txt", []byte(original), 0o600))

	out, err := run(t, "compress", "/in.txt", "/in.gz")
	require.NoError(t, err)
	assert.Contains(t, out, "compressed /in.txt")

	_, err = run(t, "compress", "--decompress", "/in.gz", "/restored.txt")
	require.NoError(t, err)
	restored, err := afero.ReadFile(fs, "/restored.txt")
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))
}

func TestHistoryByURL(t *testing.T) {
	a := newTestApp(t, afero.NewMemMapFs())
	useApp(t, a)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, hash := range []string{"h0", "h1"} {
		require.NoError(t, a.Store().SaveVersion(context.Background(), crawler.ContentVersion{
			URL:         "http://x/1",
			ContentHash: hash,
			CapturedAt:  base.Add(time.Duration(i) * time.Minute),
		}, 0))
	}

	out, err := run(t, "history", "--url", "http://x/1", "--limit", "1")
	require.NoError(t, err)
	var versions []crawler.ContentVersion
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	require.Len(t, versions, 1)
	assert.Equal(t, "h1", versions[0].ContentHash)
}

func TestHistoryRequiresSelector(t *testing.T) {
	useApp(t, newTestApp(t, afero.NewMemMapFs()))

	_, err := run(t, "history")
	require.Error(t, err)
}

func TestCrawlWithoutSeedsFailsBeforeOpeningRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	useApp(t, newTestApp(t, fs))

	_, err := run(t, "crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed")

	exists, err := afero.DirExists(fs, "/out")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCrawlWithSeedOverride(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := newTestApp(t, fs)
	useApp(t, a)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>Final rule.</p></body></html>`))
	}))
	t.Cleanup(site.Close)

	out, err := run(t, "crawl", "--seed", site.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pages, 0 failed")

	state, err := a.Store().GetRunState(context.Background(), "rules")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusCompleted, state.Status)
	assert.Equal(t, 1, state.PagesScraped)
}
