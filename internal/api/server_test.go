package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/compress"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/storage/memory"
	"github.com/JakeFAU/regwatch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(memory.NewProvider(), compress.New(nil), nil)
}

func newTestServer(t *testing.T, reader StateReader, history HistoryLoader) *Server {
	t.Helper()
	return NewServer(reader, history, zap.NewNop())
}

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newTestStore(t), nil)
	require.Equal(t, http.StatusOK, serve(t, s, "/healthz").Code)
	require.Equal(t, http.StatusOK, serve(t, s, "/readyz").Code)

	require.Equal(t, http.StatusServiceUnavailable, serve(t, newTestServer(t, nil, nil), "/readyz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newTestStore(t), nil)
	_ = serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetRunState(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.MarkVisited(ctx, "jobA", "http://x/1", 200, 12))

	rec := serve(t, newTestServer(t, st, nil), "/v1/runs/jobA")
	require.Equal(t, http.StatusOK, rec.Code)

	var state crawler.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "jobA", state.ScraperID)
	assert.Equal(t, 1, state.PagesScraped)
	assert.True(t, state.ProcessedURLs.Has("http://x/1"))
}

func TestGetRunStateUnknownIsNew(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, newTestStore(t), nil), "/v1/runs/never-ran")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"New"`)
}

func TestLatestVersion(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	require.NoError(t, st.SaveVersion(context.Background(), crawler.ContentVersion{
		URL:         "http://x/1",
		ContentHash: "abc",
		CapturedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TextContent: "hello",
	}, 0))
	s := newTestServer(t, st, nil)

	rec := serve(t, s, "/v1/versions/latest?url=http://x/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var v crawler.ContentVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "abc", v.ContentHash)
	assert.Equal(t, "hello", v.TextContent)

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/versions/latest?url=http://x/unknown").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/versions/latest").Code)
}

func TestVersionHistory(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, st.SaveVersion(context.Background(), crawler.ContentVersion{
			URL:         "http://x/1",
			ContentHash: fmt.Sprintf("h%d", i),
			CapturedAt:  base.Add(time.Duration(i) * time.Minute),
		}, 0))
	}
	s := newTestServer(t, st, nil)

	rec := serve(t, s, "/v1/versions/history?url=http://x/1&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Versions []crawler.ContentVersion `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Versions, 2)
	assert.Equal(t, "h2", body.Versions[0].ContentHash)
	assert.Equal(t, "h1", body.Versions[1].ContentHash)

	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/v1/versions/history?url=http://x/1&limit=zero").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/versions/history?url=http://x/none").Code)
}

type failingReader struct{}

func (failingReader) GetRunState(_ context.Context, scraperID string) (crawler.RunState, error) {
	state := crawler.NewRunState(scraperID)
	state.Status = crawler.RunStatusError
	return state, errors.New("decode failed")
}

func (failingReader) GetLatestVersion(context.Context, string) (*crawler.ContentVersion, error) {
	return nil, errors.New("provider down")
}

func (failingReader) GetVersionHistory(context.Context, string, int) ([]crawler.ContentVersion, error) {
	return nil, errors.New("provider down")
}

func TestStoreFailuresReturn500(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, failingReader{}, nil)
	rec := serve(t, s, "/v1/runs/jobA")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Error"`)
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/versions/latest?url=http://x").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/versions/history?url=http://x").Code)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()

	loader := func(runID string) (crawler.RunHistory, error) {
		switch runID {
		case "run-1":
			return crawler.RunHistory{RunID: "run-1", ScraperID: "jobA", Status: crawler.HistoryCompleted}, nil
		case "broken":
			return crawler.RunHistory{}, errors.New("decode run history")
		default:
			return crawler.RunHistory{}, fmt.Errorf("run %s: %w", runID, os.ErrNotExist)
		}
	}
	s := newTestServer(t, newTestStore(t), loader)

	rec := serve(t, s, "/v1/runs/jobA/history/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed"`)

	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/runs/jobB/history/run-1").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/v1/runs/jobA/history/missing").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, "/v1/runs/jobA/history/broken").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, newTestServer(t, newTestStore(t), nil), "/v1/runs/jobA/history/run-1").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newTestStore(t), nil)
	rec := serve(t, s, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
