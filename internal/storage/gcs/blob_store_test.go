package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	appstorage "github.com/JakeFAU/regwatch/internal/storage"
)

const testBucket = "test-bucket"

// fakeGCS serves the subset of the JSON and XML APIs the provider uses.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
		name, data, err := readMultipartUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[name] = data
		writeObjectJSON(w, name, len(data))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/"+testBucket+"/o"):
		prefix := r.URL.Query().Get("prefix")
		var names []string
		for name := range f.objects {
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		items := make([]map[string]any, 0, len(names))
		for _, name := range names {
			items = append(items, map[string]any{"name": name, "bucket": testBucket})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/"+testBucket):
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"name":%q}`, testBucket)
	default:
		name := objectName(r.URL.Path)
		data, ok := f.objects[name]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method == http.MethodDelete {
			delete(f.objects, name)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

func objectName(urlPath string) string {
	_, rest, _ := strings.Cut(urlPath, testBucket+"/")
	return strings.TrimPrefix(rest, "o/")
}

func writeObjectJSON(w http.ResponseWriter, name string, size int) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"name":%q,"bucket":%q,"size":"%d"}`, name, testBucket, size)
}

func readMultipartUpload(r *http.Request) (string, []byte, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", nil, fmt.Errorf("parse content type: %w", err)
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := reader.NextPart()
	if err != nil {
		return "", nil, fmt.Errorf("metadata part: %w", err)
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		return "", nil, fmt.Errorf("decode metadata: %w", err)
	}
	dataPart, err := reader.NextPart()
	if err != nil {
		return "", nil, fmt.Errorf("data part: %w", err)
	}
	data, err := io.ReadAll(dataPart)
	if err != nil {
		return "", nil, fmt.Errorf("read data: %w", err)
	}
	return meta.Name, data, nil
}

type staticFactory struct {
	client *storage.Client
	err    error
}

func (f staticFactory) NewClient(context.Context) (*storage.Client, error) {
	return f.client, f.err
}

func newFakeClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return client
}

func TestProviderRoundTrip(t *testing.T) {
	fake := &fakeGCS{objects: map[string][]byte{}}
	p, err := Open(context.Background(), staticFactory{client: newFakeClient(t, fake)}, Config{Bucket: testBucket, Prefix: "regwatch/"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Read(ctx, "state/missing.json")
	require.ErrorIs(t, err, appstorage.ErrNotExist)

	require.NoError(t, p.Write(ctx, "versions/abc_1.json", []byte(`{"v":1}`)))
	require.NoError(t, p.Write(ctx, "versions/abc_2.json", []byte(`{"v":2}`)))
	require.NoError(t, p.Write(ctx, "versions/abd_1.json", []byte(`{"v":3}`)))

	fake.mu.Lock()
	_, stored := fake.objects["regwatch/versions/abc_1.json"]
	fake.mu.Unlock()
	assert.True(t, stored, "keys are stored under the configured prefix")

	keys, err := p.List(ctx, "versions/abc_")
	require.NoError(t, err)
	assert.Equal(t, []string{"versions/abc_1.json", "versions/abc_2.json"}, keys)

	data, err := p.Read(ctx, "versions/abc_2.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	exists, err := p.Exists(ctx, "versions/abc_2.json")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = p.Exists(ctx, "versions/abc_9.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.Delete(ctx, "versions/abc_1.json"))
	require.NoError(t, p.Delete(ctx, "versions/abc_1.json"))
	keys, err = p.List(ctx, "versions/abc_")
	require.NoError(t, err)
	assert.Equal(t, []string{"versions/abc_2.json"}, keys)
}

func TestWriteServerError(t *testing.T) {
	client := newFakeClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	p, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, p.Write(ctx, "state/a.json", []byte("{}")))
	require.Error(t, p.Write(ctx, " ", []byte("{}")))
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), staticFactory{err: errors.New("no credentials")}, Config{Bucket: testBucket}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS client")

	client := newFakeClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	_, err = Open(context.Background(), staticFactory{client: client}, Config{Bucket: testBucket}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get GCS bucket")

	_, err = New(nil, Config{Bucket: testBucket})
	require.Error(t, err)
	_, err = New(client, Config{})
	require.Error(t, err)
}
