package compress

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldCompress(t *testing.T) {
	t.Parallel()
	c := New(nil)
	assert.False(t, c.ShouldCompress(""))
	assert.False(t, c.ShouldCompress(strings.Repeat("a", Threshold)))
	assert.True(t, c.ShouldCompress(strings.Repeat("a", Threshold+1)))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	c := New(nil)
	inputs := []string{
		"x",
		"<p>Section 12(b) amended</p>",
		strings.Repeat("regulation text ", 500),
		"ünïcødé ✓ 規則",
	}
	for _, in := range inputs {
		encoded := c.Compress(in)
		_, ok := gzipPayload(encoded)
		assert.True(t, ok)
		assert.Equal(t, in, c.Decompress(encoded))
	}
	assert.Less(t, len(c.Compress(inputs[2])), len(inputs[2]))
}

func TestDecompressPassesThroughRawContent(t *testing.T) {
	t.Parallel()
	c := New(nil)
	notGzip := base64.StdEncoding.EncodeToString([]byte("just some plain bytes, long enough"))
	inputs := []string{
		"",
		"hello world",
		"<html><body>not compressed</body></html>",
		"H4sI but not base64 !!!",
		notGzip,
		// gzip magic followed by garbage
		base64.StdEncoding.EncodeToString(append([]byte{0x1f, 0x8b, 0x08}, []byte("garbage garbage garbage")...)),
	}
	for _, in := range inputs {
		assert.Equal(t, in, c.Decompress(in))
	}
	assert.Equal(t, "", c.Compress(""))
}

func TestCompressFileRoundTrip(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	c := New(nil, WithFs(fs))
	original := strings.Repeat("<p>repeated paragraph</p>\n", 400)
	require.NoError(t, afero.WriteFile(fs, "/in/page.html", []byte(original), 0o644))

	shrunk, err := c.CompressFile(context.Background(), "/in/page.html", "/out/page.html.gz.b64")
	require.NoError(t, err)
	assert.True(t, shrunk)

	encoded, err := afero.ReadFile(fs, "/out/page.html.gz.b64")
	require.NoError(t, err)
	assert.Equal(t, original, c.Decompress(string(encoded)))

	require.NoError(t, c.DecompressFile(context.Background(), "/out/page.html.gz.b64", "/restored/page.html"))
	restored, err := afero.ReadFile(fs, "/restored/page.html")
	require.NoError(t, err)
	assert.Equal(t, original, string(restored))
}

func TestCompressFileKeepsOriginalWhenNotSmaller(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	c := New(nil, WithFs(fs))
	require.NoError(t, afero.WriteFile(fs, "/tiny.txt", []byte("abc"), 0o644))

	shrunk, err := c.CompressFile(context.Background(), "/tiny.txt", "/tiny.txt.gz")
	require.NoError(t, err)
	assert.False(t, shrunk)

	exists, err := afero.Exists(fs, "/tiny.txt.gz")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(fs, "/tiny.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFileVariantsErrors(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	c := New(nil, WithFs(fs))

	_, err := c.CompressFile(context.Background(), "/missing", "/out")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/raw.txt", []byte("not an encoded stream"), 0o644))
	err = c.DecompressFile(context.Background(), "/raw.txt", "/raw.out")
	require.Error(t, err)
	exists, _ := afero.Exists(fs, "/raw.out")
	assert.False(t, exists)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.CompressFile(ctx, "/raw.txt", "/out")
	require.ErrorIs(t, err, context.Canceled)
}
