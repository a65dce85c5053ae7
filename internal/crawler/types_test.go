package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLSetJSONIsSortedAndDeduplicated(t *testing.T) {
	t.Parallel()
	set := URLSet{}
	assert.True(t, set.Add("http://x/2"))
	assert.True(t, set.Add("http://x/1"))
	assert.False(t, set.Add("http://x/1"))

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `["http://x/1","http://x/2"]`, string(data))

	var decoded URLSet
	require.NoError(t, json.Unmarshal([]byte(`["a","b","a"]`), &decoded))
	assert.Len(t, decoded, 2)
	assert.True(t, decoded.Has("a"))
}

func TestRunStateRecount(t *testing.T) {
	t.Parallel()
	state := NewRunState("jobA")
	assert.Equal(t, RunStatusNew, state.Status)
	state.ProcessedURLs.Add("http://x/1")
	state.ProcessedURLs.Add("http://x/2")
	state.PagesScraped = 99
	state.Recount()
	assert.Equal(t, 2, state.PagesScraped)

	var empty RunState
	empty.Recount()
	assert.NotNil(t, empty.ProcessedURLs)
	assert.Zero(t, empty.PagesScraped)
}
