package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	parsed, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.Version())
	assert.Less(t, first, second, "v7 ids sort by creation time")
}

func TestSequenceNewID(t *testing.T) {
	t.Parallel()

	seq := NewSequence("run")
	for _, want := range []string{"run-1", "run-2", "run-3"} {
		got, err := seq.NewID()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
