package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusLoading.Terminal())
	assert.False(t, StatusIndexing.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestBackendSummary_Record(t *testing.T) {
	var b BackendSummary
	b.Record(Progress{Status: StatusLoading})
	b.Record(Progress{Status: StatusIndexing, Bucket: BucketCompute, Marked: 3})
	b.Record(Progress{Status: StatusIndexing, Bucket: BucketAddTag, Marked: 2})
	b.Record(Progress{Status: StatusIndexing, Bucket: BucketRemoveTag, Marked: 1,
		Warnings: []Warning{{Path: "bad.go", Message: "parse error"}}})
	b.Record(Progress{Status: StatusIndexing, Bucket: BucketDelete, Marked: 4})

	assert.Empty(t, b.Status)

	failure := errors.New("backend failed")
	b.Record(Progress{Status: StatusFailed, Err: failure})

	assert.Equal(t, 3, b.Computed)
	assert.Equal(t, 2, b.Added)
	assert.Equal(t, 1, b.Removed)
	assert.Equal(t, 4, b.Deleted)
	assert.Len(t, b.Warnings, 1)
	assert.Equal(t, StatusFailed, b.Status)
	assert.ErrorIs(t, b.Err, failure)
}

func TestSummary_FailedPaths(t *testing.T) {
	s := &Summary{Backends: []BackendSummary{
		{Backend: "fulltext", Warnings: []Warning{{Path: "z.go"}, {Path: "a.go"}}},
		{Backend: "symbols", Warnings: []Warning{{Path: "a.go"}}},
		{Backend: "embeddings"},
	}}

	assert.Equal(t, []string{"a.go", "z.go"}, s.FailedPaths())
	assert.Empty(t, (&Summary{}).FailedPaths())
}

func TestSummary_Backend(t *testing.T) {
	s := &Summary{Backends: []BackendSummary{{Backend: "fulltext"}, {Backend: "symbols"}}}

	got := s.Backend("symbols")
	require.NotNil(t, got)
	got.Computed = 7
	assert.Equal(t, 7, s.Backends[1].Computed)
	assert.Nil(t, s.Backend("missing"))
}
