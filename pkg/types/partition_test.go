package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func item(path, content string) PathAndDigest {
	return PathAndDigest{Path: path, Digest: ComputeDigest([]byte(content))}
}

func TestBucketKind(t *testing.T) {
	for _, k := range BucketOrder {
		assert.NoError(t, k.Validate())
	}
	assert.Error(t, BucketKind("rename").Validate())

	assert.True(t, BucketCompute.Adds())
	assert.True(t, BucketAddTag.Adds())
	assert.False(t, BucketRemoveTag.Adds())
	assert.False(t, BucketDelete.Adds())
}

func TestPartition_Buckets(t *testing.T) {
	p := &Partition{
		Compute:   []PathAndDigest{item("a.go", "a")},
		AddTag:    []PathAndDigest{item("b.go", "a"), item("c.go", "a")},
		RemoveTag: []PathAndDigest{item("d.go", "d")},
	}

	assert.Len(t, p.Bucket(BucketCompute), 1)
	assert.Len(t, p.Bucket(BucketAddTag), 2)
	assert.Len(t, p.Bucket(BucketRemoveTag), 1)
	assert.Empty(t, p.Bucket(BucketDelete))
	assert.Nil(t, p.Bucket("unknown"))
	assert.Equal(t, 4, p.Total())
	assert.False(t, p.Empty())
	assert.True(t, (&Partition{Unchanged: 3}).Empty())
}

func TestPartition_Sort(t *testing.T) {
	x, y := item("same.go", "x"), item("same.go", "y")
	if x.Digest.Compare(y.Digest) > 0 {
		x, y = y, x
	}
	p := &Partition{
		Compute: []PathAndDigest{item("c.go", "c"), item("a.go", "a"), item("b.go", "b")},
		Delete:  []PathAndDigest{y, x},
	}
	p.Sort()

	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, Paths(p.Compute))
	assert.Equal(t, []PathAndDigest{x, y}, p.Delete)
}

func TestPaths_Empty(t *testing.T) {
	assert.Empty(t, Paths(nil))
}
