package types

import (
	"fmt"
	"sort"
)

// BucketKind names one of the four reconciliation buckets
type BucketKind string

const (
	BucketCompute   BucketKind = "compute"
	BucketAddTag    BucketKind = "add_tag"
	BucketRemoveTag BucketKind = "remove_tag"
	BucketDelete    BucketKind = "delete"
)

// Validate checks the bucket kind is one of the four known buckets
func (k BucketKind) Validate() error {
	switch k {
	case BucketCompute, BucketAddTag, BucketRemoveTag, BucketDelete:
		return nil
	default:
		return fmt.Errorf("invalid bucket kind %q", string(k))
	}
}

// Adds reports whether the bucket creates a scope reference
func (k BucketKind) Adds() bool {
	return k == BucketCompute || k == BucketAddTag
}

// PathAndDigest is one unit of reconciliation work
type PathAndDigest struct {
	// Path is the normalized scope-relative key
	Path string
	// AbsPath is where the bytes can be read
	AbsPath string
	Digest  Digest
}

// Partition is the four-way split of a scope's diff for one backend.
// The buckets are disjoint as (path, digest) pairs.
type Partition struct {
	Compute   []PathAndDigest
	AddTag    []PathAndDigest
	RemoveTag []PathAndDigest
	Delete    []PathAndDigest

	// Unchanged counts current paths that needed no work
	Unchanged int
	// Rebuild is set when the partition replaces a corrupt catalog
	Rebuild bool
}

// Bucket returns the items for kind
func (p *Partition) Bucket(kind BucketKind) []PathAndDigest {
	switch kind {
	case BucketCompute:
		return p.Compute
	case BucketAddTag:
		return p.AddTag
	case BucketRemoveTag:
		return p.RemoveTag
	case BucketDelete:
		return p.Delete
	}
	return nil
}

// Total is the number of items across all buckets
func (p *Partition) Total() int {
	return len(p.Compute) + len(p.AddTag) + len(p.RemoveTag) + len(p.Delete)
}

// Empty reports whether there is no work
func (p *Partition) Empty() bool {
	return p.Total() == 0
}

// Sort orders every bucket by path, then digest
func (p *Partition) Sort() {
	for _, items := range [][]PathAndDigest{p.Compute, p.AddTag, p.RemoveTag, p.Delete} {
		sortItems(items)
	}
}

// Paths lists the paths of items in order
func Paths(items []PathAndDigest) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Path
	}
	return out
}

func sortItems(items []PathAndDigest) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Path != items[j].Path {
			return items[i].Path < items[j].Path
		}
		return items[i].Digest.Compare(items[j].Digest) < 0
	})
}

// BucketOrder is the order backends apply buckets in. Compute runs first so
// AddTag items that share a digest with a Compute item find its payload.
var BucketOrder = []BucketKind{BucketCompute, BucketAddTag, BucketRemoveTag, BucketDelete}
