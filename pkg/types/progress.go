package types

import (
	"sort"
	"time"
)

// Status is the state reported on a progress event
type Status string

const (
	StatusLoading   Status = "loading"
	StatusIndexing  Status = "indexing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further events follow for the backend
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Warning is a per-item problem that did not stop the run
type Warning struct {
	Path    string
	Digest  Digest
	Bucket  BucketKind
	Message string
	// Transient items stay pending and are retried on the next refresh
	Transient bool
}

// Progress is one event on a refresh stream
type Progress struct {
	RunID        string
	Scope        Scope
	Backend      string
	FractionDone float64
	Status       Status
	Description  string

	// Bucket and Marked count the items checkpointed since the previous event
	Bucket BucketKind
	Marked int

	Warnings []Warning
	Err      error
}

// BackendSummary aggregates one backend's outcome for a run
type BackendSummary struct {
	Backend   string
	Status    Status
	Computed  int
	Added     int
	Removed   int
	Deleted   int
	Unchanged int
	Rebuilt   bool
	Warnings  []Warning
	Err       error
}

// Record folds one of the backend's events into the summary
func (b *BackendSummary) Record(ev Progress) {
	switch ev.Bucket {
	case BucketCompute:
		b.Computed += ev.Marked
	case BucketAddTag:
		b.Added += ev.Marked
	case BucketRemoveTag:
		b.Removed += ev.Marked
	case BucketDelete:
		b.Deleted += ev.Marked
	}
	b.Warnings = append(b.Warnings, ev.Warnings...)
	if ev.Status.Terminal() {
		b.Status = ev.Status
		b.Err = ev.Err
	}
}

// Summary is the final result of a refresh
type Summary struct {
	RunID     string
	Scope     Scope
	Status    Status
	Files     int
	Truncated bool
	// SkippedPaths could not be walked or hashed
	SkippedPaths []string
	Backends     []BackendSummary
	StartedAt    time.Time
	Duration     time.Duration
}

// FailedPaths lists every path that produced a warning, sorted and unique
func (s *Summary) FailedPaths() []string {
	seen := make(map[string]struct{})
	for _, b := range s.Backends {
		for _, w := range b.Warnings {
			seen[w.Path] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Backend returns the summary for name, or nil
func (s *Summary) Backend(name string) *BackendSummary {
	for i := range s.Backends {
		if s.Backends[i].Backend == name {
			return &s.Backends[i]
		}
	}
	return nil
}
