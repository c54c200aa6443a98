package types

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for type validation
var (
	// Search result errors
	ErrInvalidChunkID        = errors.New("invalid chunk ID")
	ErrInvalidRank           = errors.New("rank must be >= 1")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
	ErrMissingFileInfo       = errors.New("file info is required")
	ErrEmptyContent          = errors.New("content cannot be empty")

	// ErrCatalogCorruption matches every *CatalogCorruptionError
	ErrCatalogCorruption = errors.New("catalog corruption")
)

// TransientComputeError is a network or 5xx-class failure that may succeed
// when retried
type TransientComputeError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientComputeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient %s failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientComputeError) Unwrap() error { return e.Err }

// PermanentItemError means one item cannot be processed as it is
type PermanentItemError struct {
	Path   string
	Digest Digest
	Err    error
}

func (e *PermanentItemError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("permanent item failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent failure for %s: %v", e.Path, e.Err)
}

func (e *PermanentItemError) Unwrap() error { return e.Err }

// CatalogCorruptionError reports missing or malformed persisted state
type CatalogCorruptionError struct {
	Scope   Scope
	Backend string
	Err     error
}

func (e *CatalogCorruptionError) Error() string {
	return fmt.Sprintf("catalog corruption for %s/%s: %v", e.Scope.Key(), e.Backend, e.Err)
}

func (e *CatalogCorruptionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCatalogCorruption) match
func (e *CatalogCorruptionError) Is(target error) bool {
	return target == ErrCatalogCorruption
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var te *TransientComputeError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a per-item permanent failure
func IsPermanent(err error) bool {
	var pe *PermanentItemError
	return errors.As(err, &pe)
}

// IsCancellation reports a clean early exit rather than a failure
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
