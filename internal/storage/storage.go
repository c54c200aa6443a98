package storage

import (
	"context"
	"time"

	"github.com/dshills/tagindex/pkg/types"
)

// PayloadKind names a family of backend payload tables keyed by digest
type PayloadKind string

const (
	PayloadVectors PayloadKind = "vectors"
	PayloadText    PayloadKind = "text"
	PayloadSymbols PayloadKind = "symbols"
)

// Storage persists the Tag Catalog, the Global Artifact Store and the payload
// tables of the SQLite-resident backends. One instance is constructed by the
// caller and injected wherever it is needed.
type Storage interface {
	// Scope operations
	UpsertScope(ctx context.Context, scope types.Scope) error
	ListScopes(ctx context.Context) ([]types.Scope, error)
	RecordRefresh(ctx context.Context, scope types.Scope, status types.Status, at time.Time) error
	GetScopeStatus(ctx context.Context, scope types.Scope) (*ScopeStatus, error)
	DeleteScope(ctx context.Context, scope types.Scope) error

	// Tag Catalog operations
	LoadCatalog(ctx context.Context, scope types.Scope, backend string) (map[string]CatalogEntry, error)
	LookupPath(ctx context.Context, scope types.Scope, backend, path string) (*CatalogEntry, error)
	PathsForDigest(ctx context.Context, scope types.Scope, backend string, digest types.Digest) ([]string, error)
	IndexedPaths(ctx context.Context, scopes []types.Scope) ([]string, error)
	ResetScope(ctx context.Context, scope types.Scope, backend string) ([]types.Digest, error)

	// Global Artifact Store operations
	RefCounts(ctx context.Context, backend string, digests []types.Digest) (map[types.Digest]int, error)
	ForeignRefCounts(ctx context.Context, scope types.Scope, backend string, digests []types.Digest) (map[types.Digest]int, error)
	GetArtifact(ctx context.Context, digest types.Digest, backend string) (*Artifact, error)
	ListArtifacts(ctx context.Context, backend string) ([]*Artifact, error)

	// Completion Tracker
	MarkComplete(ctx context.Context, req MarkRequest) (*MarkResult, error)

	// Payload operations
	HasPayload(ctx context.Context, kind PayloadKind, digests []types.Digest) (map[types.Digest]bool, error)
	DeletePayload(ctx context.Context, kind PayloadKind, backend string, digests []types.Digest) (int, error)
	SweepOrphans(ctx context.Context, kind PayloadKind, backend string) (int, error)

	SaveVectorPayload(ctx context.Context, payload *VectorPayload) error
	SaveTextPayload(ctx context.Context, digest types.Digest, chunks []*types.Chunk) error
	SaveSymbolPayload(ctx context.Context, digest types.Digest, result *types.ParseResult) error

	GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error)
	GetTextChunk(ctx context.Context, chunkID int64) (*types.Chunk, error)
	ListImports(ctx context.Context, digest types.Digest) ([]types.Import, error)
	ListSymbols(ctx context.Context, digest types.Digest) ([]types.Symbol, error)
	PackageName(ctx context.Context, digest types.Digest) (string, error)

	// Search operations
	SearchVector(ctx context.Context, q VectorQuery) ([]VectorResult, error)
	SearchText(ctx context.Context, q TextQuery) ([]TextResult, error)
	SearchSymbols(ctx context.Context, scope types.Scope, backend, name string, limit int) ([]SymbolHit, error)

	// Database operations
	Close() error
}

// CatalogEntry is one IndexEntry: the digest recorded for (scope, backend, path)
type CatalogEntry struct {
	Path       string
	Digest     types.Digest
	LastSeenAt time.Time
}

// Artifact is the per-backend record of a digest in the Global Artifact Store
type Artifact struct {
	Digest     types.Digest
	Backend    string
	PayloadRef string
	RefCount   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MarkRequest records that a backend durably finished items of one bucket
type MarkRequest struct {
	Scope      types.Scope
	Backend    string
	Kind       types.BucketKind
	Items      []types.PathAndDigest
	PayloadRef string
}

// MarkResult reports refcount transitions caused by a MarkComplete call
type MarkResult struct {
	// Created lists digests whose artifact row was created
	Created []types.Digest
	// Dropped lists digests whose refcount reached zero and whose artifact
	// row was removed; their payloads may be discarded
	Dropped []types.Digest
}

// ScopeStatus summarizes what is indexed for a scope
type ScopeStatus struct {
	Scope           types.Scope
	LastStatus      types.Status
	LastRefreshedAt time.Time
	Backends        map[string]BackendStatus
}

// BackendStatus counts one backend's rows for a scope
type BackendStatus struct {
	Entries   int
	Artifacts int
}

// VectorPayload is the embedding backend's output for one digest
type VectorPayload struct {
	Digest   types.Digest
	Chunks   []*types.Chunk
	Vectors  [][]float32
	Provider string
	Model    string
}

// SearchFilters narrows search results
type SearchFilters struct {
	ChunkTypes   []string
	FilePattern  string // GLOB against the scope-relative path
	MinRelevance float64
}

// VectorQuery is a scope-restricted similarity search
type VectorQuery struct {
	Scope   types.Scope
	Backend string
	Vector  []float32
	Limit   int
	Filters *SearchFilters
}

// TextQuery is a scope-restricted BM25 search
type TextQuery struct {
	Scope   types.Scope
	Backend string
	Query   string
	Limit   int
	Filters *SearchFilters
}

// VectorResult represents a vector similarity search result
type VectorResult struct {
	ChunkID         int64
	Path            string
	SimilarityScore float64
}

// TextResult represents a full-text search result
type TextResult struct {
	ChunkID   int64
	Path      string
	BM25Score float64
}

// SymbolHit is a symbol found in a file of a scope
type SymbolHit struct {
	Symbol types.Symbol
	Path   string
}
