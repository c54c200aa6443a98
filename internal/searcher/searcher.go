package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dshills/tagindex/internal/backend/embeddings"
	"github.com/dshills/tagindex/internal/backend/fulltext"
	"github.com/dshills/tagindex/internal/backend/symbols"
	"github.com/dshills/tagindex/internal/embedder"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
)

const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheSize   = 1000
	DefaultCacheTTL    = time.Hour
)

// ErrNoEmbedder is returned for vector searches without an embedder
var ErrNoEmbedder = errors.New("vector search requires an embedder")

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query       string
	Scope       types.Scope
	Limit       int
	Mode        SearchMode
	Filters     *storage.SearchFilters
	UseCache    bool    // Whether to use query cache
	RRFConstant float64 // k value for Reciprocal Rank Fusion (default 60)
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult
	TotalResults  int
	SearchMode    SearchMode
	Duration      time.Duration
	CacheHit      bool
	VectorResults int
	TextResults   int
}

// Option configures a Searcher
type Option func(*Searcher)

// WithCache sets the query cache size and entry lifetime
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Searcher) {
		s.cacheSize = size
		s.cacheTTL = ttl
	}
}

// WithBackends names the backends whose catalogs scope vector and text hits
func WithBackends(vector, text string) Option {
	return func(s *Searcher) {
		s.vectorBackend = vector
		s.textBackend = text
	}
}

// Searcher runs scope-restricted searches over the payloads of the
// embeddings and fulltext backends
type Searcher struct {
	storage  storage.Storage
	embedder embedder.Embedder

	vectorBackend string
	textBackend   string
	cacheSize     int
	cacheTTL      time.Duration

	cache *expirable.LRU[[32]byte, *SearchResponse]

	// gens changes a scope's cache keys whenever the scope is refreshed
	gensMu sync.Mutex
	gens   map[string]uint64
}

// NewSearcher creates a new Searcher instance. emb may be nil, in which case
// hybrid searches fall back to keyword search.
func NewSearcher(store storage.Storage, emb embedder.Embedder, opts ...Option) *Searcher {
	s := &Searcher{
		storage:       store,
		embedder:      emb,
		vectorBackend: embeddings.Name,
		textBackend:   fulltext.Name,
		cacheSize:     DefaultCacheSize,
		cacheTTL:      DefaultCacheTTL,
		gens:          make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = expirable.NewLRU[[32]byte, *SearchResponse](s.cacheSize, nil, s.cacheTTL)
	return s
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	var key [32]byte
	if req.UseCache {
		key = s.queryHash(req)
		if cached, ok := s.cache.Get(key); ok {
			resp := copySearchResponse(cached)
			resp.CacheHit = true
			resp.Duration = time.Since(startTime)
			return resp, nil
		}
	}

	var (
		response *SearchResponse
		err      error
	)
	switch req.Mode {
	case SearchModeHybrid:
		response, err = s.hybridSearch(ctx, req)
	case SearchModeVector:
		response, err = s.vectorSearch(ctx, req)
	case SearchModeKeyword:
		response, err = s.keywordSearch(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	response.Duration = time.Since(startTime)
	response.SearchMode = req.Mode

	if req.UseCache && len(response.Results) > 0 {
		s.cache.Add(key, copySearchResponse(response))
	}
	return response, nil
}

// InvalidateScope drops cached responses for scope
func (s *Searcher) InvalidateScope(scope types.Scope) {
	s.gensMu.Lock()
	s.gens[scope.Key()]++
	s.gensMu.Unlock()
}

// CacheLen reports how many responses are cached
func (s *Searcher) CacheLen() int {
	return s.cache.Len()
}

// FindSymbols returns symbols named like name in the files of scope
func (s *Searcher) FindSymbols(ctx context.Context, scope types.Scope, name string, limit int) ([]storage.SymbolHit, error) {
	if name == "" {
		return nil, errors.New("symbol name cannot be empty")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.storage.SearchSymbols(ctx, scope, symbols.Name, name, limit)
}

// hit is one storage result resolved to its chunk
type hit struct {
	path  string
	chunk *types.Chunk
	score float64
}

func (h hit) key() string {
	return fmt.Sprintf("%s:%d-%d", h.path, h.chunk.StartLine, h.chunk.EndLine)
}

func (s *Searcher) vectorHits(ctx context.Context, req SearchRequest, limit int) ([]hit, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	embedding, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	results, err := s.storage.SearchVector(ctx, storage.VectorQuery{
		Scope:   req.Scope,
		Backend: s.vectorBackend,
		Vector:  embedding.Vector,
		Limit:   limit,
		Filters: req.Filters,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		chunk, err := s.storage.GetChunk(ctx, r.ChunkID)
		if err != nil {
			continue // Skip chunks that can't be loaded
		}
		hits = append(hits, hit{path: r.Path, chunk: chunk, score: r.SimilarityScore})
	}
	return hits, nil
}

func (s *Searcher) textHits(ctx context.Context, req SearchRequest, limit int) ([]hit, error) {
	results, err := s.storage.SearchText(ctx, storage.TextQuery{
		Scope:   req.Scope,
		Backend: s.textBackend,
		Query:   req.Query,
		Limit:   limit,
		Filters: req.Filters,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		chunk, err := s.storage.GetTextChunk(ctx, r.ChunkID)
		if err != nil {
			continue
		}
		hits = append(hits, hit{path: r.Path, chunk: chunk, score: r.BM25Score})
	}
	return hits, nil
}

// hybridSearch combines vector and BM25 search using Reciprocal Rank Fusion
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if s.embedder == nil {
		return s.keywordSearch(ctx, req)
	}

	var (
		wg                  sync.WaitGroup
		vectorHits, textHit []hit
		vectorErr, textErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = s.vectorHits(ctx, req, req.Limit*2)
	}()
	go func() {
		defer wg.Done()
		textHit, textErr = s.textHits(ctx, req, req.Limit*2)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Either side may fail alone
	if vectorErr != nil && textErr != nil {
		return nil, fmt.Errorf("both searches failed: vector=%w, text=%v", vectorErr, textErr)
	}

	ranked := applyRRF(req.RRFConstant, vectorHits, textHit)
	return SearchResponse{
		Results:       s.buildResults(ctx, ranked, req.Limit),
		VectorResults: len(vectorHits),
		TextResults:   len(textHit),
	}.withTotal(), nil
}

// vectorSearch performs only vector similarity search
func (s *Searcher) vectorSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	hits, err := s.vectorHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	return SearchResponse{
		Results:       s.buildResults(ctx, rankByScore(hits), req.Limit),
		VectorResults: len(hits),
	}.withTotal(), nil
}

// keywordSearch performs only BM25 text search
func (s *Searcher) keywordSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	hits, err := s.textHits(ctx, req, req.Limit)
	if err != nil {
		return nil, err
	}
	return SearchResponse{
		Results:     s.buildResults(ctx, rankByScore(hits), req.Limit),
		TextResults: len(hits),
	}.withTotal(), nil
}

func (r SearchResponse) withTotal() *SearchResponse {
	r.TotalResults = len(r.Results)
	return &r
}

// rankedResult is a hit with its fused score
type rankedResult struct {
	hit
	rank int
}

// applyRRF fuses ranked lists: RRF(d) = Σ 1/(k + rank(d)). Hits are matched
// by path and line range, since the two backends store their chunks apart.
func applyRRF(k float64, lists ...[]hit) []rankedResult {
	if k == 0 {
		k = DefaultRRFConstant
	}
	byKey := make(map[string]*rankedResult)
	var order []string
	for _, list := range lists {
		for rank, h := range list {
			key := h.key()
			r, ok := byKey[key]
			if !ok {
				r = &rankedResult{hit: h}
				r.score = 0
				byKey[key] = r
				order = append(order, key)
			}
			r.score += 1.0 / (k + float64(rank+1))
		}
	}
	results := make([]rankedResult, 0, len(order))
	for _, key := range order {
		results = append(results, *byKey[key])
	}
	sortRankedResults(results)
	return results
}

func rankByScore(hits []hit) []rankedResult {
	results := make([]rankedResult, len(hits))
	for i, h := range hits {
		results[i] = rankedResult{hit: h}
	}
	sortRankedResults(results)
	return results
}

// sortRankedResults sorts by score descending, keeps ties stable by path and
// assigns 1-based ranks
func sortRankedResults(results []rankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].key() < results[j].key()
	})
	for i := range results {
		results[i].rank = i + 1
	}
}

// buildResults attaches package and symbol metadata to the top results
func (s *Searcher) buildResults(ctx context.Context, ranked []rankedResult, limit int) []types.SearchResult {
	if limit > len(ranked) {
		limit = len(ranked)
	}
	results := make([]types.SearchResult, 0, limit)
	for _, rr := range ranked[:limit] {
		chunk := rr.chunk
		pkg, _ := s.storage.PackageName(ctx, chunk.Digest)
		results = append(results, types.SearchResult{
			ChunkID:        chunk.ID,
			Rank:           rr.rank,
			RelevanceScore: rr.score,
			Digest:         chunk.Digest,
			Symbol:         s.lookupSymbol(ctx, chunk),
			File: &types.FileInfo{
				Path:      rr.path,
				Package:   pkg,
				StartLine: chunk.StartLine,
				EndLine:   chunk.EndLine,
			},
			Content: chunk.Content,
			Context: strings.TrimSpace(chunk.ContextBefore + "\n\n" + chunk.ContextAfter),
		})
	}
	return results
}

func (s *Searcher) lookupSymbol(ctx context.Context, chunk *types.Chunk) *types.Symbol {
	if chunk.SymbolName == "" {
		return nil
	}
	syms, err := s.storage.ListSymbols(ctx, chunk.Digest)
	if err != nil {
		return nil
	}
	for i := range syms {
		if syms[i].Name == chunk.SymbolName {
			return &syms[i]
		}
	}
	return nil
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *SearchRequest) error {
	if req.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if err := req.Scope.Validate(); err != nil {
		return err
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if req.RRFConstant == 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	return nil
}

// copySearchResponse creates a deep copy of a SearchResponse
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	for i, result := range src.Results {
		dst.Results[i] = result
		if result.Symbol != nil {
			symbolCopy := *result.Symbol
			dst.Results[i].Symbol = &symbolCopy
		}
		if result.File != nil {
			fileCopy := *result.File
			dst.Results[i].File = &fileCopy
		}
	}
	return &dst
}

// queryHash keys the cache by request and the scope's generation
func (s *Searcher) queryHash(req SearchRequest) [32]byte {
	s.gensMu.Lock()
	gen := s.gens[req.Scope.Key()]
	s.gensMu.Unlock()

	var data strings.Builder
	fmt.Fprintf(&data, "%s|%s|%s|%d|%d|%g", req.Query, req.Mode, req.Scope.Key(), gen, req.Limit, req.RRFConstant)
	if req.Filters != nil {
		fmt.Fprintf(&data, "|filters:%s|%s|%.2f",
			strings.Join(req.Filters.ChunkTypes, ","), req.Filters.FilePattern, req.Filters.MinRelevance)
	}
	return sha256.Sum256([]byte(data.String()))
}
