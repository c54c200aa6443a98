// Package searcher implements scope-restricted code search over the payloads
// stored by the embeddings and fulltext backends.
//
// The searcher provides three search modes:
//   - Hybrid: vector + BM25 keyword search fused with Reciprocal Rank Fusion
//   - Vector: semantic search using embeddings
//   - Keyword: BM25 full-text search only
//
// # Basic Usage
//
//	s := searcher.NewSearcher(store, emb)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Scope: types.NewScope("/path/to/repo", "main"),
//	    Query: "retry with backoff",
//	    Limit: 10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s:%d (score: %.3f)\n",
//	        r.Rank, r.File.Path, r.File.StartLine, r.RelevanceScore)
//	}
//
// # Scoping
//
// Payloads are shared by every scope holding the same content, so hits are
// joined to the scope's tag catalog and reported under the paths that scope
// holds them at. The same chunk can therefore appear once per path.
//
// # Fusion
//
// The two backends chunk independently, so hybrid search matches hits by
// path and line range before summing 1/(k + rank) across both lists.
// Without an embedder, hybrid search degrades to keyword search.
//
// # Caching
//
// Responses are cached for an hour in an expiring LRU. InvalidateScope
// retires a scope's cached responses once a refresh has changed it.
package searcher
