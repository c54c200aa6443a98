package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// SearchVector performs a scope-restricted vector similarity search
func (s *SQLiteStorage) SearchVector(ctx context.Context, q VectorQuery) ([]VectorResult, error) {
	if q.Limit <= 0 {
		return []VectorResult{}, nil
	}
	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, s.db, q)
	}
	return searchVectorFallback(ctx, s.db, q)
}

// SearchText performs a scope-restricted BM25 search
func (s *SQLiteStorage) SearchText(ctx context.Context, q TextQuery) ([]TextResult, error) {
	return searchText(ctx, s.db, q)
}

// scopedChunks joins embedded chunks to the paths a scope holds them under
const scopedChunks = `
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN tag_catalog t ON t.digest = c.digest
		WHERE t.scope_dir = ? AND t.scope_branch = ? AND t.backend = ?
`

// searchVectorOptimized uses sqlite-vec extension for SQL-based vector similarity search
func searchVectorOptimized(ctx context.Context, db *sql.DB, q VectorQuery) ([]VectorResult, error) {
	queryVectorBlob := serializeVector(q.Vector)

	// vec_distance_cosine returns distance (lower is better)
	query := `
		SELECT
			c.id as chunk_id,
			t.path,
			1.0 - vec_distance_cosine(e.vector, ?) as similarity` + scopedChunks + `
		AND e.dimension = ?
	`
	args := []any{queryVectorBlob, q.Scope.Directory, q.Scope.Branch, q.Backend, len(q.Vector)}
	query, args = applyFilters(query, args, q.Filters)

	if q.Filters != nil && q.Filters.MinRelevance > 0 {
		query += " AND (1.0 - vec_distance_cosine(e.vector, ?)) >= ?"
		args = append(args, queryVectorBlob, q.Filters.MinRelevance)
	}

	query += " ORDER BY similarity DESC, t.path LIMIT ?"
	args = append(args, q.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, q.Limit)
	for rows.Next() {
		var result VectorResult
		if err := rows.Scan(&result.ChunkID, &result.Path, &result.SimilarityScore); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// searchVectorFallback computes cosine similarity in Go when sqlite-vec is
// not available (purego builds)
func searchVectorFallback(ctx context.Context, db *sql.DB, q VectorQuery) ([]VectorResult, error) {
	query := `
		SELECT
			c.id as chunk_id,
			t.path,
			e.vector` + scopedChunks
	args := []any{q.Scope.Directory, q.Scope.Branch, q.Backend}
	query, args = applyFilters(query, args, q.Filters)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, q.Vector, q.Filters)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	return buildVectorResults(candidates, q.Limit), nil
}

// searchText performs BM25 full-text search using FTS5
func searchText(ctx context.Context, db *sql.DB, q TextQuery) ([]TextResult, error) {
	sanitized := sanitizeFTSQuery(q.Query)
	if sanitized == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if q.Limit <= 0 {
		return []TextResult{}, nil
	}

	sqlQuery := `
		SELECT
			c.id as chunk_id,
			t.path,
			bm25(text_fts) as score
		FROM text_fts
		INNER JOIN text_chunks c ON text_fts.rowid = c.id
		INNER JOIN tag_catalog t ON t.digest = c.digest
		WHERE text_fts MATCH ?
		AND t.scope_dir = ? AND t.scope_branch = ? AND t.backend = ?
	`
	args := []any{sanitized, q.Scope.Directory, q.Scope.Branch, q.Backend}
	sqlQuery, args = applyFilters(sqlQuery, args, q.Filters)

	// BM25 is lower-is-better
	sqlQuery += " ORDER BY score, t.path LIMIT ?"
	args = append(args, q.Limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTextResults(rows, q.Filters)
}

// Helper functions

// applyFilters adds WHERE clause filters shared by both searches. The
// chunk table is aliased c and the catalog t.
func applyFilters(query string, args []any, filters *SearchFilters) (string, []any) {
	if filters == nil {
		return query, args
	}

	if len(filters.ChunkTypes) > 0 && filters.ChunkTypes[0] != "" {
		query += " AND c.chunk_type IN (" + placeholders(len(filters.ChunkTypes)) + ")"
		for _, typ := range filters.ChunkTypes {
			args = append(args, typ)
		}
	}

	if filters.FilePattern != "" {
		query += " AND t.path GLOB ?"
		args = append(args, filters.FilePattern)
	}

	return query, args
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, filters *SearchFilters) ([]candidate, error) {
	candidates := make([]candidate, 0, 1000)

	for rows.Next() {
		var chunkID int64
		var path string
		var vectorBlob []byte
		if err := rows.Scan(&chunkID, &path, &vectorBlob); err != nil {
			return nil, err
		}

		// Deserialize vector
		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}

		// Compute cosine similarity
		similarity := cosineSimilarity(queryVector, vector)

		// Apply minimum relevance filter
		if filters != nil && filters.MinRelevance > 0 && similarity < filters.MinRelevance {
			continue
		}

		candidates = append(candidates, candidate{chunkID: chunkID, path: path, score: similarity})
	}

	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	// Handle negative or zero limit - return all candidates
	if limit <= 0 {
		limit = len(candidates)
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			ChunkID:         candidates[i].chunkID,
			Path:            candidates[i].path,
			SimilarityScore: candidates[i].score,
		}
	}
	return results
}

// collectTextResults processes text search results and normalizes scores
func collectTextResults(rows *sql.Rows, filters *SearchFilters) ([]TextResult, error) {
	results := make([]TextResult, 0)

	for rows.Next() {
		var result TextResult
		if err := rows.Scan(&result.ChunkID, &result.Path, &result.BM25Score); err != nil {
			return nil, err
		}

		// FTS5 bm25 is negative with larger magnitude for better matches;
		// map it onto [0, 1) keeping that order
		magnitude := math.Abs(result.BM25Score)
		result.BM25Score = magnitude / (1.0 + magnitude)

		// Apply minimum relevance filter
		if filters != nil && filters.MinRelevance > 0 && result.BM25Score < filters.MinRelevance {
			continue
		}

		results = append(results, result)
	}

	return results, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	path    string
	score   float64
}

// sortCandidates orders candidates by descending score, then path
func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})
}

// ftsTokenPattern extracts the searchable terms of a query
var ftsTokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// sanitizeFTSQuery turns free text into an FTS5 query of quoted terms.
// Quoting every term strips the meaning of operators (AND, OR, NOT, NEAR)
// and of special characters, so user input cannot alter the query.
func sanitizeFTSQuery(query string) string {
	terms := ftsTokenPattern.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}
