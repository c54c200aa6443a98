package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dshills/tagindex/pkg/types"
)

// payloadTables lists the tables holding each payload family, children first
var payloadTables = map[PayloadKind][]string{
	PayloadVectors: {"chunks"},
	PayloadText:    {"text_chunks"},
	PayloadSymbols: {"symbols", "imports", "parsed_files"},
}

func (k PayloadKind) validate() error {
	if _, ok := payloadTables[k]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPayloadKind, string(k))
	}
	return nil
}

// HasPayload reports, per digest, whether a payload of kind is stored
func (s *SQLiteStorage) HasPayload(ctx context.Context, kind PayloadKind, digests []types.Digest) (map[types.Digest]bool, error) {
	if err := kind.validate(); err != nil {
		return nil, err
	}
	out := make(map[types.Digest]bool, len(digests))
	for _, d := range digests {
		out[d] = false
	}
	for _, group := range chunkDigests(digests) {
		query := `SELECT digest FROM payloads WHERE kind = ? AND digest IN (` + placeholders(len(group)) + `)`
		rows, err := s.db.QueryContext(ctx, query, append([]any{string(kind)}, digestArgs(group)...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to check payloads: %w", err)
		}
		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if d, err := scanDigest(blob); err == nil {
				out[d] = true
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// deletePayloadWithQuerier removes one digest's payload rows of kind
func deletePayloadWithQuerier(ctx context.Context, q querier, kind PayloadKind, digest []byte) error {
	for _, table := range payloadTables[kind] {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE digest = ?`, digest); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	_, err := q.ExecContext(ctx, `DELETE FROM payloads WHERE kind = ? AND digest = ?`, string(kind), digest)
	return err
}

// DeletePayload discards the payloads of digests that have no artifact row
// for backend. A digest re-added by a concurrent refresh keeps its payload.
func (s *SQLiteStorage) DeletePayload(ctx context.Context, kind PayloadKind, backend string, digests []types.Digest) (int, error) {
	if err := kind.validate(); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.withTx(ctx, func(q querier) error {
		deleted = 0
		for _, d := range digests {
			var exists int
			err := q.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM artifacts WHERE digest = ? AND backend = ?
			`, d.Bytes(), backend).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check artifact: %w", err)
			}
			if exists > 0 {
				continue
			}
			if err := deletePayloadWithQuerier(ctx, q, kind, d.Bytes()); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// SweepOrphans discards every payload of kind that has no artifact row for
// backend. Callers must hold off concurrent computes of backend.
func (s *SQLiteStorage) SweepOrphans(ctx context.Context, kind PayloadKind, backend string) (int, error) {
	if err := kind.validate(); err != nil {
		return 0, err
	}
	swept := 0
	err := s.withTx(ctx, func(q querier) error {
		swept = 0
		rows, err := q.QueryContext(ctx, `
			SELECT p.digest FROM payloads p
			WHERE p.kind = ?
			AND NOT EXISTS (SELECT 1 FROM artifacts a WHERE a.digest = p.digest AND a.backend = ?)
		`, string(kind), backend)
		if err != nil {
			return fmt.Errorf("failed to find orphans: %w", err)
		}
		var orphans [][]byte
		for rows.Next() {
			var b []byte
			if err := rows.Scan(&b); err != nil {
				_ = rows.Close()
				return err
			}
			orphans = append(orphans, b)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}

		for _, b := range orphans {
			if err := deletePayloadWithQuerier(ctx, q, kind, b); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}

func markPayloadWithQuerier(ctx context.Context, q querier, kind PayloadKind, digest types.Digest, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO payloads (kind, digest, created_at) VALUES (?, ?, ?)
	`, string(kind), digest.Bytes(), now)
	if err != nil {
		return fmt.Errorf("failed to record payload: %w", err)
	}
	return nil
}

// SaveVectorPayload replaces the chunks and embeddings stored for a digest
func (s *SQLiteStorage) SaveVectorPayload(ctx context.Context, payload *VectorPayload) error {
	if payload == nil {
		return errors.New("payload is nil")
	}
	if len(payload.Chunks) != len(payload.Vectors) {
		return fmt.Errorf("payload has %d chunks and %d vectors", len(payload.Chunks), len(payload.Vectors))
	}
	return s.withTx(ctx, func(q querier) error {
		if err := deletePayloadWithQuerier(ctx, q, PayloadVectors, payload.Digest.Bytes()); err != nil {
			return err
		}
		for i, c := range payload.Chunks {
			res, err := q.ExecContext(ctx, `
				INSERT INTO chunks (digest, chunk_index, content, token_count, context_before, context_after,
					start_line, end_line, chunk_type, symbol_name)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, payload.Digest.Bytes(), c.Index, c.Content, c.TokenCount, c.ContextBefore, c.ContextAfter,
				c.StartLine, c.EndLine, string(c.ChunkType), c.SymbolName)
			if err != nil {
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			c.ID = id

			vec := payload.Vectors[i]
			if _, err := q.ExecContext(ctx, `
				INSERT INTO embeddings (chunk_id, vector, dimension, provider, model)
				VALUES (?, ?, ?, ?, ?)
			`, id, serializeVector(vec), len(vec), payload.Provider, payload.Model); err != nil {
				return fmt.Errorf("failed to insert embedding: %w", err)
			}
		}
		return markPayloadWithQuerier(ctx, q, PayloadVectors, payload.Digest, s.nowMillis())
	})
}

// SaveTextPayload replaces the full-text chunks stored for a digest
func (s *SQLiteStorage) SaveTextPayload(ctx context.Context, digest types.Digest, chunks []*types.Chunk) error {
	return s.withTx(ctx, func(q querier) error {
		if err := deletePayloadWithQuerier(ctx, q, PayloadText, digest.Bytes()); err != nil {
			return err
		}
		for _, c := range chunks {
			res, err := q.ExecContext(ctx, `
				INSERT INTO text_chunks (digest, chunk_index, content, start_line, end_line, chunk_type, symbol_name)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, digest.Bytes(), c.Index, c.Content, c.StartLine, c.EndLine, string(c.ChunkType), c.SymbolName)
			if err != nil {
				return fmt.Errorf("failed to insert text chunk: %w", err)
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return markPayloadWithQuerier(ctx, q, PayloadText, digest, s.nowMillis())
	})
}

// SaveSymbolPayload replaces the symbols and imports stored for a digest.
// A nil result stores an empty payload.
func (s *SQLiteStorage) SaveSymbolPayload(ctx context.Context, digest types.Digest, result *types.ParseResult) error {
	if result == nil {
		result = &types.ParseResult{}
	}
	return s.withTx(ctx, func(q querier) error {
		if err := deletePayloadWithQuerier(ctx, q, PayloadSymbols, digest.Bytes()); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO parsed_files (digest, package_name) VALUES (?, ?)
		`, digest.Bytes(), result.PackageName); err != nil {
			return fmt.Errorf("failed to insert parsed file: %w", err)
		}
		for _, sym := range result.Symbols {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO symbols (digest, name, kind, package_name, signature, doc_comment, scope, receiver,
					start_line, start_col, end_line, end_col)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, digest.Bytes(), sym.Name, string(sym.Kind), sym.Package, sym.Signature, sym.DocComment,
				string(sym.Scope), sym.Receiver, sym.Start.Line, sym.Start.Column, sym.End.Line, sym.End.Column); err != nil {
				return fmt.Errorf("failed to insert symbol: %w", err)
			}
		}
		for _, imp := range result.Imports {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO imports (digest, import_path, alias) VALUES (?, ?, ?)
			`, digest.Bytes(), imp.Path, imp.Alias); err != nil {
				return fmt.Errorf("failed to insert import: %w", err)
			}
		}
		return markPayloadWithQuerier(ctx, q, PayloadSymbols, digest, s.nowMillis())
	})
}

func scanChunk(row *sql.Row, withContext bool) (*types.Chunk, error) {
	c := &types.Chunk{}
	var blob []byte
	var chunkType, symbolName, before, after sql.NullString
	var tokens sql.NullInt64
	var err error
	if withContext {
		err = row.Scan(&c.ID, &blob, &c.Index, &c.Content, &tokens, &before, &after,
			&c.StartLine, &c.EndLine, &chunkType, &symbolName)
	} else {
		err = row.Scan(&c.ID, &blob, &c.Index, &c.Content, &c.StartLine, &c.EndLine, &chunkType, &symbolName)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	if c.Digest, err = scanDigest(blob); err != nil {
		return nil, err
	}
	c.TokenCount = int(tokens.Int64)
	c.ContextBefore = before.String
	c.ContextAfter = after.String
	c.ChunkType = types.ChunkType(chunkType.String)
	c.SymbolName = symbolName.String
	return c, nil
}

// GetChunk returns an embedded chunk by ID
func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, digest, chunk_index, content, token_count, context_before, context_after,
			start_line, end_line, chunk_type, symbol_name
		FROM chunks WHERE id = ?
	`, chunkID)
	return scanChunk(row, true)
}

// GetTextChunk returns a full-text chunk by ID
func (s *SQLiteStorage) GetTextChunk(ctx context.Context, chunkID int64) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, digest, chunk_index, content, start_line, end_line, chunk_type, symbol_name
		FROM text_chunks WHERE id = ?
	`, chunkID)
	return scanChunk(row, false)
}

// ListImports returns the imports parsed from a digest
func (s *SQLiteStorage) ListImports(ctx context.Context, digest types.Digest) ([]types.Import, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT import_path, alias FROM imports WHERE digest = ? ORDER BY id
	`, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list imports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var imports []types.Import
	for rows.Next() {
		var imp types.Import
		var alias sql.NullString
		if err := rows.Scan(&imp.Path, &alias); err != nil {
			return nil, err
		}
		imp.Alias = alias.String
		imports = append(imports, imp)
	}
	return imports, rows.Err()
}

// ListSymbols returns the symbols parsed from a digest
func (s *SQLiteStorage) ListSymbols(ctx context.Context, digest types.Digest) ([]types.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, package_name, signature, doc_comment, scope, receiver,
			start_line, start_col, end_line, end_col
		FROM symbols WHERE digest = ? ORDER BY start_line, start_col
	`, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var symbols []types.Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		sym.Digest = digest
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSymbol(r rowScanner, extra ...any) (types.Symbol, error) {
	var sym types.Symbol
	var kind string
	var signature, doc, scope, receiver sql.NullString
	dest := []any{&sym.Name, &kind, &sym.Package, &signature, &doc, &scope, &receiver,
		&sym.Start.Line, &sym.Start.Column, &sym.End.Line, &sym.End.Column}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return sym, err
	}
	sym.Kind = types.SymbolKind(kind)
	sym.Signature = signature.String
	sym.DocComment = doc.String
	sym.Scope = types.SymbolScope(scope.String)
	sym.Receiver = receiver.String
	return sym, nil
}

// PackageName returns the package clause recorded for a digest
func (s *SQLiteStorage) PackageName(ctx context.Context, digest types.Digest) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT package_name FROM parsed_files WHERE digest = ?`, digest.Bytes()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get package name: %w", err)
	}
	return name, nil
}

// SearchSymbols finds symbols named name (or with that prefix) in files the
// backend has catalogued for scope
func (s *SQLiteStorage) SearchSymbols(ctx context.Context, scope types.Scope, backend, name string, limit int) ([]SymbolHit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, s.kind, s.package_name, s.signature, s.doc_comment, s.scope, s.receiver,
			s.start_line, s.start_col, s.end_line, s.end_col, s.digest, t.path
		FROM symbols s
		INNER JOIN tag_catalog t ON t.digest = s.digest
		WHERE t.scope_dir = ? AND t.scope_branch = ? AND t.backend = ?
		AND (s.name = ? OR s.name LIKE ? ESCAPE '\')
		ORDER BY CASE WHEN s.name = ? THEN 0 ELSE 1 END, s.name, t.path
		LIMIT ?
	`, scope.Directory, scope.Branch, backend, name, escapeLike(name)+"%", name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search symbols: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SymbolHit
	for rows.Next() {
		var blob []byte
		var path string
		sym, err := scanSymbol(rows, &blob, &path)
		if err != nil {
			return nil, err
		}
		if sym.Digest, err = scanDigest(blob); err != nil {
			return nil, err
		}
		hits = append(hits, SymbolHit{Symbol: sym, Path: path})
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
