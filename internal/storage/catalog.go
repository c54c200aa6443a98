package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/tagindex/pkg/types"
)

// Tag Catalog operations

// LoadCatalog returns the catalog of (scope, backend) keyed by path. Rows
// that cannot be decoded, and driver errors that indicate a damaged
// database, are reported as *types.CatalogCorruptionError.
func (s *SQLiteStorage) LoadCatalog(ctx context.Context, scope types.Scope, backend string) (map[string]CatalogEntry, error) {
	corrupt := func(err error) error {
		return &types.CatalogCorruptionError{Scope: scope, Backend: backend, Err: err}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, digest, last_seen_at FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ?
	`, scope.Directory, scope.Branch, backend)
	if err != nil {
		if IsCorruption(err) {
			return nil, corrupt(err)
		}
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	catalog := make(map[string]CatalogEntry)
	for rows.Next() {
		var path string
		var blob []byte
		var seen sql.NullInt64
		if err := rows.Scan(&path, &blob, &seen); err != nil {
			return nil, corrupt(err)
		}
		d, err := scanDigest(blob)
		if err != nil {
			return nil, corrupt(fmt.Errorf("path %s: %w", path, err))
		}
		catalog[path] = CatalogEntry{Path: path, Digest: d, LastSeenAt: fromMillis(seen)}
	}
	if err := rows.Err(); err != nil {
		if IsCorruption(err) {
			return nil, corrupt(err)
		}
		return nil, err
	}
	return catalog, nil
}

// LookupPath returns the catalog entry for one path
func (s *SQLiteStorage) LookupPath(ctx context.Context, scope types.Scope, backend, path string) (*CatalogEntry, error) {
	var blob []byte
	var seen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT digest, last_seen_at FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ? AND path = ?
	`, scope.Directory, scope.Branch, backend, path).Scan(&blob, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup path: %w", err)
	}
	d, err := scanDigest(blob)
	if err != nil {
		return nil, &types.CatalogCorruptionError{Scope: scope, Backend: backend, Err: err}
	}
	return &CatalogEntry{Path: path, Digest: d, LastSeenAt: fromMillis(seen)}, nil
}

// PathsForDigest lists the paths of a scope that hold digest
func (s *SQLiteStorage) PathsForDigest(ctx context.Context, scope types.Scope, backend string, digest types.Digest) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ? AND digest = ?
		ORDER BY path
	`, scope.Directory, scope.Branch, backend, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// IndexedPaths returns the sorted, distinct paths catalogued by any backend
// in any of scopes
func (s *SQLiteStorage) IndexedPaths(ctx context.Context, scopes []types.Scope) ([]string, error) {
	seen := make(map[string]struct{})
	for _, scope := range scopes {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT path FROM tag_catalog WHERE scope_dir = ? AND scope_branch = ?
		`, scope.Directory, scope.Branch)
		if err != nil {
			return nil, fmt.Errorf("failed to list indexed paths: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				_ = rows.Close()
				return nil, err
			}
			seen[p] = struct{}{}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// ResetScope drops every catalog row and membership of (scope, backend).
// It reads memberships rather than catalog rows, so it works when the
// catalog cannot be decoded. It returns the digests whose artifact row was
// dropped.
func (s *SQLiteStorage) ResetScope(ctx context.Context, scope types.Scope, backend string) ([]types.Digest, error) {
	var dropped []types.Digest
	err := s.withTx(ctx, func(q querier) error {
		dropped = nil
		if _, err := q.ExecContext(ctx, `
			DELETE FROM tag_catalog WHERE scope_dir = ? AND scope_branch = ? AND backend = ?
		`, scope.Directory, scope.Branch, backend); err != nil {
			return fmt.Errorf("failed to clear catalog: %w", err)
		}

		rows, err := q.QueryContext(ctx, `
			SELECT digest FROM artifact_refs WHERE scope_dir = ? AND scope_branch = ? AND backend = ?
		`, scope.Directory, scope.Branch, backend)
		if err != nil {
			return fmt.Errorf("failed to list memberships: %w", err)
		}
		var blobs [][]byte
		for rows.Next() {
			var b []byte
			if err := rows.Scan(&b); err != nil {
				_ = rows.Close()
				return err
			}
			blobs = append(blobs, b)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}

		for _, b := range blobs {
			gone, err := s.dropRefWithQuerier(ctx, q, b, backend, scope)
			if err != nil {
				return err
			}
			if gone {
				if d, err := scanDigest(b); err == nil {
					dropped = append(dropped, d)
				}
			}
		}
		return nil
	})
	return dropped, err
}

// Global Artifact Store operations

// RefCounts returns the refcount of each digest that has an artifact row
func (s *SQLiteStorage) RefCounts(ctx context.Context, backend string, digests []types.Digest) (map[types.Digest]int, error) {
	counts := make(map[types.Digest]int, len(digests))
	for _, group := range chunkDigests(digests) {
		query := `SELECT digest, refcount FROM artifacts WHERE backend = ? AND digest IN (` + placeholders(len(group)) + `)`
		args := append([]any{backend}, digestArgs(group)...)
		if err := collectCounts(ctx, s.db, query, args, counts); err != nil {
			return nil, fmt.Errorf("failed to read refcounts: %w", err)
		}
	}
	return counts, nil
}

// ForeignRefCounts counts, per digest, the memberships held by scopes other
// than scope
func (s *SQLiteStorage) ForeignRefCounts(ctx context.Context, scope types.Scope, backend string, digests []types.Digest) (map[types.Digest]int, error) {
	counts := make(map[types.Digest]int, len(digests))
	for _, group := range chunkDigests(digests) {
		query := `
			SELECT digest, COUNT(*) FROM artifact_refs
			WHERE backend = ? AND NOT (scope_dir = ? AND scope_branch = ?)
			AND digest IN (` + placeholders(len(group)) + `)
			GROUP BY digest`
		args := append([]any{backend, scope.Directory, scope.Branch}, digestArgs(group)...)
		if err := collectCounts(ctx, s.db, query, args, counts); err != nil {
			return nil, fmt.Errorf("failed to read memberships: %w", err)
		}
	}
	return counts, nil
}

func collectCounts(ctx context.Context, q querier, query string, args []any, into map[types.Digest]int) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var blob []byte
		var n int
		if err := rows.Scan(&blob, &n); err != nil {
			return err
		}
		d, err := scanDigest(blob)
		if err != nil {
			return err
		}
		into[d] = n
	}
	return rows.Err()
}

// GetArtifact returns the artifact row of (digest, backend)
func (s *SQLiteStorage) GetArtifact(ctx context.Context, digest types.Digest, backend string) (*Artifact, error) {
	a := &Artifact{Digest: digest, Backend: backend}
	var created, updated sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_ref, refcount, created_at, updated_at FROM artifacts
		WHERE digest = ? AND backend = ?
	`, digest.Bytes(), backend).Scan(&a.PayloadRef, &a.RefCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// ListArtifacts returns every artifact row of a backend ordered by digest
func (s *SQLiteStorage) ListArtifacts(ctx context.Context, backend string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, payload_ref, refcount, created_at, updated_at FROM artifacts
		WHERE backend = ? ORDER BY digest
	`, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{Backend: backend}
		var blob []byte
		var created, updated sql.NullInt64
		if err := rows.Scan(&blob, &a.PayloadRef, &a.RefCount, &created, &updated); err != nil {
			return nil, err
		}
		if a.Digest, err = scanDigest(blob); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(created)
		a.UpdatedAt = fromMillis(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Completion Tracker

// MarkComplete checkpoints items of one bucket in a single transaction.
// Repeating a call leaves the store unchanged.
func (s *SQLiteStorage) MarkComplete(ctx context.Context, req MarkRequest) (*MarkResult, error) {
	if err := req.Kind.Validate(); err != nil {
		return nil, err
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if req.Backend == "" {
		return nil, errors.New("backend name is required")
	}

	var tr transitions
	err := s.withTx(ctx, func(q querier) error {
		tr = transitions{}
		if err := s.upsertScopeWithQuerier(ctx, q, req.Scope); err != nil {
			return err
		}
		for _, item := range req.Items {
			if item.Digest.IsZero() {
				return fmt.Errorf("path %s: %w", item.Path, types.ErrInvalidDigest)
			}
			var err error
			if req.Kind.Adds() {
				err = s.markAddWithQuerier(ctx, q, req, item, &tr)
			} else {
				err = s.markRemoveWithQuerier(ctx, q, req, item, &tr)
			}
			if err != nil {
				return fmt.Errorf("mark %s %s: %w", req.Kind, item.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr.result(), nil
}

// transitions accumulates artifact creations and drops within one call.
// A digest dropped and then recreated in the same call is neither; one
// created and then dropped is reported dropped so its payload is purged.
type transitions struct {
	order   []types.Digest
	seen    map[types.Digest]bool
	created map[types.Digest]bool
	dropped map[types.Digest]bool
}

func (t *transitions) note(d types.Digest) {
	if t.seen == nil {
		t.seen = make(map[types.Digest]bool)
		t.created = make(map[types.Digest]bool)
		t.dropped = make(map[types.Digest]bool)
	}
	if !t.seen[d] {
		t.seen[d] = true
		t.order = append(t.order, d)
	}
}

func (t *transitions) create(d types.Digest) {
	t.note(d)
	if t.dropped[d] {
		delete(t.dropped, d)
		return
	}
	t.created[d] = true
}

func (t *transitions) drop(d types.Digest) {
	t.note(d)
	delete(t.created, d)
	t.dropped[d] = true
}

func (t *transitions) result() *MarkResult {
	res := &MarkResult{}
	for _, d := range t.order {
		if t.created[d] {
			res.Created = append(res.Created, d)
		}
		if t.dropped[d] {
			res.Dropped = append(res.Dropped, d)
		}
	}
	return res
}

func (s *SQLiteStorage) markAddWithQuerier(ctx context.Context, q querier, req MarkRequest, item types.PathAndDigest, tr *transitions) error {
	now := s.nowMillis()

	var prevBlob []byte
	err := q.QueryRowContext(ctx, `
		SELECT digest FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ? AND path = ?
	`, req.Scope.Directory, req.Scope.Branch, req.Backend, item.Path).Scan(&prevBlob)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO tag_catalog (scope_dir, scope_branch, backend, path, digest, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_dir, scope_branch, backend, path)
		DO UPDATE SET digest = excluded.digest, last_seen_at = excluded.last_seen_at
	`, req.Scope.Directory, req.Scope.Branch, req.Backend, item.Path, item.Digest.Bytes(), now); err != nil {
		return fmt.Errorf("failed to upsert catalog row: %w", err)
	}

	created, err := s.retainRefWithQuerier(ctx, q, item.Digest, req.Backend, req.Scope, req.PayloadRef)
	if err != nil {
		return err
	}
	if created {
		tr.create(item.Digest)
	}

	if hadPrev {
		prev, err := scanDigest(prevBlob)
		if err != nil {
			// The overwritten row was undecodable; its membership is
			// dropped by the next ResetScope
			return nil
		}
		if prev != item.Digest {
			gone, err := s.releaseRefWithQuerier(ctx, q, prev, req.Backend, req.Scope)
			if err != nil {
				return err
			}
			if gone {
				tr.drop(prev)
			}
		}
	}
	return nil
}

func (s *SQLiteStorage) markRemoveWithQuerier(ctx context.Context, q querier, req MarkRequest, item types.PathAndDigest, tr *transitions) error {
	// Only the row still holding this digest is removed; a path re-added
	// with new content in the meantime is left alone
	if _, err := q.ExecContext(ctx, `
		DELETE FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ? AND path = ? AND digest = ?
	`, req.Scope.Directory, req.Scope.Branch, req.Backend, item.Path, item.Digest.Bytes()); err != nil {
		return fmt.Errorf("failed to delete catalog row: %w", err)
	}

	gone, err := s.releaseRefWithQuerier(ctx, q, item.Digest, req.Backend, req.Scope)
	if err != nil {
		return err
	}
	if gone {
		tr.drop(item.Digest)
	}
	return nil
}

// retainRefWithQuerier ensures scope holds a membership of (digest, backend).
// It reports whether the artifact row was created.
func (s *SQLiteStorage) retainRefWithQuerier(ctx context.Context, q querier, digest types.Digest, backend string, scope types.Scope, payloadRef string) (bool, error) {
	now := s.nowMillis()

	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifacts (digest, backend, payload_ref, refcount, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, digest.Bytes(), backend, payloadRef, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to create artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	created := n == 1

	res, err = q.ExecContext(ctx, `
		INSERT OR IGNORE INTO artifact_refs (digest, backend, scope_dir, scope_branch)
		VALUES (?, ?, ?, ?)
	`, digest.Bytes(), backend, scope.Directory, scope.Branch)
	if err != nil {
		return false, fmt.Errorf("failed to add membership: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	if n == 0 {
		return created, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE artifacts SET refcount = refcount + 1, updated_at = ?,
			payload_ref = CASE WHEN ? <> '' THEN ? ELSE payload_ref END
		WHERE digest = ? AND backend = ?
	`, now, payloadRef, payloadRef, digest.Bytes(), backend)
	if err != nil {
		return false, fmt.Errorf("failed to increment refcount: %w", err)
	}
	return created, nil
}

// releaseRefWithQuerier drops scope's membership of (digest, backend) when
// no catalog row of the scope references the digest any more. It reports
// whether the artifact row was removed.
func (s *SQLiteStorage) releaseRefWithQuerier(ctx context.Context, q querier, digest types.Digest, backend string, scope types.Scope) (bool, error) {
	var still int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ? AND backend = ? AND digest = ?
	`, scope.Directory, scope.Branch, backend, digest.Bytes()).Scan(&still)
	if err != nil {
		return false, fmt.Errorf("failed to count references: %w", err)
	}
	if still > 0 {
		return false, nil
	}
	return s.dropRefWithQuerier(ctx, q, digest.Bytes(), backend, scope)
}

// dropRefWithQuerier deletes a membership row and decrements the refcount,
// removing the artifact at zero
func (s *SQLiteStorage) dropRefWithQuerier(ctx context.Context, q querier, digest []byte, backend string, scope types.Scope) (bool, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM artifact_refs
		WHERE digest = ? AND backend = ? AND scope_dir = ? AND scope_branch = ?
	`, digest, backend, scope.Directory, scope.Branch)
	if err != nil {
		return false, fmt.Errorf("failed to delete membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE artifacts SET refcount = MAX(refcount - 1, 0), updated_at = ?
		WHERE digest = ? AND backend = ?
	`, s.nowMillis(), digest, backend); err != nil {
		return false, fmt.Errorf("failed to decrement refcount: %w", err)
	}

	res, err = q.ExecContext(ctx, `
		DELETE FROM artifacts WHERE digest = ? AND backend = ? AND refcount <= 0
	`, digest, backend)
	if err != nil {
		return false, fmt.Errorf("failed to delete artifact: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	return n > 0, nil
}
