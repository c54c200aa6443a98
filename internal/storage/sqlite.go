package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/tagindex/pkg/types"
)

// maxInParams bounds the placeholders of one IN (...) list
const maxInParams = 500

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// A single connection serializes every refcount transaction
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// withTx runs fn in a transaction, committing on success
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// chunkDigests splits digests into IN-list sized groups
func chunkDigests(digests []types.Digest) [][]types.Digest {
	var out [][]types.Digest
	for len(digests) > maxInParams {
		out = append(out, digests[:maxInParams])
		digests = digests[maxInParams:]
	}
	if len(digests) > 0 {
		out = append(out, digests)
	}
	return out
}

func digestArgs(digests []types.Digest) []any {
	args := make([]any, len(digests))
	for i, d := range digests {
		args[i] = d.Bytes()
	}
	return args
}

func scanDigest(b []byte) (types.Digest, error) {
	return types.DigestFromBytes(b)
}

// Scope operations

func (s *SQLiteStorage) upsertScopeWithQuerier(ctx context.Context, q querier, scope types.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO scopes (directory, branch, case_insensitive, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(directory, branch) DO UPDATE SET case_insensitive = excluded.case_insensitive
	`
	if _, err := q.ExecContext(ctx, query, scope.Directory, scope.Branch, scope.CaseInsensitive, s.nowMillis()); err != nil {
		return fmt.Errorf("failed to upsert scope: %w", err)
	}
	return nil
}

// UpsertScope registers a scope
func (s *SQLiteStorage) UpsertScope(ctx context.Context, scope types.Scope) error {
	return s.upsertScopeWithQuerier(ctx, s.querier(), scope)
}

// ListScopes returns every registered scope ordered by directory then branch
func (s *SQLiteStorage) ListScopes(ctx context.Context) ([]types.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT directory, branch, case_insensitive FROM scopes ORDER BY directory, branch
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []types.Scope
	for rows.Next() {
		var sc types.Scope
		if err := rows.Scan(&sc.Directory, &sc.Branch, &sc.CaseInsensitive); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// RecordRefresh stores the terminal status of a refresh
func (s *SQLiteStorage) RecordRefresh(ctx context.Context, scope types.Scope, status types.Status, at time.Time) error {
	if err := s.upsertScopeWithQuerier(ctx, s.querier(), scope); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scopes SET last_status = ?, last_refreshed_at = ?
		WHERE directory = ? AND branch = ?
	`, string(status), at.UnixMilli(), scope.Directory, scope.Branch)
	if err != nil {
		return fmt.Errorf("failed to record refresh: %w", err)
	}
	return nil
}

// GetScopeStatus returns the last refresh and per-backend counts for a scope
func (s *SQLiteStorage) GetScopeStatus(ctx context.Context, scope types.Scope) (*ScopeStatus, error) {
	status := &ScopeStatus{Scope: scope, Backends: make(map[string]BackendStatus)}

	var lastStatus sql.NullString
	var lastRefreshed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT case_insensitive, last_status, last_refreshed_at FROM scopes
		WHERE directory = ? AND branch = ?
	`, scope.Directory, scope.Branch).Scan(&status.Scope.CaseInsensitive, &lastStatus, &lastRefreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	status.LastStatus = types.Status(lastStatus.String)
	status.LastRefreshedAt = fromMillis(lastRefreshed)

	rows, err := s.db.QueryContext(ctx, `
		SELECT backend, COUNT(*) FROM tag_catalog
		WHERE scope_dir = ? AND scope_branch = ?
		GROUP BY backend
	`, scope.Directory, scope.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var backend string
		var n int
		if err := rows.Scan(&backend, &n); err != nil {
			return nil, err
		}
		bs := status.Backends[backend]
		bs.Entries = n
		status.Backends[backend] = bs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refRows, err := s.db.QueryContext(ctx, `
		SELECT backend, COUNT(*) FROM artifact_refs
		WHERE scope_dir = ? AND scope_branch = ?
		GROUP BY backend
	`, scope.Directory, scope.Branch)
	if err != nil {
		return nil, fmt.Errorf("failed to count artifacts: %w", err)
	}
	defer func() { _ = refRows.Close() }()
	for refRows.Next() {
		var backend string
		var n int
		if err := refRows.Scan(&backend, &n); err != nil {
			return nil, err
		}
		bs := status.Backends[backend]
		bs.Artifacts = n
		status.Backends[backend] = bs
	}
	return status, refRows.Err()
}

// DeleteScope removes the scope row. Catalog rows must be cleared first
// through ResetScope so refcounts stay consistent.
func (s *SQLiteStorage) DeleteScope(ctx context.Context, scope types.Scope) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scopes WHERE directory = ? AND branch = ?`,
		scope.Directory, scope.Branch)
	if err != nil {
		return fmt.Errorf("failed to delete scope: %w", err)
	}
	return nil
}
