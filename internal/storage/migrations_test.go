package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open(DriverName, ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyMigrations_CreatesTables(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db))

	v, err := currentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())

	for _, table := range []string{
		"schema_version", "scopes", "tag_catalog", "artifacts", "artifact_refs",
		"payloads", "chunks", "embeddings", "text_chunks", "text_fts",
		"parsed_files", "symbols", "imports",
	} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db))
	require.NoError(t, ApplyMigrations(ctx, db))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, len(AllMigrations), count)
}

// Versions compare semantically, so 1.10.0 sorts after 1.2.0
func TestApplyMigrations_SemanticVersionOrder(t *testing.T) {
	tests := []struct {
		name     string
		next     string
		applied  string
		runsNext bool
	}{
		{"major", "2.0.0", "1.9.9", true},
		{"minor not lexicographic", "1.10.0", "1.2.0", true},
		{"patch", "1.0.10", "1.0.2", true},
		{"equal", "1.0.0", "1.0.0", false},
		{"pre-release below release", "1.0.0-alpha", "1.0.0", false},
		{"pre-release ordering", "1.0.0-beta", "1.0.0-alpha", true},
		{"build metadata ignored", "1.0.0+build.1", "1.0.0+build.2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openRawDB(t)
			ctx := context.Background()

			_, err := db.ExecContext(ctx, `CREATE TABLE schema_version (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`)
			require.NoError(t, err)
			_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", tt.applied)
			require.NoError(t, err)

			original := AllMigrations
			AllMigrations = []Migration{{Version: tt.next, Up: "SELECT 1", Down: "SELECT 1"}}
			defer func() { AllMigrations = original }()

			require.NoError(t, ApplyMigrations(ctx, db))

			var count int
			require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count))
			if tt.runsNext {
				assert.Equal(t, 2, count)
			} else {
				assert.Equal(t, 1, count)
			}
		})
	}
}

func TestApplyMigrations_InvalidRecordedVersion(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, "CREATE TABLE schema_version (version TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ('not-a-version')")
	require.NoError(t, err)

	assert.Error(t, ApplyMigrations(ctx, db))
}
