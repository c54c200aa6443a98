// Package storage provides SQLite-based persistence for the tag catalog,
// the global artifact store, and the payloads of SQLite-resident backends.
//
// # Database Schema
//
// Tables:
//   - scopes: registered (directory, branch) pairs and their last refresh
//   - tag_catalog: per (scope, backend, path) the digest last indexed
//   - artifacts: per (digest, backend) the payload reference and refcount
//   - artifact_refs: which scopes hold a digest; refcount counts these rows
//   - payloads: which payload families exist for a digest
//   - chunks, embeddings: vector payloads keyed by digest
//   - text_chunks, text_fts: FTS5 payloads keyed by digest
//   - parsed_files, symbols, imports: symbol payloads keyed by digest
//
// Payload rows are shared by every scope holding the same content. A scope
// reaches them only through its catalog rows, so searches join tag_catalog
// and never see content the scope does not currently contain.
//
// # Completion Tracking
//
// Backends call MarkComplete after each durably processed item (or batch):
//
//	res, err := store.MarkComplete(ctx, storage.MarkRequest{
//	    Scope:   scope,
//	    Backend: "fulltext",
//	    Kind:    types.BucketDelete,
//	    Items:   done,
//	})
//	if err != nil {
//	    return err
//	}
//	// Payloads of res.Dropped are unreferenced
//	_, err = store.DeletePayload(ctx, storage.PayloadText, "fulltext", res.Dropped)
//
// Every call runs in one transaction and is idempotent. Removals are
// checkpointed before payloads are discarded; a crash in between leaves an
// orphan payload for SweepOrphans rather than a catalog row without data.
//
// # Corruption
//
// LoadCatalog reports undecodable rows and damaged-database driver errors
// as *types.CatalogCorruptionError. ResetScope clears the scope's rows from
// membership data alone so the caller can rebuild.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go) and computes cosine
// similarity in Go. Building with -tags sqlite_vec uses mattn/go-sqlite3
// with the sqlite-vec extension and vec_distance_cosine.
package storage
