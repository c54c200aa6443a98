// Package types provides the data types shared by the tagindex packages.
//
// # Reconciliation Types
//
// Digest is the fixed-width SHA-256 identity of a file's bytes. It orders
// byte-wise through Compare, so digests never go through string comparison:
//
//	d := types.ComputeDigest(content)
//	if d.Compare(other) < 0 { ... }
//
// Scope identifies an indexing context (branch plus directory). Partition is
// the four-way split a reconciliation produces for one scope and backend:
//
//	p.Compute   // new content, expensive work needed
//	p.AddTag    // content already stored, register it for the scope
//	p.RemoveTag // drop the scope association only
//	p.Delete    // last reference gone, discard the payload
//
// # Progress
//
// Progress events carry the backend name, the fraction done and a Status.
// Summary aggregates a finished run, including the paths that were skipped.
//
// # Errors
//
// TransientComputeError, PermanentItemError and CatalogCorruptionError form
// the error taxonomy. Cancellation is context.Canceled and is reported as
// StatusCancelled rather than as a failure.
//
// # Code Types
//
// Symbol, Chunk and ParseResult carry the parse-and-chunk output that the
// backends store per digest.
package types
