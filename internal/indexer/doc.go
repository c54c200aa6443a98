// Package indexer runs refreshes: it walks a scope, hashes its files,
// reconciles every backend's catalog against the result and drives the
// backends through the resulting work buckets.
//
// # Basic Usage
//
//	reg, _ := backend.NewRegistry(embeddingsBackend, fulltextBackend)
//	engine, err := indexer.NewEngine(indexer.Config{Logger: log}, store, reg)
//
//	stream, err := engine.Refresh(ctx, types.NewScope("/path/to/repo", "main"))
//	for {
//	    ev, ok := stream.Next(ctx)
//	    if !ok {
//	        break
//	    }
//	    fmt.Printf("%s %s %.0f%%\n", ev.Backend, ev.Status, ev.FractionDone*100)
//	}
//	summary, err := stream.Wait()
//
// # Refresh Pipeline
//
//  1. Lock: one refresh per scope; a newer refresh cancels the running one
//  2. Walk: enumerate files, applying .gitignore and .tagindexignore
//  3. Hash: SHA-256 digests, optionally reusing safely old metadata
//  4. Reconcile: split the diff into Compute, AddTag, RemoveTag and Delete
//  5. Update: every backend applies its partition concurrently
//
// Backends checkpoint each batch. A cancelled or crashed refresh leaves the
// catalog describing exactly the finished work and the next refresh resumes
// from there.
//
// # Sharing Across Scopes
//
// Artifacts are keyed by content digest, so a file indexed on one branch is
// only tagged, not recomputed, when the same content appears on another:
//
//	engine.Refresh(ctx, types.NewScope(repo, "main"))
//	engine.Refresh(ctx, types.NewScope(repo, "feature")) // AddTag only
//
// # Corruption
//
// A backend whose catalog fails validation is reset for the scope and
// rebuilt from the current snapshot; its summary reports Rebuilt.
//
// # Background Refreshes
//
// Watch keeps one scope current from file system events. Schedule refreshes
// every known scope on a cron expression:
//
//	w, _ := engine.Watch(scope, 500*time.Millisecond)
//	defer w.Close()
//
//	s, _ := engine.Schedule("@every 15m")
package indexer
