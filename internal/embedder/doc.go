// Package embedder is the remote-compute client behind the embeddings
// backend. It turns batches of chunk texts into vectors using Jina AI,
// OpenAI, or a deterministic local provider.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "openai", CacheSize: 10000})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: texts, // at most emb.MaxBatchSize()
//	})
//
// # Provider Selection
//
// With an empty Config.Provider the provider is detected from the environment:
//
//  1. If TAGINDEX_EMBEDDING_PROVIDER is set, use that provider
//  2. Else if JINA_API_KEY is set, use Jina AI
//  3. Else if OPENAI_API_KEY is set, use OpenAI
//  4. Else fall back to the local provider (offline mode)
//
// Dimensions: Jina 1024, OpenAI 1536, local 384.
//
// # Errors and Retries
//
// Failures are classified before they leave the package. Network errors and
// HTTP 408, 429 and 5xx responses are *types.TransientComputeError; other
// responses are *types.PermanentItemError. Only transient errors are retried,
// with exponential backoff plus up to RetryConfig.JitterFraction of random
// jitter, and every attempt first waits on the provider's rate limiter:
//
//	resp, err := emb.GenerateBatch(ctx, req)
//	switch {
//	case types.IsTransient(err):
//	    // leave the items pending for the next refresh
//	case types.IsPermanent(err):
//	    // split the batch to find the offending text
//	}
//
// # Caching
//
// Config.CacheSize enables an LRU keyed by the SHA-256 of each text. Texts
// already cached are never sent to the provider, and duplicate texts within
// a batch are sent once.
package embedder
