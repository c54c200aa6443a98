// Package chunker divides file content into chunks for embedding and
// full-text search.
//
// Go sources with a parse result are chunked at declaration boundaries;
// every other file is cut into overlapping line windows.
//
// # Basic Usage
//
//	parsed, _ := parser.New().ParseSource(path, content)
//	chunks := chunker.New().ChunkSource(digest, content, parsed, chunker.StrategyFunctionLevel)
//
//	for _, chunk := range chunks {
//	    fmt.Printf("chunk %d: %d tokens, lines %d-%d\n",
//	        chunk.Index, chunk.TokenCount, chunk.StartLine, chunk.EndLine)
//	}
//
// # Chunking Strategy
//
// Declaration chunks:
//   - Functions: Complete function body with signature
//   - Methods: Complete method including receiver
//   - Types: Full type declaration (struct, interface, etc.)
//   - Const/var groups: Related declarations together
//
// Each declaration chunk carries context:
//   - ContextBefore: Package declaration and imports
//   - ContextAfter: The receiver type of a method, or the methods of a struct
//
// # Chunk Sizing
//
// Token counts use the chars/4 heuristic. A chunk above MaxTokensPerChunk is
// split into line windows that keep its type, symbol name and context.
//
// # Identity
//
// Chunks carry the digest of the bytes they came from and their position in
// that digest's chunk list. Chunking is deterministic, so recomputing the
// same digest after a crash yields identical chunks.
package chunker
