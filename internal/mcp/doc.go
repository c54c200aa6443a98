// Package mcp implements the Model Context Protocol (MCP) server for tagindex.
//
// Every tool addresses a scope with two arguments: path, the absolute root
// directory, and branch, the tag of the scope. When branch is omitted the
// branch checked out in the directory is used, or NONE outside git.
//
// The server exposes these tools:
//   - refresh_scope: Bring every backend up to date with a scope
//   - get_indexed_paths: List the paths indexed for one or all scopes
//   - clear_scope: Drop a scope from every backend
//   - search_code: Hybrid, vector or keyword search within a scope
//   - find_symbol: Look declarations up by name
//   - resolve_imports: Resolve a Go file's imports within its module
//   - get_chunks: Return the cached chunks of a file
//   - get_status: Last refresh outcome and per-backend counts
//   - vacuum: Remove artifacts no scope references
//   - set_paused: Pause or resume work between batches
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started with:
//
//	tagindex serve
//
// # Tool: refresh_scope
//
//	Request:
//	{
//	  "name": "refresh_scope",
//	  "arguments": {"path": "/path/to/project", "branch": "main"}
//	}
//
//	Response:
//	{
//	  "run_id": "5b0c…",
//	  "scope": "main@/path/to/project",
//	  "status": "done",
//	  "files": 247,
//	  "backends": [
//	    {"backend": "embeddings", "computed": 3, "added": 1, "removed": 0, "deleted": 2, "unchanged": 241}
//	  ]
//	}
//
// When the request carries a progress token, each refresh event is sent to
// the client as a notifications/progress message. A refresh superseded by a
// newer refresh of the same scope fails with code -32002.
//
// # Error Codes
//
//	-32602: Invalid parameters
//	-32603: Internal error
//	-32001: Scope directory not found
//	-32002: Refresh cancelled
//	-32003: Scope or file not indexed
//	-32004: Empty query
package mcp
