package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// scopeProperties are the parameters naming a scope
func scopeProperties() map[string]interface{} {
	return map[string]interface{}{
		"path": map[string]interface{}{
			"type":        "string",
			"description": "Absolute path to the scope's root directory",
		},
		"branch": map[string]interface{}{
			"type":        "string",
			"description": "Branch tag of the scope. Defaults to the branch checked out in the directory, or NONE outside git",
		},
	}
}

func withProperties(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// refreshScopeTool returns the tool definition for refresh_scope
func refreshScopeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "refresh_scope",
		Description: "Bring every index backend up to date with a directory on a branch. Unchanged content is never recomputed, and content shared with other scopes is only tagged",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: withProperties(scopeProperties(), map[string]interface{}{
				"file": map[string]interface{}{
					"type":        "string",
					"description": "Refresh only this file (absolute or relative to path)",
				},
			}),
			Required: []string{"path"},
		},
	}
}

// getIndexedPathsTool returns the tool definition for get_indexed_paths
func getIndexedPathsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_indexed_paths",
		Description: "List the indexed file paths of a scope, or of every scope when path is omitted",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: scopeProperties(),
		},
	}
}

// clearScopeTool returns the tool definition for clear_scope
func clearScopeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "clear_scope",
		Description: "Remove a scope from every index. Content still used by other scopes is kept",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: scopeProperties(),
			Required:   []string{"path"},
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search the indexed code of a scope with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: withProperties(scopeProperties(), map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query (natural language or keywords)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"search_mode": map[string]interface{}{
					"type":        "string",
					"description": "Search mode: hybrid (default), vector, or keyword",
					"enum":        []string{"hybrid", "vector", "keyword"},
					"default":     "hybrid",
				},
				"use_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "Serve repeated queries from the result cache",
					"default":     true,
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						"chunk_types": map[string]interface{}{
							"type":        "array",
							"description": "Filter by chunk kind",
							"items": map[string]interface{}{
								"type": "string",
								"enum": []string{"function", "method", "type", "package", "const_group", "var_group", "window"},
							},
						},
						"file_pattern": map[string]interface{}{
							"type":        "string",
							"description": "Glob pattern for file paths (e.g., 'internal/*')",
						},
						"min_relevance": map[string]interface{}{
							"type":        "number",
							"description": "Minimum relevance score (0.0-1.0)",
							"minimum":     0,
							"maximum":     1,
						},
					},
				},
			}),
			Required: []string{"path", "query"},
		},
	}
}

// findSymbolTool returns the tool definition for find_symbol
func findSymbolTool() mcp.Tool {
	return mcp.Tool{
		Name:        "find_symbol",
		Description: "Find declarations by name in the indexed files of a scope",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: withProperties(scopeProperties(), map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Symbol name or prefix",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of symbols to return",
					"default":     20,
				},
			}),
			Required: []string{"path", "name"},
		},
	}
}

// resolveImportsTool returns the tool definition for resolve_imports
func resolveImportsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "resolve_imports",
		Description: "List the imports of an indexed Go file, resolving packages of the scope's own module to their definitions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: withProperties(scopeProperties(), map[string]interface{}{
				"file": map[string]interface{}{
					"type":        "string",
					"description": "File path relative to the scope root",
				},
			}),
			Required: []string{"path", "file"},
		},
	}
}

// getChunksTool returns the tool definition for get_chunks
func getChunksTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_chunks",
		Description: "Return the cached chunks of an indexed file",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: withProperties(scopeProperties(), map[string]interface{}{
				"file": map[string]interface{}{
					"type":        "string",
					"description": "File path relative to the scope root",
				},
			}),
			Required: []string{"path", "file"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Get the last refresh outcome and per-backend counts of a scope",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: scopeProperties(),
			Required:   []string{"path"},
		},
	}
}

// vacuumTool returns the tool definition for vacuum
func vacuumTool() mcp.Tool {
	return mcp.Tool{
		Name:        "vacuum",
		Description: "Remove artifacts no scope references anymore",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// setPausedTool returns the tool definition for set_paused
func setPausedTool() mcp.Tool {
	return mcp.Tool{
		Name:        "set_paused",
		Description: "Pause or resume background indexing work between batches",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"paused": map[string]interface{}{
					"type":        "boolean",
					"description": "True to pause, false to resume",
				},
			},
			Required: []string{"paused"},
		},
	}
}
