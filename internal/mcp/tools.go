package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/tagindex/internal/backend/chunkcache"
	"github.com/dshills/tagindex/internal/backend/symbols"
	"github.com/dshills/tagindex/internal/indexer"
	"github.com/dshills/tagindex/internal/searcher"
	"github.com/dshills/tagindex/internal/storage"
	"github.com/dshills/tagindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams   = -32602 // Invalid method parameters
	ErrorCodeInternalError   = -32603 // Internal JSON-RPC error
	ErrorCodeScopeNotFound   = -32001 // Scope directory does not exist
	ErrorCodeRefreshCanceled = -32002 // Refresh was superseded or cancelled
	ErrorCodeNotIndexed      = -32003 // Scope or path not indexed
	ErrorCodeEmptyQuery      = -32004 // Query parameter is empty
)

// handleRefreshScope handles the refresh_scope tool invocation
func (s *Server) handleRefreshScope(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}

	var stream *indexer.RefreshStream
	if file := getStringDefault(args, "file", ""); file != "" {
		stream, err = s.engine.RefreshFile(ctx, scope, file)
	} else {
		stream, err = s.engine.Refresh(ctx, scope)
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "failed to start refresh", map[string]interface{}{
			"error": err.Error(),
		})
	}

	notify := s.progressNotifier(ctx, request)
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			break
		}
		notify(ev)
	}
	if ctx.Err() != nil {
		stream.Cancel()
	}
	summary, runErr := stream.Wait()
	s.invalidate(scope)

	if summary.Status == types.StatusCancelled {
		return nil, newMCPError(ErrorCodeRefreshCanceled, "refresh cancelled", map[string]interface{}{
			"run_id": summary.RunID,
		})
	}

	response := summaryResponse(summary)
	if runErr != nil {
		response["error"] = runErr.Error()
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// progressNotifier forwards refresh events to the client when the request
// carries a progress token
func (s *Server) progressNotifier(ctx context.Context, request mcp.CallToolRequest) func(types.Progress) {
	if request.Params.Meta == nil || request.Params.Meta.ProgressToken == nil {
		return func(types.Progress) {}
	}
	token := request.Params.Meta.ProgressToken
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return func(types.Progress) {}
	}
	sent := 0
	return func(ev types.Progress) {
		sent++
		msg := string(ev.Status)
		if ev.Backend != "" {
			msg = ev.Backend + ": " + msg
		}
		if ev.Description != "" {
			msg += " (" + ev.Description + ")"
		}
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      sent,
			"message":       msg,
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("failed to send progress")
		}
	}
}

func (s *Server) invalidate(scope types.Scope) {
	s.searcher.InvalidateScope(scope)
	if s.symbols != nil {
		s.symbols.Invalidate(scope)
	}
}

func summaryResponse(summary *types.Summary) map[string]interface{} {
	backends := make([]map[string]interface{}, 0, len(summary.Backends))
	for _, b := range summary.Backends {
		entry := map[string]interface{}{
			"backend":   b.Backend,
			"status":    string(b.Status),
			"computed":  b.Computed,
			"added":     b.Added,
			"removed":   b.Removed,
			"deleted":   b.Deleted,
			"unchanged": b.Unchanged,
			"warnings":  len(b.Warnings),
		}
		if b.Rebuilt {
			entry["rebuilt"] = true
		}
		if b.Err != nil {
			entry["error"] = b.Err.Error()
		}
		backends = append(backends, entry)
	}

	response := map[string]interface{}{
		"run_id":      summary.RunID,
		"scope":       summary.Scope.Key(),
		"status":      string(summary.Status),
		"files":       summary.Files,
		"truncated":   summary.Truncated,
		"duration_ms": summary.Duration.Milliseconds(),
		"backends":    backends,
	}

	// Include first few paths
	if failed := summary.FailedPaths(); len(failed) > 0 {
		response["failed_paths"] = truncateList(failed, 5)
		response["failed_count"] = len(failed)
	}
	if len(summary.SkippedPaths) > 0 {
		response["skipped_paths"] = truncateList(summary.SkippedPaths, 5)
		response["skipped_count"] = len(summary.SkippedPaths)
	}
	return response
}

func truncateList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// handleGetIndexedPaths handles the get_indexed_paths tool invocation
func (s *Server) handleGetIndexedPaths(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	var scopes []types.Scope
	if _, hasPath := args["path"]; hasPath {
		_, scope, err := scopeArgs(request)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	paths, err := s.engine.GetIndexedPaths(ctx, scopes)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list indexed paths", map[string]interface{}{
			"error": err.Error(),
		})
	}
	response := map[string]interface{}{
		"paths": paths,
		"count": len(paths),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleClearScope handles the clear_scope tool invocation
func (s *Server) handleClearScope(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Clear(ctx, scope); err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to clear scope", map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.invalidate(scope)
	response := map[string]interface{}{
		"cleared": true,
		"scope":   scope.Key(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := getIntDefault(args, "limit", searcher.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	searchMode := searcher.SearchMode(getStringDefault(args, "search_mode", string(searcher.SearchModeHybrid)))
	switch searchMode {
	case searcher.SearchModeHybrid, searcher.SearchModeVector, searcher.SearchModeKeyword:
	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid search_mode", map[string]interface{}{
			"param":   "search_mode",
			"value":   searchMode,
			"allowed": []string{"hybrid", "vector", "keyword"},
		})
	}

	filters, err := parseFilters(args)
	if err != nil {
		return nil, err
	}

	resp, err := s.searcher.Search(ctx, searcher.SearchRequest{
		Query:    query,
		Scope:    scope,
		Limit:    limit,
		Mode:     searchMode,
		Filters:  filters,
		UseCache: getBoolDefault(args, "use_cache", true),
	})
	if errors.Is(err, searcher.ErrNoEmbedder) {
		return nil, newMCPError(ErrorCodeInvalidParams, "vector search is not available", map[string]interface{}{
			"param": "search_mode",
			"error": err.Error(),
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		result := map[string]interface{}{
			"rank":            r.Rank,
			"relevance_score": r.RelevanceScore,
			"content":         r.Content,
		}
		if r.File != nil {
			result["file"] = map[string]interface{}{
				"path":       r.File.Path,
				"package":    r.File.Package,
				"start_line": r.File.StartLine,
				"end_line":   r.File.EndLine,
			}
		}
		if r.Symbol != nil {
			result["symbol"] = symbolResponse(*r.Symbol)
		}
		if r.Context != "" {
			result["context"] = r.Context
		}
		results = append(results, result)
	}

	response := map[string]interface{}{
		"results":        results,
		"total_results":  resp.TotalResults,
		"search_mode":    string(resp.SearchMode),
		"duration_ms":    resp.Duration.Milliseconds(),
		"cache_hit":      resp.CacheHit,
		"vector_results": resp.VectorResults,
		"text_results":   resp.TextResults,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func parseFilters(args map[string]interface{}) (*storage.SearchFilters, error) {
	raw, ok := args["filters"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	filters := &storage.SearchFilters{
		FilePattern: getStringDefault(raw, "file_pattern", ""),
	}
	if v, ok := raw["min_relevance"].(float64); ok {
		if v < 0 || v > 1 {
			return nil, newMCPError(ErrorCodeInvalidParams, "min_relevance must be between 0 and 1", map[string]interface{}{
				"param": "filters.min_relevance",
				"value": v,
			})
		}
		filters.MinRelevance = v
	}
	if list, ok := raw["chunk_types"].([]interface{}); ok {
		for _, item := range list {
			str, ok := item.(string)
			if !ok {
				return nil, newMCPError(ErrorCodeInvalidParams, "chunk_types must be strings", map[string]interface{}{
					"param": "filters.chunk_types",
				})
			}
			filters.ChunkTypes = append(filters.ChunkTypes, str)
		}
	}
	return filters, nil
}

func symbolResponse(sym types.Symbol) map[string]interface{} {
	out := map[string]interface{}{
		"name":       sym.Name,
		"kind":       string(sym.Kind),
		"package":    sym.Package,
		"signature":  sym.Signature,
		"start_line": sym.Start.Line,
		"end_line":   sym.End.Line,
	}
	if sym.Receiver != "" {
		out["receiver"] = sym.Receiver
	}
	if sym.DocComment != "" {
		out["doc_comment"] = sym.DocComment
	}
	return out
}

// handleFindSymbol handles the find_symbol tool invocation
func (s *Server) handleFindSymbol(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}
	name := getStringDefault(args, "name", "")
	if name == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "name parameter is required", map[string]interface{}{
			"param":  "name",
			"reason": "missing or empty",
		})
	}

	hits, err := s.searcher.FindSymbols(ctx, scope, name, getIntDefault(args, "limit", 20))
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "symbol lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	symbolsOut := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		entry := symbolResponse(h.Symbol)
		entry["path"] = h.Path
		symbolsOut = append(symbolsOut, entry)
	}
	response := map[string]interface{}{
		"symbols": symbolsOut,
		"count":   len(symbolsOut),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleResolveImports handles the resolve_imports tool invocation
func (s *Server) handleResolveImports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}
	file, err := fileArg(args)
	if err != nil {
		return nil, err
	}

	imports, err := s.symbols.Resolve(ctx, scope, file)
	if errors.Is(err, symbols.ErrNotIndexed) {
		return nil, newMCPError(ErrorCodeNotIndexed, "file is not indexed", map[string]interface{}{
			"file": file,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to resolve imports", map[string]interface{}{
			"error": err.Error(),
		})
	}

	out := make([]map[string]interface{}, 0, len(imports))
	for _, imp := range imports {
		entry := map[string]interface{}{
			"path":  imp.Path,
			"local": imp.Local(),
		}
		if imp.Alias != "" {
			entry["alias"] = imp.Alias
		}
		if imp.Package != nil {
			defs := make([]string, 0, len(imp.Package.Symbols))
			for _, sym := range imp.Package.Symbols {
				defs = append(defs, sym.Name)
			}
			entry["package"] = map[string]interface{}{
				"dir":     imp.Package.Dir,
				"name":    imp.Package.Name,
				"files":   imp.Package.Files,
				"symbols": defs,
			}
		}
		out = append(out, entry)
	}
	response := map[string]interface{}{
		"file":    scope.NormalizePath(file),
		"imports": out,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetChunks handles the get_chunks tool invocation
func (s *Server) handleGetChunks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}
	file, err := fileArg(args)
	if err != nil {
		return nil, err
	}

	chunks, err := s.chunks.Lookup(ctx, scope, scope.NormalizePath(file))
	if errors.Is(err, chunkcache.ErrNotCached) {
		return nil, newMCPError(ErrorCodeNotIndexed, "file is not indexed", map[string]interface{}{
			"file": file,
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to load chunks", map[string]interface{}{
			"error": err.Error(),
		})
	}

	out := make([]map[string]interface{}, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, map[string]interface{}{
			"index":       c.Index,
			"type":        string(c.ChunkType),
			"symbol":      c.SymbolName,
			"start_line":  c.StartLine,
			"end_line":    c.EndLine,
			"token_count": c.TokenCount,
			"content":     c.Content,
		})
	}
	response := map[string]interface{}{
		"file":   scope.NormalizePath(file),
		"chunks": out,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, scope, err := scopeArgs(request)
	if err != nil {
		return nil, err
	}

	status, err := s.engine.Status(ctx, scope)
	if errors.Is(err, storage.ErrNotFound) {
		// Scope not indexed
		response := map[string]interface{}{
			"indexed": false,
			"scope":   scope.Key(),
			"message": "Scope not indexed. Use refresh_scope tool to index it.",
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to get status", map[string]interface{}{
			"error": err.Error(),
		})
	}

	backends := make(map[string]interface{}, len(status.Backends))
	for name, b := range status.Backends {
		backends[name] = map[string]interface{}{
			"entries":   b.Entries,
			"artifacts": b.Artifacts,
		}
	}
	response := map[string]interface{}{
		"indexed":  true,
		"scope":    status.Scope.Key(),
		"branch":   status.Scope.Branch,
		"backends": backends,
		"paused":   s.engine.Paused(),
	}
	if status.LastStatus != "" {
		response["last_status"] = string(status.LastStatus)
	}
	if !status.LastRefreshedAt.IsZero() {
		response["last_refreshed_at"] = status.LastRefreshedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleVacuum handles the vacuum tool invocation
func (s *Server) handleVacuum(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	removed, err := s.engine.Vacuum(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "vacuum failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	response := map[string]interface{}{
		"removed": removed,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSetPaused handles the set_paused tool invocation
func (s *Server) handleSetPaused(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	paused, ok := args["paused"].(bool)
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "paused parameter is required", map[string]interface{}{
			"param":  "paused",
			"reason": "missing or not a boolean",
		})
	}
	if paused {
		s.engine.Pause()
	} else {
		s.engine.Resume()
	}
	response := map[string]interface{}{
		"paused": s.engine.Paused(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// scopeArgs extracts the arguments and the scope named by path and branch
func scopeArgs(request mcp.CallToolRequest) (map[string]interface{}, types.Scope, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, types.Scope{}, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, types.Scope{}, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	// Validate path exists and is accessible
	if err := validatePath(path); err != nil {
		code := ErrorCodeInvalidParams
		if errors.Is(err, ErrPathNotFound) {
			code = ErrorCodeScopeNotFound
		}
		return nil, types.Scope{}, newMCPError(code, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	scope, err := indexer.ScopeFor(path, getStringDefault(args, "branch", ""))
	if err != nil {
		return nil, types.Scope{}, newMCPError(ErrorCodeInvalidParams, "invalid scope", map[string]interface{}{
			"param":  "branch",
			"reason": err.Error(),
		})
	}
	return args, scope, nil
}

func fileArg(args map[string]interface{}) (string, error) {
	file := getStringDefault(args, "file", "")
	if file == "" {
		return "", newMCPError(ErrorCodeInvalidParams, "file parameter is required", map[string]interface{}{
			"param":  "file",
			"reason": "missing or empty",
		})
	}
	return file, nil
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validatePath checks if a path is an absolute, readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
