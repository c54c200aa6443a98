package mcp

import (
	"context"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/tagindex/internal/backend/chunkcache"
	"github.com/dshills/tagindex/internal/backend/symbols"
	"github.com/dshills/tagindex/internal/indexer"
	"github.com/dshills/tagindex/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "tagindex"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Deps are the services the tools call into. Symbols and Chunks are
// optional; their tools are only registered when set.
type Deps struct {
	Engine   *indexer.Engine
	Searcher *searcher.Searcher
	Symbols  *symbols.Resolver
	Chunks   *chunkcache.Backend
	Logger   zerolog.Logger
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	engine   *indexer.Engine
	searcher *searcher.Searcher
	symbols  *symbols.Resolver
	chunks   *chunkcache.Backend
	log      zerolog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if deps.Searcher == nil {
		return nil, errors.New("searcher is required")
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:      mcpServer,
		engine:   deps.Engine,
		searcher: deps.Searcher,
		symbols:  deps.Symbols,
		chunks:   deps.Chunks,
		log:      deps.Logger.With().Str("component", "mcp").Logger(),
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying protocol server
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve runs the MCP server on stdio until ctx is done or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Str("version", ServerVersion).Msg("serving on stdio")
	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(refreshScopeTool(), s.handleRefreshScope)
	s.mcp.AddTool(getIndexedPathsTool(), s.handleGetIndexedPaths)
	s.mcp.AddTool(clearScopeTool(), s.handleClearScope)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(findSymbolTool(), s.handleFindSymbol)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(vacuumTool(), s.handleVacuum)
	s.mcp.AddTool(setPausedTool(), s.handleSetPaused)

	if s.symbols != nil {
		s.mcp.AddTool(resolveImportsTool(), s.handleResolveImports)
	}
	if s.chunks != nil {
		s.mcp.AddTool(getChunksTool(), s.handleGetChunks)
	}
}
