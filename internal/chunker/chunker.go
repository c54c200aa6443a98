package chunker

import (
	"fmt"
	"strings"

	"github.com/dshills/tagindex/pkg/types"
)

const (
	// MaxTokensPerChunk is the target maximum token count per chunk
	MaxTokensPerChunk = 1000

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4

	// DefaultWindowLines is the height of a line window
	DefaultWindowLines = 60
	// DefaultWindowOverlap is how many lines consecutive windows share
	DefaultWindowOverlap = 10
)

// ChunkStrategy selects how a file is split
type ChunkStrategy int

const (
	// StrategyFunctionLevel creates one chunk per declaration for Go sources
	// and line windows for everything else
	StrategyFunctionLevel ChunkStrategy = iota
	// StrategyPackageLevel creates a single chunk for the entire file
	StrategyPackageLevel
	// StrategyWindow splits every file into overlapping line windows
	StrategyWindow
)

// Chunker creates chunks from file content. Chunks are keyed by the content
// digest, so the same bytes always produce the same chunks.
type Chunker struct {
	windowLines int
	overlap     int
	maxTokens   int
}

// New creates a Chunker with the default window settings
func New() *Chunker {
	return NewWithWindow(DefaultWindowLines, DefaultWindowOverlap)
}

// NewWithWindow creates a Chunker with custom line windows
func NewWithWindow(lines, overlap int) *Chunker {
	if lines <= 0 {
		lines = DefaultWindowLines
	}
	if overlap < 0 || overlap >= lines {
		overlap = 0
	}
	return &Chunker{windowLines: lines, overlap: overlap, maxTokens: MaxTokensPerChunk}
}

// ChunkSource splits content into chunks owned by digest. parseResult may be
// nil for files that were not parsed; they are split into line windows.
// Oversized chunks are split further, and chunks are numbered in order.
func (c *Chunker) ChunkSource(digest types.Digest, content []byte, parseResult *types.ParseResult, strategy ChunkStrategy) []*types.Chunk {
	lines := splitLines(string(content))
	if len(lines) == 0 {
		return nil
	}

	var chunks []*types.Chunk
	switch {
	case strategy == StrategyPackageLevel:
		pkg := ""
		if parseResult != nil {
			pkg = parseResult.PackageName
		}
		if ch := c.createPackageChunk(pkg, lines); ch != nil {
			chunks = append(chunks, ch)
		}
	case strategy == StrategyFunctionLevel && parseResult != nil && parseResult.PackageName != "":
		chunks = c.chunkSymbols(parseResult, lines)
	default:
		chunks = c.windows(lines, 1, types.ChunkWindow, "")
	}

	out := make([]*types.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, c.SplitOversizedChunk(ch)...)
	}
	for i, ch := range out {
		ch.Digest = digest
		ch.Index = i
	}
	return out
}

func (c *Chunker) chunkSymbols(parseResult *types.ParseResult, lines []string) []*types.Chunk {
	contextBefore := c.buildPackageContext(parseResult, lines)

	chunks := make([]*types.Chunk, 0)
	for i := range parseResult.Symbols {
		sym := &parseResult.Symbols[i]
		// Skip fields - they're included in their parent struct chunks
		if sym.Kind == types.KindField {
			continue
		}

		chunk := c.createChunkForSymbol(sym, lines, contextBefore)
		if chunk != nil {
			chunk.ContextAfter = c.ExtractRelatedContext(sym, parseResult.Symbols)
			chunk.ComputeTokenCount()
			chunks = append(chunks, chunk)
		}
	}

	// If no symbols were found, create a package-level chunk
	if len(chunks) == 0 {
		if chunk := c.createPackageChunk(parseResult.PackageName, lines); chunk != nil {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// createChunkForSymbol creates a chunk for a specific symbol
func (c *Chunker) createChunkForSymbol(sym *types.Symbol, lines []string, contextBefore string) *types.Chunk {
	if sym.Start.Line <= 0 || sym.End.Line <= 0 || sym.Start.Line > len(lines) {
		return nil
	}

	// Adjust for 0-based indexing
	startIdx := sym.Start.Line - 1
	endIdx := sym.End.Line
	if endIdx > len(lines) {
		endIdx = len(lines)
	}

	content := strings.Join(lines[startIdx:endIdx], "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}

	chunk := &types.Chunk{
		Content:       content,
		ContextBefore: contextBefore,
		StartLine:     sym.Start.Line,
		EndLine:       endIdx,
		ChunkType:     c.symbolKindToChunkType(sym.Kind),
		SymbolName:    sym.Name,
	}
	chunk.ComputeTokenCount()
	return chunk
}

// createPackageChunk creates a package-level chunk when no symbols are found
func (c *Chunker) createPackageChunk(packageName string, lines []string) *types.Chunk {
	content := strings.Join(lines, "\n")
	if strings.TrimSpace(content) == "" {
		return nil
	}

	chunk := &types.Chunk{
		Content:    content,
		StartLine:  1,
		EndLine:    len(lines),
		ChunkType:  types.ChunkPackage,
		SymbolName: packageName,
	}
	chunk.ComputeTokenCount()
	return chunk
}

// windows cuts lines into overlapping windows. firstLine is the 1-based
// line number of lines[0].
func (c *Chunker) windows(lines []string, firstLine int, kind types.ChunkType, symbol string) []*types.Chunk {
	step := c.windowLines - c.overlap
	var out []*types.Chunk
	for start := 0; start < len(lines); start += step {
		end := start + c.windowLines
		if end > len(lines) {
			end = len(lines)
		}
		content := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(content) != "" {
			ch := &types.Chunk{
				Content:    content,
				StartLine:  firstLine + start,
				EndLine:    firstLine + end - 1,
				ChunkType:  kind,
				SymbolName: symbol,
			}
			ch.ComputeTokenCount()
			out = append(out, ch)
		}
		if end == len(lines) {
			break
		}
	}
	return out
}

// buildPackageContext builds the context information (package + imports)
func (c *Chunker) buildPackageContext(parseResult *types.ParseResult, lines []string) string {
	var context strings.Builder

	if parseResult.PackageName != "" {
		context.WriteString(fmt.Sprintf("package %s\n\n", parseResult.PackageName))
	}

	if len(parseResult.Imports) > 0 {
		context.WriteString("import (\n")
		for _, imp := range parseResult.Imports {
			if imp.Alias != "" {
				context.WriteString(fmt.Sprintf("\t%s \"%s\"\n", imp.Alias, imp.Path))
			} else {
				context.WriteString(fmt.Sprintf("\t\"%s\"\n", imp.Path))
			}
		}
		context.WriteString(")\n")
	}

	return context.String()
}

// symbolKindToChunkType maps symbol kinds to chunk types
func (c *Chunker) symbolKindToChunkType(kind types.SymbolKind) types.ChunkType {
	switch kind {
	case types.KindFunction:
		return types.ChunkFunction
	case types.KindMethod:
		return types.ChunkMethod
	case types.KindStruct, types.KindInterface, types.KindType:
		return types.ChunkTypeDecl
	case types.KindConst:
		return types.ChunkConstGroup
	case types.KindVar:
		return types.ChunkVarGroup
	default:
		return types.ChunkPackage
	}
}

// SplitOversizedChunk splits a chunk above MaxTokensPerChunk into line
// windows that keep its type, symbol and context
func (c *Chunker) SplitOversizedChunk(chunk *types.Chunk) []*types.Chunk {
	if chunk.TokenCount <= c.maxTokens {
		return []*types.Chunk{chunk}
	}

	lines := strings.Split(chunk.Content, "\n")
	if len(lines) <= 1 {
		return []*types.Chunk{chunk}
	}
	parts := c.windows(lines, chunk.StartLine, chunk.ChunkType, chunk.SymbolName)
	for _, p := range parts {
		p.ContextBefore = chunk.ContextBefore
		p.ComputeTokenCount()
	}
	return parts
}

// ExtractRelatedContext finds related symbols that provide context for a chunk
func (c *Chunker) ExtractRelatedContext(sym *types.Symbol, allSymbols []types.Symbol) string {
	var related []string

	// For methods, find the receiver type
	if sym.Kind == types.KindMethod && sym.Receiver != "" {
		for i := range allSymbols {
			s := &allSymbols[i]
			if s.Kind == types.KindStruct && s.Name == sym.Receiver {
				related = append(related, fmt.Sprintf("// Receiver: %s", s.Signature))
				break
			}
		}
	}

	// For types, find related methods
	if sym.Kind == types.KindStruct {
		for i := range allSymbols {
			s := &allSymbols[i]
			if s.Kind == types.KindMethod && s.Receiver == sym.Name {
				related = append(related, fmt.Sprintf("// Method: %s", s.Signature))
			}
		}
	}

	if len(related) == 0 {
		return ""
	}

	return strings.Join(related, "\n")
}

// splitLines splits on newlines, dropping the empty element after a
// trailing newline
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return len(text) / TokensPerChar
}
