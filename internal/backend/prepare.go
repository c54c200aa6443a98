package backend

import (
	"github.com/dshills/tagindex/internal/chunker"
	"github.com/dshills/tagindex/internal/parser"
	"github.com/dshills/tagindex/pkg/types"
)

// Prepared is an item's verified content and what was derived from it
type Prepared struct {
	Item    types.PathAndDigest
	Content []byte
	// Parsed is nil for files that are not Go sources
	Parsed *types.ParseResult
	Chunks []*types.Chunk
}

// Preparer reads, parses and chunks items. It is safe for concurrent use.
type Preparer struct {
	parser  *parser.Parser
	chunker *chunker.Chunker
}

// NewPreparer creates a Preparer; a nil chunker uses chunker.New()
func NewPreparer(c *chunker.Chunker) *Preparer {
	if c == nil {
		c = chunker.New()
	}
	return &Preparer{parser: parser.New(), chunker: c}
}

// Parse reads item and parses it when it is a Go source
func (p *Preparer) Parse(item types.PathAndDigest) (*Prepared, error) {
	content, err := ReadVerified(item)
	if err != nil {
		return nil, err
	}
	prep := &Prepared{Item: item, Content: content}
	if parser.IsGoSource(item.Path) {
		res, err := p.parser.ParseSource(item.Path, content)
		if err != nil {
			return nil, ItemError(item, err)
		}
		prep.Parsed = res
	}
	return prep, nil
}

// Prepare parses item and splits it into chunks. Sources with syntax errors
// are chunked by line windows.
func (p *Preparer) Prepare(item types.PathAndDigest) (*Prepared, error) {
	prep, err := p.Parse(item)
	if err != nil {
		return nil, err
	}
	parsed := prep.Parsed
	if parsed != nil && parsed.HasErrors() {
		parsed = nil
	}
	prep.Chunks = p.chunker.ChunkSource(item.Digest, prep.Content, parsed, chunker.StrategyFunctionLevel)
	return prep, nil
}
