package types

import (
	"errors"
	"strings"
)

// ChunkType represents the type of code chunk
type ChunkType string

const (
	ChunkFunction   ChunkType = "function"
	ChunkTypeDecl   ChunkType = "type"
	ChunkMethod     ChunkType = "method"
	ChunkPackage    ChunkType = "package"
	ChunkConstGroup ChunkType = "const_group"
	ChunkVarGroup   ChunkType = "var_group"
	ChunkWindow     ChunkType = "window"
)

// Chunk is a section of a file's content. Chunks belong to a content digest,
// never to a path, so every scope holding that content shares them.
type Chunk struct {
	ID     int64
	Digest Digest
	Index  int // position within the digest's chunk list

	// Content
	Content       string
	TokenCount    int
	ContextBefore string // Package, imports
	ContextAfter  string // Related declarations

	// Location
	StartLine int
	EndLine   int

	// Metadata
	ChunkType  ChunkType
	SymbolName string
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}

	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}

	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	return nil
}

// ComputeTokenCount estimates the number of tokens in the chunk
// Uses a simple heuristic: characters / 4
func (c *Chunk) ComputeTokenCount() int {
	totalChars := len(c.Content) + len(c.ContextBefore) + len(c.ContextAfter)
	c.TokenCount = totalChars / 4
	return c.TokenCount
}

// ValidateChunkType checks if the chunk type is valid
func (c *Chunk) ValidateChunkType() error {
	switch c.ChunkType {
	case ChunkFunction, ChunkTypeDecl, ChunkMethod, ChunkPackage, ChunkConstGroup, ChunkVarGroup, ChunkWindow:
		return nil
	default:
		return errors.New("invalid chunk type")
	}
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if err := c.ValidateContent(); err != nil {
		return err
	}

	if err := c.ValidateChunkType(); err != nil {
		return err
	}

	if c.Digest.IsZero() {
		return errors.New("chunk digest is required")
	}

	return nil
}

// FullContent returns the complete content including context
func (c *Chunk) FullContent() string {
	var b strings.Builder
	if c.ContextBefore != "" {
		b.WriteString(c.ContextBefore)
		b.WriteString("\n\n")
	}
	b.WriteString(c.Content)
	if c.ContextAfter != "" {
		b.WriteString("\n\n")
		b.WriteString(c.ContextAfter)
	}
	return b.String()
}
