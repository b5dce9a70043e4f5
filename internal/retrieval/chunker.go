// Package retrieval turns raw documents into embedded chunks and answers
// similarity queries over them.
package retrieval

import (
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"
)

// chunkSeparators are tried in order, preferring paragraph boundaries over
// sentence and word boundaries.
var chunkSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker splits document text into overlapping chunks sized for embedding.
type Chunker struct {
	splitter  textsplitter.RecursiveCharacter
	chunkSize int
	overlap   int
}

// NewChunker returns a Chunker producing chunks of at most chunkSize runes
// with the given overlap between consecutive chunks.
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", chunkSize, overlap)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(chunkSeparators),
	)

	return &Chunker{splitter: splitter, chunkSize: chunkSize, overlap: overlap}, nil
}

// Chunk represents a single piece of a source document.
type Chunk struct {
	Content  string
	Metadata map[string]any
}

// Split breaks content into chunks. Each chunk carries the base metadata
// plus its position within the source document.
func (c *Chunker) Split(content string, baseMetadata map[string]any) ([]Chunk, error) {
	pieces, err := c.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	kept := pieces[:0]
	for _, piece := range pieces {
		if piece != "" {
			kept = append(kept, piece)
		}
	}

	chunks := make([]Chunk, 0, len(kept))
	for i, piece := range kept {
		metadata := make(map[string]any, len(baseMetadata)+3)
		for k, v := range baseMetadata {
			metadata[k] = v
		}
		metadata["chunk_index"] = i
		metadata["total_chunks"] = len(kept)
		metadata["original_doc_length"] = len(content)
		chunks = append(chunks, Chunk{Content: piece, Metadata: metadata})
	}

	return chunks, nil
}
