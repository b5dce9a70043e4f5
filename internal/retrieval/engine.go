package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/vectorstore"
)

// ErrEmptyDocument is returned when Ingest is called with no usable text.
var ErrEmptyDocument = errors.New("document contains no text to ingest")

// Embedder converts text into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store persists embedded documents and answers similarity queries.
type Store interface {
	Add(ctx context.Context, docs []vectorstore.Document) ([]uuid.UUID, error)
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, limit int, threshold float64) ([]vectorstore.ScoredDocument, error)
}

// Engine combines chunking, embedding and vector storage into the
// ingestion and retrieval operations the chat pipeline builds on.
type Engine struct {
	chunker  *Chunker
	embedder Embedder
	store    Store
	logger   log.Logger
}

// NewEngine wires a retrieval engine from its parts.
func NewEngine(chunker *Chunker, embedder Embedder, store Store, logger log.Logger) (*Engine, error) {
	if chunker == nil {
		return nil, errors.New("chunker is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{chunker: chunker, embedder: embedder, store: store, logger: logger}, nil
}

// IngestResult reports what a successful ingestion produced.
type IngestResult struct {
	DocumentIDs []uuid.UUID
	ChunkCount  int
}

// Ingest splits content into chunks, embeds every chunk, and stores them in a
// single transaction. Either all chunks of the document become searchable or
// none do.
func (e *Engine) Ingest(ctx context.Context, content string, metadata map[string]any) (*IngestResult, error) {
	chunks, err := e.chunker.Split(content, metadata)
	if err != nil {
		return nil, fmt.Errorf("chunking document: %w", err)
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(texts), err)
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = vectorstore.Document{
			Content:   c.Content,
			Embedding: embeddings[i],
			Metadata:  c.Metadata,
		}
	}

	ids, err := e.store.Add(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("storing %d chunks: %w", len(docs), err)
	}

	e.logger.InfoContext(ctx, "document ingested",
		"chunks", len(ids),
		"content_length", len(content))

	return &IngestResult{DocumentIDs: ids, ChunkCount: len(ids)}, nil
}

// Retrieve embeds the query and returns the most similar stored chunks,
// best match first. Only chunks strictly above threshold are returned.
func (e *Engine) Retrieve(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.ScoredDocument, error) {
	embedding, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	docs, err := e.store.SimilaritySearch(ctx, embedding, limit, threshold)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}

	e.logger.DebugContext(ctx, "retrieval complete",
		"results", len(docs),
		"limit", limit,
		"threshold", threshold)

	return docs, nil
}

// FormatForContext prepares retrieved chunks for prompt assembly: a copy of
// the input re-sorted by descending similarity. Store ordering is not trusted
// to survive intermediate hops, so the sort is repeated here rather than
// assumed.
func FormatForContext(docs []vectorstore.ScoredDocument) []vectorstore.ScoredDocument {
	ordered := make([]vectorstore.ScoredDocument, len(docs))
	copy(ordered, docs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Similarity > ordered[j].Similarity
	})
	return ordered
}
