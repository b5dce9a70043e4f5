// Package knowledge manages the document base behind retrieval: ingestion,
// replacement, deletion, listing and ad-hoc similarity search.
package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/retrieval"
	"github.com/lumakb/luma/internal/vectorstore"
)

// Search defaults applied when a caller does not constrain the query.
const (
	DefaultSearchLimit     = 10
	DefaultSearchThreshold = 0.5
)

// ErrEmptyContent is returned for inputs carrying no document text.
var ErrEmptyContent = errors.New("document content must not be empty")

// Engine is the slice of the retrieval engine the knowledge service drives.
type Engine interface {
	Ingest(ctx context.Context, content string, metadata map[string]any) (*retrieval.IngestResult, error)
	Retrieve(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.ScoredDocument, error)
}

// Embedder embeds replacement content before it is written back.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Store is the slice of the vector store the knowledge service manages
// directly, bypassing chunking.
type Store interface {
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	ListAll(ctx context.Context) ([]vectorstore.StoredDocument, error)
	Update(ctx context.Context, id uuid.UUID, content string, embedding []float32, metadata map[string]any) (bool, error)
}

// Service exposes knowledge-base management operations.
type Service struct {
	engine   Engine
	embedder Embedder
	store    Store
	logger   log.Logger
}

// NewService wires a knowledge service.
func NewService(engine Engine, embedder Embedder, store Store, logger log.Logger) (*Service, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
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
	return &Service{engine: engine, embedder: embedder, store: store, logger: logger}, nil
}

// DocumentInput is one document submitted for ingestion.
type DocumentInput struct {
	Content  string
	Metadata map[string]any
}

// UpdateResult reports what an ingestion produced.
type UpdateResult struct {
	ProcessedCount int
	ChunkCount     int
	DocumentIDs    []uuid.UUID
}

// UpdateKnowledge ingests a batch of documents. The first failing document
// aborts the batch: documents processed before it are already stored, and
// the returned error tells the caller where ingestion stopped.
func (s *Service) UpdateKnowledge(ctx context.Context, docs []DocumentInput) (*UpdateResult, error) {
	if len(docs) == 0 {
		return nil, errors.New("no documents to ingest")
	}
	for i, doc := range docs {
		if doc.Content == "" {
			return nil, fmt.Errorf("document %d: %w", i, ErrEmptyContent)
		}
	}

	result := &UpdateResult{}
	for i, doc := range docs {
		ingested, err := s.engine.Ingest(ctx, doc.Content, doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("ingesting document %d of %d: %w", i+1, len(docs), err)
		}
		result.ProcessedCount++
		result.ChunkCount += ingested.ChunkCount
		result.DocumentIDs = append(result.DocumentIDs, ingested.DocumentIDs...)
	}

	s.logger.InfoContext(ctx, "knowledge base updated",
		"documents", result.ProcessedCount,
		"chunks", result.ChunkCount)

	return result, nil
}

// ReplaceDocument re-embeds content and overwrites a stored chunk in place.
// Returns false when the id is unknown.
func (s *Service) ReplaceDocument(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (bool, error) {
	if content == "" {
		return false, ErrEmptyContent
	}

	embedding, err := s.embedder.EmbedText(ctx, content)
	if err != nil {
		return false, fmt.Errorf("embedding replacement content: %w", err)
	}

	return s.store.Update(ctx, id, content, embedding, metadata)
}

// DeleteDocument removes a stored chunk. Returns false when the id is
// unknown; deleting a missing id is not an error.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.InfoContext(ctx, "document deleted", "id", id.String())
	}
	return deleted, nil
}

// ListDocuments returns all stored chunks, newest first.
func (s *Service) ListDocuments(ctx context.Context) ([]vectorstore.StoredDocument, error) {
	return s.store.ListAll(ctx)
}

// SearchDocuments runs a similarity search over the knowledge base.
// Non-positive limits fall back to DefaultSearchLimit.
func (s *Service) SearchDocuments(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.ScoredDocument, error) {
	if query == "" {
		return nil, errors.New("query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.engine.Retrieve(ctx, query, limit, threshold)
}
