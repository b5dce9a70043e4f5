// Package vectorstore persists documents with their embeddings in
// PostgreSQL + pgvector and performs engine-side cosine similarity search.
//
// Every mutating operation is scoped to its own transaction: a failure
// mid-operation leaves the store in its pre-call state and the error is
// returned to the caller. The store never swallows a persistence failure.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store manages document persistence and similarity search.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
	logger    *slog.Logger
}

// New creates a Store. dimension must match the vector(N) column width in
// the documents table.
func New(pool *pgxpool.Pool, dimension int, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, dimension: dimension, logger: logger}, nil
}

// Add inserts a batch of documents as a single all-or-nothing unit.
// Each document gets a fresh UUID and a creation timestamp. Partial failure
// rolls back the whole batch; no id is returned for a failed batch.
func (s *Store) Add(ctx context.Context, docs []Document) ([]uuid.UUID, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, doc := range docs {
		if doc.Content == "" {
			return nil, fmt.Errorf("%w: document %d", ErrEmptyContent, i)
		}
		if len(doc.Embedding) != s.dimension {
			return nil, fmt.Errorf("%w: document %d has %d, store expects %d",
				ErrDimensionMismatch, i, len(doc.Embedding), s.dimension)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	ids := make([]uuid.UUID, 0, len(docs))
	now := time.Now()
	for _, doc := range docs {
		metadataJSON, err := marshalMetadata(doc.Metadata)
		if err != nil {
			return nil, err
		}

		id := uuid.New()
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (id, content, embedding, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, doc.Content, pgvector.NewVector(doc.Embedding), metadataJSON, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting document: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing document batch: %w", err)
	}

	s.logger.Info("added documents", "count", len(ids))
	return ids, nil
}

// Delete removes a document by id. Returns false if the id is unknown;
// deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting document %s: %w", id, err)
	}

	deleted := tag.RowsAffected() > 0
	if deleted {
		s.logger.Info("deleted document", "id", id)
	} else {
		s.logger.Warn("document not found for delete", "id", id)
	}
	return deleted, nil
}

// ListAll returns one entry per stored document, newest first. Content
// itself is not returned; Size carries its length.
func (s *Store) ListAll(ctx context.Context) ([]StoredDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, LENGTH(content) AS size, created_at, metadata
		 FROM documents
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []StoredDocument
	for rows.Next() {
		var (
			doc          StoredDocument
			metadataJSON []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Size, &doc.CreatedAt, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		doc.Metadata = unmarshalMetadata(metadataJSON, doc.ID, s.logger)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading document rows: %w", err)
	}

	s.logger.Debug("listed documents", "count", len(docs))
	return docs, nil
}

// SimilaritySearch returns up to limit documents whose cosine similarity to
// the query embedding strictly exceeds threshold, ordered by descending
// similarity. Ranking happens in a single engine-side query so cost scales
// with the index, not a transferred result set.
func (s *Store) SimilaritySearch(ctx context.Context, queryEmbedding []float32, limit int, threshold float64) ([]ScoredDocument, error) {
	if len(queryEmbedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, store expects %d",
			ErrDimensionMismatch, len(queryEmbedding), s.dimension)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	vec := pgvector.NewVector(queryEmbedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, metadata, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM documents
		 WHERE 1 - (embedding <=> $1) > $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		vec, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var docs []ScoredDocument
	for rows.Next() {
		var (
			doc          ScoredDocument
			metadataJSON []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &doc.CreatedAt, &doc.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		doc.Metadata = unmarshalMetadata(metadataJSON, doc.ID, s.logger)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}

	s.logger.Debug("similarity search", "results", len(docs), "threshold", threshold)
	return docs, nil
}

// Update replaces content, embedding and metadata of an existing document
// and stamps the update time. Returns false if the id is unknown.
func (s *Store) Update(ctx context.Context, id uuid.UUID, content string, embedding []float32, metadata map[string]any) (bool, error) {
	if content == "" {
		return false, ErrEmptyContent
	}
	if len(embedding) != s.dimension {
		return false, fmt.Errorf("%w: got %d, store expects %d",
			ErrDimensionMismatch, len(embedding), s.dimension)
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents
		 SET content = $1, embedding = $2, metadata = $3, updated_at = $4
		 WHERE id = $5`,
		content, pgvector.NewVector(embedding), metadataJSON, time.Now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("updating document %s: %w", id, err)
	}

	updated := tag.RowsAffected() > 0
	if updated {
		s.logger.Info("updated document", "id", id)
	} else {
		s.logger.Warn("document not found for update", "id", id)
	}
	return updated, nil
}

// marshalMetadata serializes metadata for the JSONB column. Nil maps become
// empty objects so the column stays non-null.
func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return data, nil
}

// unmarshalMetadata parses a JSONB blob, degrading to an empty map on
// malformed data rather than failing the whole read.
func unmarshalMetadata(data []byte, id uuid.UUID, logger *slog.Logger) map[string]any {
	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		logger.Warn("failed to parse metadata", "document_id", id, "error", err)
		return map[string]any{}
	}
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}
