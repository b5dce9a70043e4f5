package vectorstore

import (
	"time"

	"github.com/google/uuid"
)

// Document is the input shape for Add: content with its precomputed
// embedding and open metadata.
type Document struct {
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// StoredDocument is a listing entry. Size is the content length in
// characters, computed at query time rather than stored.
type StoredDocument struct {
	ID        uuid.UUID
	Size      int
	CreatedAt time.Time
	Metadata  map[string]any
}

// ScoredDocument is a similarity-search result.
// Similarity is 1 - cosine_distance, so higher is closer; for normalized
// embeddings it collapses to [0, 1].
type ScoredDocument struct {
	ID         uuid.UUID
	Content    string
	Metadata   map[string]any
	Similarity float64
	CreatedAt  time.Time
}
