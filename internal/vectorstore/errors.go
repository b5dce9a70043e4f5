package vectorstore

import "errors"

// Sentinel errors for vector store operations.
// Check with errors.Is.
var (
	// ErrEmptyBatch indicates Add was called with no documents.
	ErrEmptyBatch = errors.New("empty document batch")

	// ErrEmptyContent indicates a document with empty content.
	ErrEmptyContent = errors.New("empty document content")

	// ErrDimensionMismatch indicates an embedding whose length does not
	// match the store's configured dimension. Inserts must fail rather than
	// silently truncate.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
