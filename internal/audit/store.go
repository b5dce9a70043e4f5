// Package audit persists one record per chat interaction for later review
// and feedback collection.
package audit

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
)

// Entry describes one chat interaction to be recorded.
type Entry struct {
	ConversationID  string
	Question        string
	Response        string
	RetrievedDocIDs []uuid.UUID
	LatencyMS       int64
}

// Record is a stored audit entry.
type Record struct {
	ID              uuid.UUID
	ConversationID  string
	Question        string
	Response        string
	RetrievedDocIDs []uuid.UUID
	LatencyMS       int64
	CreatedAt       time.Time
	Feedback        *string
}

// Store writes and reads audit records in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates an audit store backed by the given pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Log inserts one audit record and returns its id. The write either fully
// succeeds or fails; a failure is returned to the caller untouched.
func (s *Store) Log(ctx context.Context, entry Entry) (uuid.UUID, error) {
	if entry.ConversationID == "" {
		return uuid.Nil, errors.New("conversation id is required")
	}
	if entry.LatencyMS < 0 {
		return uuid.Nil, fmt.Errorf("latency must be non-negative, got %d", entry.LatencyMS)
	}

	docIDs := entry.RetrievedDocIDs
	if docIDs == nil {
		docIDs = []uuid.UUID{}
	}
	docsJSON, err := json.Marshal(docIDs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding retrieved doc ids: %w", err)
	}

	id := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, conversation_id, question, response, retrieved_docs, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, entry.ConversationID, entry.Question, entry.Response, docsJSON, entry.LatencyMS)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting audit record: %w", err)
	}

	s.logger.InfoContext(ctx, "audit record written",
		"conversation_id", entry.ConversationID,
		"latency_ms", entry.LatencyMS,
		"retrieved_docs", len(docIDs))

	return id, nil
}

// GetLatest returns the most recent record for a conversation, or nil when
// the conversation has no records.
func (s *Store) GetLatest(ctx context.Context, conversationID string) (*Record, error) {
	var (
		record   Record
		docsJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, question, response, retrieved_docs, latency_ms, created_at, feedback
		FROM audit_logs
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		conversationID,
	).Scan(
		&record.ID,
		&record.ConversationID,
		&record.Question,
		&record.Response,
		&docsJSON,
		&record.LatencyMS,
		&record.CreatedAt,
		&record.Feedback,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest audit record: %w", err)
	}

	if err := json.Unmarshal(docsJSON, &record.RetrievedDocIDs); err != nil {
		s.logger.WarnContext(ctx, "malformed retrieved_docs in audit record, returning empty list",
			"id", record.ID.String(),
			"error", err)
		record.RetrievedDocIDs = []uuid.UUID{}
	}

	return &record, nil
}

// UpdateFeedback attaches feedback to the most recent record of a
// conversation. Returns false when the conversation has no records.
func (s *Store) UpdateFeedback(ctx context.Context, conversationID, feedback string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_logs
		SET feedback = $2
		WHERE id = (
			SELECT id FROM audit_logs
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		)`,
		conversationID, feedback)
	if err != nil {
		return false, fmt.Errorf("updating feedback: %w", err)
	}

	updated := tag.RowsAffected() > 0
	if updated {
		s.logger.InfoContext(ctx, "feedback recorded", "conversation_id", conversationID)
	}
	return updated, nil
}
