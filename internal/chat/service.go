// Package chat drives the question-answering pipeline per request, measures
// latency and guarantees an audit record for every turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/audit"
	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/pipeline"
	"github.com/lumakb/luma/internal/vectorstore"
)

// Auditor records chat turns and feedback.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
	GetLatest(ctx context.Context, conversationID string) (*audit.Record, error)
	UpdateFeedback(ctx context.Context, conversationID, feedback string) (bool, error)
}

// Service answers chat queries through the moderation and synthesis
// pipeline. Every turn is audited, including failed ones.
type Service struct {
	pipeline *pipeline.Pipeline
	auditor  Auditor
	logger   log.Logger
}

// NewService wires a chat service.
func NewService(p *pipeline.Pipeline, auditor Auditor, logger log.Logger) (*Service, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if auditor == nil {
		return nil, errors.New("auditor is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{pipeline: p, auditor: auditor, logger: logger}, nil
}

// Result is the outcome of one completed chat turn.
type Result struct {
	ConversationID    string
	Response          string
	LatencyMS         int64
	RetrievedDocCount int
}

// Process answers a query end to end. A missing conversation id is
// generated. Latency covers the pipeline run and excludes the audit write,
// which happens unconditionally afterwards.
func (s *Service) Process(ctx context.Context, query, conversationID string) (*Result, error) {
	if query == "" {
		return nil, errors.New("query must not be empty")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	start := time.Now()
	state := s.pipeline.Run(ctx, query, nil)
	latency := time.Since(start).Milliseconds()

	_, err := s.auditor.Log(ctx, audit.Entry{
		ConversationID:  conversationID,
		Question:        query,
		Response:        state.Answer,
		RetrievedDocIDs: docIDs(state.RetrievedDocs),
		LatencyMS:       latency,
	})
	if err != nil {
		// Record the failure itself; if that also fails, keep the
		// original error visible rather than masking it.
		s.logAuditFailure(ctx, conversationID, query, err, latency)
		return nil, fmt.Errorf("recording chat turn: %w", err)
	}

	s.logger.InfoContext(ctx, "chat turn completed",
		"conversation_id", conversationID,
		"latency_ms", latency,
		"retrieved_docs", len(state.RetrievedDocs))

	return &Result{
		ConversationID:    conversationID,
		Response:          state.Answer,
		LatencyMS:         latency,
		RetrievedDocCount: len(state.RetrievedDocs),
	}, nil
}

// AddFeedback attaches feedback to the most recent turn of a conversation.
// Returns false when the conversation has no recorded turns.
func (s *Service) AddFeedback(ctx context.Context, conversationID, feedback string) (bool, error) {
	if conversationID == "" {
		return false, errors.New("conversation id must not be empty")
	}
	if feedback == "" {
		return false, errors.New("feedback must not be empty")
	}
	return s.auditor.UpdateFeedback(ctx, conversationID, feedback)
}

// History returns the most recent audited turn for a conversation, or nil
// when none exists.
func (s *Service) History(ctx context.Context, conversationID string) (*audit.Record, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id must not be empty")
	}
	return s.auditor.GetLatest(ctx, conversationID)
}

// logAuditFailure writes a best-effort error record for a turn whose primary
// audit write failed. Its own failure is logged and swallowed so it never
// hides the primary failure from the caller.
func (s *Service) logAuditFailure(ctx context.Context, conversationID, query string, cause error, latency int64) {
	_, err := s.auditor.Log(context.WithoutCancel(ctx), audit.Entry{
		ConversationID: conversationID,
		Question:       query,
		Response:       fmt.Sprintf("Error: %v", cause),
		LatencyMS:      latency,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record error audit entry",
			"conversation_id", conversationID,
			"error", err)
	}
}

func docIDs(docs []vectorstore.ScoredDocument) []uuid.UUID {
	ids := make([]uuid.UUID, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	return ids
}
