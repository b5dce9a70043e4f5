package chat

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/audit"
	"github.com/lumakb/luma/internal/pipeline"
)

// EventType discriminates streaming events.
type EventType string

const (
	// EventMetadata opens a stream with the conversation id and the number
	// of retrieved documents, before any answer text.
	EventMetadata EventType = "metadata"
	// EventChunk carries one fragment of answer text.
	EventChunk EventType = "chunk"
	// EventCompleted closes a successful stream with the final latency.
	EventCompleted EventType = "completed"
	// EventError closes a failed stream with the error text.
	EventError EventType = "error"
)

// Event is one frame of a streaming chat response.
type Event struct {
	Type              EventType
	ConversationID    string
	Content           string
	RetrievedDocCount int
	LatencyMS         int64
	Error             string
}

// ProcessStream answers a query incrementally. The sequence is: one metadata
// event, the answer as chunk events, then exactly one completed or error
// event. Concatenating all chunk contents reproduces the response stored in
// the audit record, which is written before the terminal event. The audit
// write also happens when the consumer stops reading early, so an abandoned
// stream still leaves an audited turn.
func (s *Service) ProcessStream(ctx context.Context, query, conversationID string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if conversationID == "" {
			conversationID = uuid.NewString()
		}
		if query == "" {
			yield(Event{
				Type:           EventError,
				ConversationID: conversationID,
				Error:          "query must not be empty",
			})
			return
		}

		start := time.Now()

		state := s.pipeline.Moderate(ctx, pipeline.NewState(query, nil))
		state = s.pipeline.PrepareSynthesis(ctx, state)

		if !yield(Event{
			Type:              EventMetadata,
			ConversationID:    conversationID,
			RetrievedDocCount: len(state.RetrievedDocs),
		}) {
			return
		}

		var (
			full      strings.Builder
			streamErr error
		)
		for chunk, err := range s.pipeline.StreamAnswer(ctx, state) {
			if err != nil {
				streamErr = err
				break
			}
			full.WriteString(chunk)
			if !yield(Event{Type: EventChunk, ConversationID: conversationID, Content: chunk}) {
				s.writeStreamAudit(ctx, conversationID, query, full.String(), state, start)
				return
			}
		}

		latency := time.Since(start).Milliseconds()

		if streamErr != nil {
			s.logger.ErrorContext(ctx, "streaming chat failed",
				"conversation_id", conversationID,
				"error", streamErr)
			s.logAuditFailure(ctx, conversationID, query, streamErr, latency)
			yield(Event{
				Type:           EventError,
				ConversationID: conversationID,
				LatencyMS:      latency,
				Error:          streamErr.Error(),
			})
			return
		}

		if err := s.writeStreamAudit(ctx, conversationID, query, full.String(), state, start); err != nil {
			yield(Event{
				Type:           EventError,
				ConversationID: conversationID,
				LatencyMS:      latency,
				Error:          err.Error(),
			})
			return
		}

		s.logger.InfoContext(ctx, "streaming chat completed",
			"conversation_id", conversationID,
			"latency_ms", latency,
			"retrieved_docs", len(state.RetrievedDocs))

		yield(Event{
			Type:              EventCompleted,
			ConversationID:    conversationID,
			RetrievedDocCount: len(state.RetrievedDocs),
			LatencyMS:         latency,
		})
	}
}

// writeStreamAudit records a streamed turn. It runs detached from request
// cancellation so a client disconnect cannot leave the turn un-audited.
func (s *Service) writeStreamAudit(ctx context.Context, conversationID, query, response string, state pipeline.State, start time.Time) error {
	_, err := s.auditor.Log(context.WithoutCancel(ctx), audit.Entry{
		ConversationID:  conversationID,
		Question:        query,
		Response:        response,
		RetrievedDocIDs: docIDs(state.RetrievedDocs),
		LatencyMS:       time.Since(start).Milliseconds(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to audit streamed turn",
			"conversation_id", conversationID,
			"error", err)
	}
	return err
}
