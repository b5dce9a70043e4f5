package api

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"github.com/lumakb/luma/internal/audit"
	"github.com/lumakb/luma/internal/chat"
	"github.com/lumakb/luma/internal/log"
)

// ChatService is the slice of the chat service the HTTP layer consumes.
type ChatService interface {
	Process(ctx context.Context, query, conversationID string) (*chat.Result, error)
	ProcessStream(ctx context.Context, query, conversationID string) iter.Seq[chat.Event]
	AddFeedback(ctx context.Context, conversationID, feedback string) (bool, error)
	History(ctx context.Context, conversationID string) (*audit.Record, error)
}

// ChatHandler handles chat-related HTTP endpoints.
//
// Endpoints:
//   - POST /api/chat                - synchronous chat (JSON request/response)
//   - POST /api/chat/stream         - streaming chat (SSE)
//   - POST /api/chat/feedback       - attach feedback to a conversation
//   - GET  /api/chat/{conversation} - latest audited turn
type ChatHandler struct {
	service ChatService
	logger  log.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(service ChatService, logger log.Logger) *ChatHandler {
	return &ChatHandler{service: service, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("POST /api/chat/stream", h.handleStream)
	mux.HandleFunc("POST /api/chat/feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/chat/{conversation}", h.handleHistory)
}

// ChatRequest is the request body for chat endpoints.
type ChatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the response body for the synchronous chat endpoint.
type ChatResponse struct {
	ConversationID    string `json:"conversation_id"`
	Response          string `json:"response"`
	LatencyMS         int64  `json:"latency_ms"`
	RetrievedDocCount int    `json:"retrieved_docs_count"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}

	result, err := h.service.Process(r.Context(), req.Query, req.ConversationID)
	if err != nil {
		h.logger.Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat_failed", "failed to process chat query")
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		ConversationID:    result.ConversationID,
		Response:          result.Response,
		LatencyMS:         result.LatencyMS,
		RetrievedDocCount: result.RetrievedDocCount,
	})
}

// SSE frame payloads. The frame name on the wire is the event type:
// metadata, chunk, end or error.
type sseMetadata struct {
	ConversationID    string `json:"conversation_id"`
	RetrievedDocCount int    `json:"retrieved_docs_count"`
	Status            string `json:"status"`
}

type sseChunk struct {
	Text string `json:"text"`
}

type sseEnd struct {
	ConversationID    string `json:"conversation_id"`
	RetrievedDocCount int    `json:"retrieved_docs_count"`
	LatencyMS         int64  `json:"latency_ms"`
	Status            string `json:"status"`
}

type sseError struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Status         string `json:"status"`
}

// handleStream answers a chat query as a Server-Sent Events stream.
//
// Frame sequence: one metadata frame, then chunk frames carrying the answer
// text, then exactly one end or error frame.
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSSE(w, flusher, "error", sseError{Message: "invalid request body", Status: "error"})
		return
	}
	if req.Query == "" {
		writeSSE(w, flusher, "error", sseError{Message: "query is required", Status: "error"})
		return
	}

	ctx := r.Context()
	for event := range h.service.ProcessStream(ctx, req.Query, req.ConversationID) {
		select {
		case <-ctx.Done():
			h.logger.Info("client disconnected", "conversation_id", event.ConversationID)
			return
		default:
		}

		switch event.Type {
		case chat.EventMetadata:
			writeSSE(w, flusher, "metadata", sseMetadata{
				ConversationID:    event.ConversationID,
				RetrievedDocCount: event.RetrievedDocCount,
				Status:            "streaming",
			})
		case chat.EventChunk:
			writeSSE(w, flusher, "chunk", sseChunk{Text: event.Content})
		case chat.EventCompleted:
			writeSSE(w, flusher, "end", sseEnd{
				ConversationID:    event.ConversationID,
				RetrievedDocCount: event.RetrievedDocCount,
				LatencyMS:         event.LatencyMS,
				Status:            "completed",
			})
		case chat.EventError:
			h.logger.Error("stream failed", "error", event.Error, "conversation_id", event.ConversationID)
			writeSSE(w, flusher, "error", sseError{
				ConversationID: event.ConversationID,
				Message:        event.Error,
				Status:         "error",
			})
		}
	}
}

// writeSSE writes one SSE frame and flushes it to the client.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// FeedbackRequest is the request body for the feedback endpoint.
type FeedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	Feedback       string `json:"feedback"`
}

func (h *ChatHandler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "missing_conversation_id", "conversation_id is required")
		return
	}
	if req.Feedback == "" {
		writeError(w, http.StatusBadRequest, "missing_feedback", "feedback is required")
		return
	}

	updated, err := h.service.AddFeedback(r.Context(), req.ConversationID, req.Feedback)
	if err != nil {
		h.logger.Error("failed to add feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "feedback_failed", "failed to add feedback")
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "not_found", "conversation has no recorded turns")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": req.ConversationID,
		"updated":         true,
	})
}

// HistoryResponse is the response body for the history endpoint.
type HistoryResponse struct {
	ConversationID string   `json:"conversation_id"`
	Question       string   `json:"question"`
	Response       string   `json:"response"`
	RetrievedDocs  []string `json:"retrieved_docs"`
	LatencyMS      int64    `json:"latency_ms"`
	CreatedAt      string   `json:"created_at"`
	Feedback       *string  `json:"feedback"`
}

func (h *ChatHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversation")

	record, err := h.service.History(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load history", "error", err)
		writeError(w, http.StatusInternalServerError, "history_failed", "failed to load conversation history")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "not_found", "conversation has no recorded turns")
		return
	}

	docIDs := make([]string, len(record.RetrievedDocIDs))
	for i, id := range record.RetrievedDocIDs {
		docIDs[i] = id.String()
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		ConversationID: record.ConversationID,
		Question:       record.Question,
		Response:       record.Response,
		RetrievedDocs:  docIDs,
		LatencyMS:      record.LatencyMS,
		CreatedAt:      record.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Feedback:       record.Feedback,
	})
}
