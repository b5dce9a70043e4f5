package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumakb/luma/internal/knowledge"
	"github.com/lumakb/luma/internal/log"
	"github.com/lumakb/luma/internal/vectorstore"
)

// KnowledgeService is the slice of the knowledge service the HTTP layer
// consumes.
type KnowledgeService interface {
	UpdateKnowledge(ctx context.Context, docs []knowledge.DocumentInput) (*knowledge.UpdateResult, error)
	ReplaceDocument(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) (bool, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) (bool, error)
	ListDocuments(ctx context.Context) ([]vectorstore.StoredDocument, error)
	SearchDocuments(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.ScoredDocument, error)
}

// KnowledgeHandler handles knowledge-base management endpoints.
type KnowledgeHandler struct {
	service KnowledgeService
	logger  log.Logger
}

// NewKnowledgeHandler creates a new knowledge handler.
func NewKnowledgeHandler(service KnowledgeService, logger log.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{service: service, logger: logger}
}

// RegisterRoutes registers knowledge routes on the given mux.
func (h *KnowledgeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/knowledge", h.handleUpdate)
	mux.HandleFunc("PUT /api/knowledge/{id}", h.handleReplace)
	mux.HandleFunc("DELETE /api/knowledge/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/knowledge", h.handleList)
	mux.HandleFunc("POST /api/knowledge/search", h.handleSearch)
}

// DocumentRequest is one document in an ingest request.
type DocumentRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest is the request body for the ingest endpoint.
type UpdateRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// UpdateResponse is the response body for the ingest endpoint.
type UpdateResponse struct {
	ProcessedCount int      `json:"processed_count"`
	ChunkCount     int      `json:"chunk_count"`
	DocumentIDs    []string `json:"document_ids"`
}

func (h *KnowledgeHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "missing_documents", "documents are required")
		return
	}

	docs := make([]knowledge.DocumentInput, len(req.Documents))
	for i, doc := range req.Documents {
		docs[i] = knowledge.DocumentInput{Content: doc.Content, Metadata: doc.Metadata}
	}

	result, err := h.service.UpdateKnowledge(r.Context(), docs)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, "empty_content", err.Error())
			return
		}
		h.logger.Error("knowledge update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update_failed", "failed to update knowledge base")
		return
	}

	ids := make([]string, len(result.DocumentIDs))
	for i, id := range result.DocumentIDs {
		ids[i] = id.String()
	}

	writeJSON(w, http.StatusOK, UpdateResponse{
		ProcessedCount: result.ProcessedCount,
		ChunkCount:     result.ChunkCount,
		DocumentIDs:    ids,
	})
}

// ReplaceRequest is the request body for the replace endpoint.
type ReplaceRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *KnowledgeHandler) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	var req ReplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	found, err := h.service.ReplaceDocument(r.Context(), id, req.Content, req.Metadata)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, "empty_content", err.Error())
			return
		}
		h.logger.Error("document replace failed", "error", err, "id", id.String())
		writeError(w, http.StatusInternalServerError, "replace_failed", "failed to replace document")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"document_id": id.String(), "updated": true})
}

func (h *KnowledgeHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return
	}

	deleted, err := h.service.DeleteDocument(r.Context(), id)
	if err != nil {
		h.logger.Error("document delete failed", "error", err, "id", id.String())
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete document")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"document_id": id.String(), "deleted": true})
}

// DocumentSummary is one listed document.
type DocumentSummary struct {
	ID        string         `json:"id"`
	Size      int            `json:"size"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

func (h *KnowledgeHandler) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ListDocuments(r.Context())
	if err != nil {
		h.logger.Error("document list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list documents")
		return
	}

	summaries := make([]DocumentSummary, len(docs))
	for i, doc := range docs {
		summaries[i] = DocumentSummary{
			ID:        doc.ID.String(),
			Size:      doc.Size,
			CreatedAt: doc.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Metadata:  doc.Metadata,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents":   summaries,
		"total_count": len(summaries),
	})
}

// SearchRequest is the request body for the search endpoint.
type SearchRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// SearchResult is one similarity search hit.
type SearchResult struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity_score"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  string         `json:"created_at"`
}

func (h *KnowledgeHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query is required")
		return
	}
	if req.Threshold == 0 {
		req.Threshold = knowledge.DefaultSearchThreshold
	}

	docs, err := h.service.SearchDocuments(r.Context(), req.Query, req.Limit, req.Threshold)
	if err != nil {
		h.logger.Error("document search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search_failed", "failed to search documents")
		return
	}

	results := make([]SearchResult, len(docs))
	for i, doc := range docs {
		results[i] = SearchResult{
			ID:         doc.ID.String(),
			Content:    doc.Content,
			Similarity: doc.Similarity,
			Metadata:   doc.Metadata,
			CreatedAt:  doc.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}
