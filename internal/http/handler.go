package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

const (
	userIDHeader = "X-User-ID"
	maxBodyBytes = 8 << 20

	msgUnavailable = "The answering service is temporarily unavailable. Please try again."
)

// Handler handles HTTP requests.
type Handler struct {
	engine   *domain.QueryEngine
	streamer *domain.StreamingCoordinator
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(engine *domain.QueryEngine, streamer *domain.StreamingCoordinator) *Handler {
	return &Handler{
		engine:   engine,
		streamer: streamer,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/documents/{documentID}/questions", h.HandleQuestion)
	mux.HandleFunc("DELETE /v1/documents/{documentID}/conversation", h.HandleEndConversation)
	mux.HandleFunc("PUT /v1/documents/{documentID}/fragments", h.HandleUpsertFragments)
	mux.HandleFunc("DELETE /v1/documents/{documentID}/cache", h.HandleInvalidateCache)
	mux.HandleFunc("DELETE /v1/documents/{documentID}", h.HandleRemoveDocument)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("GET /health", h.HandleHealth)

	return mux
}

// questionBody is the JSON body of a question request. Omitted booleans
// keep their defaults: cache on, sources included.
type questionBody struct {
	Question       string `json:"question"`
	Stream         bool   `json:"stream"`
	TopK           int    `json:"top_k"`
	Model          string `json:"model"`
	UseCache       *bool  `json:"use_cache"`
	IncludeSources *bool  `json:"include_sources"`
	ClearHistory   bool   `json:"clear_history"`
}

func (b *questionBody) toRequest(documentID, userID string) *domain.QuestionRequest {
	return &domain.QuestionRequest{
		DocumentID:   documentID,
		UserID:       userID,
		Question:     b.Question,
		TopK:         b.TopK,
		Model:        b.Model,
		BypassCache:  b.UseCache != nil && !*b.UseCache,
		OmitSources:  b.IncludeSources != nil && !*b.IncludeSources,
		ClearHistory: b.ClearHistory,
	}
}

type fragmentsBody struct {
	Fragments []domain.Fragment `json:"fragments"`
}

type errorBody struct {
	Error string `json:"error"`
}

// HandleQuestion answers a question about a document, as JSON or as an
// event stream.
func (h *Handler) HandleQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("documentID")
	userID := r.Header.Get(userIDHeader)

	ctx = observability.WithDocumentID(ctx, documentID)
	if userID != "" {
		ctx = observability.WithUserID(ctx, userID)
	}

	var body questionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	req := body.toRequest(documentID, userID)

	logger := observability.FromContext(ctx)
	logger.Info("question received",
		observability.Bool("stream", body.Stream),
		observability.Int("top_k", body.TopK),
		observability.Bool("use_cache", !req.BypassCache))

	if body.Stream {
		h.handleStream(ctx, w, req)
		return
	}

	result, err := h.engine.Answer(ctx, req)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, result)
}

func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, req *domain.QuestionRequest) {
	logger := observability.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := h.streamer.Stream(ctx, req)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		data, marshalErr := json.Marshal(event)
		if marshalErr != nil {
			logger.Error("failed to encode stream event", observability.Error(marshalErr))
			continue
		}

		if _, writeErr := fmt.Fprintf(w, "data: %s\n\n", data); writeErr != nil {
			// The coordinator notices through ctx and stops on its own.
			logger.Info("client disconnected", observability.Error(writeErr))
			continue
		}
		flusher.Flush()
	}
}

// HandleEndConversation clears the caller's history for the document.
func (h *Handler) HandleEndConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("documentID")

	if err := h.engine.EndConversation(ctx, r.Header.Get(userIDHeader), documentID); err != nil {
		h.fail(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleUpsertFragments indexes fragments produced by ingestion.
func (h *Handler) HandleUpsertFragments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("documentID")

	var body fragmentsBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	count, err := h.engine.IngestFragments(ctx, documentID, body.Fragments)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"upserted":    count,
	})
}

// HandleRemoveDocument drops the document's fragments and cached answers.
func (h *Handler) HandleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.engine.RemoveDocument(ctx, r.PathValue("documentID")); err != nil {
		h.fail(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleInvalidateCache drops the document's cached answers only.
func (h *Handler) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("documentID")

	removed, err := h.engine.InvalidateDocument(ctx, documentID)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"invalidated": removed,
	})
}

// HandleStats reports cache and invoker counters.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.engine.Stats())
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// fail logs err with full detail and answers with a generic message.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if message == "" {
		message = h.engine.ProcessingErrorMessage()
	}

	logger := observability.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", observability.Error(err))
	} else {
		logger.Info("request rejected", observability.Error(err))
	}

	writeError(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRetriesExhausted),
		errors.Is(err, domain.ErrLLMTransient),
		errors.Is(err, domain.ErrLLMFatal),
		errors.Is(err, domain.ErrRetrieval):
		return http.StatusBadGateway, msgUnavailable
	default:
		return http.StatusInternalServerError, ""
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Already written status, can't change it, just log.
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(context.Background(), w, status, errorBody{Error: message})
}
