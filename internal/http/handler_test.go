package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	memorycache "github.com/davidbz/docqa/internal/cache/memory"
	"github.com/davidbz/docqa/internal/config"
	memoryconv "github.com/davidbz/docqa/internal/conversation/memory"
	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/embedding/hashing"
	docqahttp "github.com/davidbz/docqa/internal/http"
	"github.com/davidbz/docqa/internal/http/middleware"
	memoryindex "github.com/davidbz/docqa/internal/index/memory"
	"github.com/davidbz/docqa/internal/mocks"
	"github.com/davidbz/docqa/internal/prompts"
	"github.com/davidbz/docqa/internal/provider/echo"
	"github.com/davidbz/docqa/internal/provider/registry"
)

type testEnv struct {
	handler http.Handler
	prompts *domain.Prompts
}

func newTestEnv(t *testing.T, extra ...domain.Provider) *testEnv {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, echo.NewProvider()))
	for _, p := range extra {
		require.NoError(t, reg.Register(ctx, p))
	}

	promptSet, err := prompts.Default()
	require.NoError(t, err)

	engine := domain.NewQueryEngine(domain.EngineDependencies{
		Registry:      reg,
		Invoker:       domain.NewInvoker(&domain.InvokerConfig{MaxConcurrent: 2, MaxRetries: 1}),
		Cache:         domain.NewCacheManager(memorycache.NewStore(), &domain.CacheConfig{Enabled: true, KeyPrefix: "test:qa"}),
		Conversations: domain.NewConversationManager(memoryconv.NewStore(), &domain.ConversationConfig{HistoryLength: 5}),
		Retrieval: domain.NewRetrievalClient(hashing.NewGenerator(64), memoryindex.NewIndex(),
			&domain.RetrievalConfig{TopK: 3}),
		Prompts: domain.NewPromptBuilder(promptSet, 4000),
		LLM:     &domain.LLMConfig{Model: echo.ModelName},
	})
	streamer := domain.NewStreamingCoordinator(engine, &domain.StreamConfig{ReplayChunkSize: 8, ReplayDelay: 0})

	server := docqahttp.NewServer(
		&config.ServerConfig{Port: 0},
		docqahttp.NewHandler(engine, streamer),
		middleware.BuildMiddlewareChain(nil),
	)

	return &testEnv{handler: server.Handler(), prompts: promptSet}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) ingest(t *testing.T, documentID string) {
	t.Helper()

	w := e.do(t, http.MethodPut, "/v1/documents/"+documentID+"/fragments", map[string]any{
		"fragments": []map[string]any{
			{"index": 0, "text": "Refunds are issued within 14 days of purchase.", "section": "Refunds"},
			{"index": 1, "text": "Shipping takes three to five business days.", "section": "Shipping"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decodeAnswer(t *testing.T, w *httptest.ResponseRecorder) domain.AnswerResult {
	t.Helper()

	var result domain.AnswerResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	return result
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
	require.NotEmpty(t, w.Header().Get("X-Trace-Id"))
}

func TestTrace_KeepsClientRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-Id": "req-42"})

	require.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
}

func TestHandleQuestion_MissThenHit(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	body := map[string]any{"question": "How long do refunds take?"}

	first := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	miss := decodeAnswer(t, first)
	require.False(t, miss.Cached)
	require.NotEmpty(t, miss.Answer)
	require.NotEmpty(t, miss.SourceFragments)

	second := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "  how LONG do refunds   take?"}, map[string]string{"X-User-ID": "u2"})
	require.Equal(t, http.StatusOK, second.Code)
	hit := decodeAnswer(t, second)
	require.True(t, hit.Cached)
	require.Equal(t, miss.Answer, hit.Answer)
}

func TestHandleQuestion_OmitSources(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	w := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "How long does shipping take?", "include_sources": false}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"source_chunks":[]`)
}

func TestHandleQuestion_NoContext(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/documents/empty-doc/questions",
		map[string]any{"question": "Anything in here?"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	result := decodeAnswer(t, w)
	require.Equal(t, env.prompts.ErrorMessages.NoContext, result.Answer)
	require.Empty(t, result.SourceFragments)
}

func TestHandleQuestion_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		raw  string
	}{
		{name: "empty question", body: map[string]any{"question": "   "}},
		{name: "top_k out of range", body: map[string]any{"question": "q?", "top_k": 500}},
		{name: "unknown model", body: map[string]any{"question": "q?", "model": "no-such-model"}},
		{name: "malformed json", raw: "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if tt.raw != "" {
				req := httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/questions", strings.NewReader(tt.raw))
				w = httptest.NewRecorder()
				env.handler.ServeHTTP(w, req)
			} else {
				w = env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", tt.body, nil)
			}

			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestHandleQuestion_ProviderFailureIsGeneric(t *testing.T) {
	broken := mocks.NewMockProvider(t)
	broken.EXPECT().Name().Return("broken")
	broken.EXPECT().SupportedModels(mock.Anything).Return([]string{"broken-model"})
	broken.EXPECT().Complete(mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: api key sk-secret rejected", domain.ErrLLMFatal)).Once()

	env := newTestEnv(t, broken)
	env.ingest(t, "doc-1")

	w := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "How long do refunds take?", "model": "broken-model"}, nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.NotContains(t, w.Body.String(), "sk-secret")
}

func readEvents(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()

	var events []map[string]any
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHandleQuestion_Stream(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	body := map[string]any{"question": "How long do refunds take?", "stream": true}

	for _, pass := range []string{"generated", "replayed"} {
		t.Run(pass, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, nil)

			require.Equal(t, http.StatusOK, w.Code)
			require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

			events := readEvents(t, w)
			require.GreaterOrEqual(t, len(events), 2)

			var text strings.Builder
			for _, ev := range events[:len(events)-1] {
				text.WriteString(ev["chunk"].(string))
			}

			last := events[len(events)-1]
			require.Equal(t, true, last["done"])
			require.Equal(t, text.String(), last["full_answer"])
		})
	}
}

func TestHandleQuestion_StreamFailureUsesProcessingError(t *testing.T) {
	broken := mocks.NewMockProvider(t)
	broken.EXPECT().Name().Return("broken")
	broken.EXPECT().SupportedModels(mock.Anything).Return([]string{"broken-model"})
	broken.EXPECT().Stream(mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: api key sk-secret rejected", domain.ErrLLMFatal)).Once()

	env := newTestEnv(t, broken)
	env.ingest(t, "doc-1")

	w := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "How long do refunds take?", "model": "broken-model", "stream": true}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	events := readEvents(t, w)
	require.Len(t, events, 1)
	require.Equal(t, env.prompts.ErrorMessages.ProcessingError, events[0]["error"])
	require.NotContains(t, w.Body.String(), "sk-secret")
}

func TestHandleQuestion_StreamValidationIsJSON(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "", "stream": true}, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandleInvalidateCache(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	body := map[string]any{"question": "How long do refunds take?"}
	env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, nil)

	w := env.do(t, http.MethodDelete, "/v1/documents/doc-1/cache", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.InDelta(t, 1, out["invalidated"], 0)

	again := decodeAnswer(t, env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, nil))
	require.False(t, again.Cached)
}

func TestHandleRemoveDocument(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	w := env.do(t, http.MethodDelete, "/v1/documents/doc-1", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	result := decodeAnswer(t, env.do(t, http.MethodPost, "/v1/documents/doc-1/questions",
		map[string]any{"question": "How long do refunds take?"}, nil))
	require.Equal(t, env.prompts.ErrorMessages.NoContext, result.Answer)
}

func TestHandleEndConversation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodDelete, "/v1/documents/doc-1/conversation", nil, map[string]string{"X-User-ID": "u1"})

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleUpsertFragments_RejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/v1/documents/doc-1/fragments", map[string]any{
		"fragments": []map[string]any{{"index": 0, "text": ""}},
	}, nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "doc-1")

	body := map[string]any{"question": "How long do refunds take?"}
	env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, nil)
	env.do(t, http.MethodPost, "/v1/documents/doc-1/questions", body, nil)

	w := env.do(t, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.EngineStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Equal(t, int64(1), stats.Cache.Hits)
	require.Equal(t, int64(1), stats.Cache.Misses)
	require.Equal(t, int64(1), stats.Invoker.SuccessfulRequests)
}
