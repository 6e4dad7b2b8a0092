package openai_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/provider/openai"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *openai.Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := openai.NewProvider(openai.Config{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1/",
		Timeout: 5,
	})
	require.NoError(t, err)
	return provider
}

func testRequest() *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hello"},
		},
		Temperature: 0.2,
		MaxTokens:   50,
	}
}

func TestNewProvider_Success(t *testing.T) {
	config := openai.Config{
		APIKey:  "test-api-key",
		BaseURL: "https://api.openai.com/v1",
		Timeout: 60,
	}

	provider, err := openai.NewProvider(config)

	require.NoError(t, err)
	require.NotNil(t, provider)
	require.Equal(t, "openai", provider.Name())
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{})

	require.Error(t, err)
	require.Nil(t, provider)
	require.Contains(t, err.Error(), "OpenAI API key is required")
}

func TestProvider_IsModelSupported(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		model     string
		supported bool
	}{
		{name: "gpt-4o-mini is supported", model: "gpt-4o-mini", supported: true},
		{name: "gpt-4.1 is supported", model: "gpt-4.1", supported: true},
		{name: "GPT-3.5 Turbo is supported", model: "gpt-3.5-turbo", supported: true},
		{name: "Echo model is not supported", model: "echo", supported: false},
		{name: "Unknown model is not supported", model: "unknown-model", supported: false},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.supported, provider.IsModelSupported(ctx, tt.model))
		})
	}

	require.ElementsMatch(t, openai.SupportedModels(), provider.SupportedModels(ctx))
}

func TestProvider_Complete_NilRequest(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
	require.NoError(t, err)

	resp, err := provider.Complete(context.Background(), nil)

	require.Error(t, err)
	require.Nil(t, resp)
	require.Contains(t, err.Error(), "request cannot be nil")
}

func TestProvider_Stream_NilRequest(t *testing.T) {
	provider, err := openai.NewProvider(openai.Config{APIKey: "test-key"})
	require.NoError(t, err)

	chunks, err := provider.Stream(context.Background(), nil)

	require.Error(t, err)
	require.Nil(t, chunks)
	require.Contains(t, err.Error(), "request cannot be nil")
}

func TestProvider_Complete_Success(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Refunds take 14 days."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`)
	})

	resp, err := provider.Complete(context.Background(), testRequest())

	require.NoError(t, err)
	require.Equal(t, "chatcmpl-1", resp.ID)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, "Refunds take 14 days.", resp.Content)
	require.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestProvider_Complete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "rate limited is transient", status: http.StatusTooManyRequests, transient: true},
		{name: "server error is transient", status: http.StatusInternalServerError, transient: true},
		{name: "unavailable is transient", status: http.StatusServiceUnavailable, transient: true},
		{name: "timeout is transient", status: http.StatusRequestTimeout, transient: true},
		{name: "unauthorized is fatal", status: http.StatusUnauthorized, transient: false},
		{name: "bad request is fatal", status: http.StatusBadRequest, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": {"message": "nope", "type": "test_error", "code": "x"}}`)
			})

			_, err := provider.Complete(context.Background(), testRequest())

			require.Error(t, err)
			require.Equal(t, int32(1), calls.Load(), "SDK retries must be disabled")
			require.Equal(t, tt.transient, domain.IsTransient(err))
			if !tt.transient {
				require.ErrorIs(t, err, domain.ErrLLMFatal)
			}
		})
	}
}

func TestProvider_Stream_ForwardsDeltasAndUsage(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Refunds "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"take 14 days."},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		}
		for _, event := range events {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	chunks, err := provider.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var (
		text strings.Builder
		last domain.StreamChunk
	)
	for chunk := range chunks {
		require.NoError(t, chunk.Error)
		text.WriteString(chunk.Delta)
		last = chunk
	}

	require.Equal(t, "Refunds take 14 days.", text.String())
	require.True(t, last.Done)
	require.NotNil(t, last.Usage)
	require.Equal(t, 15, last.Usage.TotalTokens)
}

func TestProvider_Stream_ErrorIsClassified(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": {"message": "overloaded"}}`)
	})

	chunks, err := provider.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			streamErr = chunk.Error
		}
	}

	require.Error(t, streamErr)
	require.ErrorIs(t, streamErr, domain.ErrLLMTransient)
}
