// Package echo provides an offline provider that answers with the prompt it
// was given. It makes no external calls, so the pipeline can run end to end
// without credentials.
package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

const (
	providerName = "echo"
	// ModelName is the only model served by the echo provider.
	ModelName         = "echo"
	defaultChunkDelay = 10 * time.Millisecond
)

// Provider implements the domain.Provider interface for offline use.
type Provider struct {
	name            string
	supportedModels map[string]bool
	chunkDelay      time.Duration
}

// NewProvider creates a new echo provider.
func NewProvider() *Provider {
	return &Provider{
		name: providerName,
		supportedModels: map[string]bool{
			ModelName: true,
		},
		chunkDelay: defaultChunkDelay,
	}
}

// WithChunkDelay sets the pause between streamed words.
func (p *Provider) WithChunkDelay(d time.Duration) *Provider {
	p.chunkDelay = d
	return p
}

// Complete answers with the content of the last user message.
func (p *Provider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request")

	content := lastUserMessage(req.Messages)
	usage := usageFor(req.Messages, content)

	logger.Debug("echo completed",
		observability.Int("prompt_tokens", usage.PromptTokens),
		observability.Int("completion_tokens", usage.CompletionTokens),
	)

	return &domain.CompletionResponse{
		ID:         "echo-" + uuid.NewString(),
		Model:      req.Model,
		Provider:   p.name,
		Content:    content,
		Usage:      usage,
		FinishTime: time.Now(),
	}, nil
}

// Stream streams the last user message word by word.
func (p *Provider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	observability.FromContext(ctx).Debug("streaming echo request")

	content := lastUserMessage(req.Messages)
	usage := usageFor(req.Messages, content)
	words := strings.SplitAfter(content, " ")

	chunks := make(chan domain.StreamChunk)

	go func() {
		defer close(chunks)

		send := func(chunk domain.StreamChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for i, word := range words {
			if word == "" {
				continue
			}
			if i > 0 && p.chunkDelay > 0 {
				select {
				case <-time.After(p.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
			if !send(domain.StreamChunk{Delta: word}) {
				return
			}
		}

		send(domain.StreamChunk{Done: true, Usage: &usage})
	}()

	return chunks, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsModelSupported checks if the provider supports the given model.
func (p *Provider) IsModelSupported(_ context.Context, model string) bool {
	return p.supportedModels[model]
}

// SupportedModels returns a list of all models this provider supports.
func (p *Provider) SupportedModels(_ context.Context) []string {
	models := make([]string, 0, len(p.supportedModels))
	for model := range p.supportedModels {
		models = append(models, model)
	}
	return models
}

func (p *Provider) validate(req *domain.CompletionRequest) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if !p.supportedModels[req.Model] {
		return fmt.Errorf("%w: model %s is not supported by echo provider", domain.ErrLLMFatal, req.Model)
	}
	return nil
}

func lastUserMessage(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// usageFor performs simple word-based token counting.
func usageFor(messages []domain.Message, completion string) domain.Usage {
	prompt := 0
	for _, msg := range messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completionTokens := len(strings.Fields(completion))

	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}
