package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/davidbz/docqa/internal/observability"
)

// ClassifierConfig configures the question gate.
type ClassifierConfig struct {
	Enabled     bool    `env:"QUERY_CLASSIFICATION_ENABLED" envDefault:"true"`
	Model       string  `env:"CLASSIFIER_MODEL"`
	Temperature float64 `env:"CLASSIFIER_TEMPERATURE"       envDefault:"0.3"`
	MaxTokens   int     `env:"CLASSIFIER_MAX_TOKENS"        envDefault:"200"`
}

// LLMClassifier asks the LLM whether an input is a genuine, in-scope question.
type LLMClassifier struct {
	registry    ProviderRegistry
	invoker     *Invoker
	prompts     *PromptBuilder
	model       string
	temperature float64
	maxTokens   int
}

// NewLLMClassifier creates a classifier. An empty cfg.Model falls back to defaultModel.
func NewLLMClassifier(
	registry ProviderRegistry,
	invoker *Invoker,
	prompts *PromptBuilder,
	cfg *ClassifierConfig,
	defaultModel string,
) *LLMClassifier {
	c := &LLMClassifier{
		registry:    registry,
		invoker:     invoker,
		prompts:     prompts,
		model:       defaultModel,
		temperature: 0.3,
		maxTokens:   200,
	}

	if cfg != nil {
		if cfg.Model != "" {
			c.model = cfg.Model
		}
		c.temperature = cfg.Temperature
		if cfg.MaxTokens > 0 {
			c.maxTokens = cfg.MaxTokens
		}
	}

	return c
}

// Classify returns the verdict for question. Every failure is reported as
// ErrClassificationFailure; callers decide how to degrade.
func (c *LLMClassifier) Classify(ctx context.Context, question string) (*Classification, error) {
	provider, err := c.registry.GetByModel(ctx, c.model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationFailure, err)
	}

	req := &CompletionRequest{
		Model:       c.model,
		Messages:    c.prompts.ClassificationMessages(question),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	resp, err := Invoke(ctx, c.invoker, func(ctx context.Context) (*CompletionResponse, error) {
		return provider.Complete(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassificationFailure, err)
	}

	var classification Classification
	if unmarshalErr := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &classification); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: failed to parse classifier reply: %w", ErrClassificationFailure, unmarshalErr)
	}

	observability.FromContext(ctx).Info("query classified",
		observability.Bool("is_question", classification.IsQuestion),
		observability.Bool("is_relevant", classification.IsRelevant),
		observability.String("question_type", classification.Type),
		observability.Float64("confidence", classification.Confidence))

	return &classification, nil
}

// stripCodeFence extracts the body of a ```json or ``` fenced block.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)

	for _, fence := range []string{"```json", "```"} {
		_, rest, found := strings.Cut(text, fence)
		if !found {
			continue
		}
		body, _, _ := strings.Cut(rest, "```")
		return strings.TrimSpace(body)
	}

	return text
}
