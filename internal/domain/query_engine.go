package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/docqa/internal/observability"
)

const (
	anonymousUser = "anonymous"
	maxTopK       = 50
)

// LLMConfig selects the answering model and its sampling settings.
type LLMConfig struct {
	Model       string  `env:"LLM_MODEL"       envDefault:"gpt-4o-mini"`
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int     `env:"LLM_MAX_TOKENS"  envDefault:"2000"`
}

// EngineDependencies are the collaborators of the query engine.
// Classifier and Recorder are optional.
type EngineDependencies struct {
	Registry      ProviderRegistry
	Invoker       *Invoker
	Cache         *CacheManager
	Conversations *ConversationManager
	Retrieval     *RetrievalClient
	Classifier    QueryClassifier
	Prompts       *PromptBuilder
	Recorder      Recorder
	LLM           *LLMConfig
}

// EngineStats aggregates pipeline counters.
type EngineStats struct {
	Cache   CacheStats   `json:"cache"`
	Invoker InvokerStats `json:"invoker"`
}

// QueryEngine orchestrates classification, cache lookup, retrieval,
// generation and write-through for one question.
type QueryEngine struct {
	registry      ProviderRegistry
	invoker       *Invoker
	cache         *CacheManager
	conversations *ConversationManager
	retrieval     *RetrievalClient
	classifier    QueryClassifier
	prompts       *PromptBuilder
	recorder      Recorder
	llm           LLMConfig
	now           func() time.Time
}

// NewQueryEngine creates a new query engine (DI constructor).
func NewQueryEngine(deps EngineDependencies) *QueryEngine {
	llm := LLMConfig{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 2000}
	if deps.LLM != nil {
		llm = *deps.LLM
	}

	cache := deps.Cache
	if cache == nil {
		cache = NewCacheManager(nil, nil)
	}

	conversations := deps.Conversations
	if conversations == nil {
		conversations = NewConversationManager(nil, nil)
	}

	invoker := deps.Invoker
	if invoker == nil {
		invoker = NewInvoker(nil)
	}

	prompts := deps.Prompts
	if prompts == nil {
		prompts = NewPromptBuilder(nil, 0)
	}

	return &QueryEngine{
		registry:      deps.Registry,
		invoker:       invoker,
		cache:         cache,
		conversations: conversations,
		retrieval:     deps.Retrieval,
		classifier:    deps.Classifier,
		prompts:       prompts,
		recorder:      deps.Recorder,
		llm:           llm,
		now:           time.Now,
	}
}

// questionRun carries one validated question through the pipeline.
type questionRun struct {
	req            *QuestionRequest
	provider       Provider
	key            string
	start          time.Time
	classification *Classification
}

// answerPlan is everything needed to generate an answer after a cache miss.
type answerPlan struct {
	request   *CompletionRequest
	fragments []ScoredFragment
}

// Answer answers one question. A cache hit returns the stored answer
// without retrieval or generation.
func (e *QueryEngine) Answer(ctx context.Context, req *QuestionRequest) (*AnswerResult, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx = run.scope(ctx)
	logger := observability.FromContext(ctx)

	e.clearIfRequested(ctx, run)

	run.classification = e.classify(ctx, run.req.Question)
	if short := e.shortCircuit(ctx, run); short != nil {
		e.record(ctx, run, short)
		return e.present(run, short), nil
	}

	if cached := e.lookup(ctx, run); cached != nil {
		e.record(ctx, run, cached)
		return e.present(run, cached), nil
	}

	plan, fallback, err := e.plan(ctx, run)
	if err != nil {
		logger.Error("retrieval failed", observability.Error(err))
		return nil, err
	}
	if fallback != nil {
		e.record(ctx, run, fallback)
		return e.present(run, fallback), nil
	}

	resp, err := Invoke(ctx, e.invoker, func(ctx context.Context) (*CompletionResponse, error) {
		return run.provider.Complete(ctx, plan.request)
	})
	if err != nil {
		logger.Error("answer generation failed", observability.Error(err))
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	result := e.finish(ctx, run, plan, resp.Content, resp.Model, resp.Usage.TotalTokens)
	e.record(ctx, run, result)

	logger.Info("question answered",
		observability.Int("tokens_used", result.TokensUsed),
		observability.Float64("confidence", result.ConfidenceScore),
		observability.Duration("elapsed", e.now().Sub(run.start)))

	return e.present(run, result), nil
}

// ProcessingErrorMessage is the generic text shown to users when answering
// fails.
func (e *QueryEngine) ProcessingErrorMessage() string {
	if message := e.prompts.Prompts().ErrorMessages.ProcessingError; message != "" {
		return message
	}
	return defaultProcessingError
}

// EndConversation clears the (user, document) history.
func (e *QueryEngine) EndConversation(ctx context.Context, userID, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id cannot be empty", ErrInvalidRequest)
	}
	if userID == "" {
		userID = anonymousUser
	}
	return e.conversations.Clear(ctx, userID, documentID)
}

// IngestFragments upserts fragments for a document and drops the answers
// cached against its previous content.
func (e *QueryEngine) IngestFragments(ctx context.Context, documentID string, fragments []Fragment) (int, error) {
	ctx = observability.WithDocumentID(ctx, documentID)

	count, err := e.retrieval.Upsert(ctx, documentID, fragments)
	if err != nil {
		return 0, err
	}

	e.invalidate(ctx, documentID)
	return count, nil
}

// RemoveDocument drops the document namespace and its cached answers.
func (e *QueryEngine) RemoveDocument(ctx context.Context, documentID string) error {
	ctx = observability.WithDocumentID(ctx, documentID)

	if err := e.retrieval.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	e.invalidate(ctx, documentID)
	return nil
}

// InvalidateDocument drops every cached answer of the document.
func (e *QueryEngine) InvalidateDocument(ctx context.Context, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id cannot be empty", ErrInvalidRequest)
	}
	return e.cache.Invalidate(observability.WithDocumentID(ctx, documentID), documentID)
}

// Stats returns cache and invoker counters.
func (e *QueryEngine) Stats() EngineStats {
	return EngineStats{
		Cache:   e.cache.Stats(),
		Invoker: e.invoker.Stats(),
	}
}

func (e *QueryEngine) invalidate(ctx context.Context, documentID string) {
	if _, err := e.cache.Invalidate(ctx, documentID); err != nil {
		observability.FromContext(ctx).Warn("failed to invalidate cached answers",
			observability.Error(err))
	}
}

// prepare validates the request, applies defaults and resolves the provider.
func (e *QueryEngine) prepare(ctx context.Context, req *QuestionRequest) (*questionRun, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request cannot be nil", ErrInvalidRequest)
	}

	q := *req
	q.DocumentID = strings.TrimSpace(q.DocumentID)
	q.Question = strings.TrimSpace(q.Question)

	if q.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id cannot be empty", ErrInvalidRequest)
	}
	if q.Question == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", ErrInvalidRequest)
	}
	if q.TopK < 0 || q.TopK > maxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidRequest, maxTopK)
	}

	if q.UserID == "" {
		q.UserID = anonymousUser
	}
	if q.TopK == 0 {
		q.TopK = e.retrieval.DefaultTopK()
	}
	if q.Model == "" {
		q.Model = e.llm.Model
	}

	provider, err := e.registry.GetByModel(ctx, q.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &questionRun{
		req:      &q,
		provider: provider,
		key:      e.cache.Key(q.DocumentID, q.Question, CacheParams{TopK: q.TopK, Model: q.Model}),
		start:    e.now(),
	}, nil
}

func (r *questionRun) scope(ctx context.Context) context.Context {
	ctx = observability.WithDocumentID(ctx, r.req.DocumentID)
	ctx = observability.WithUserID(ctx, r.req.UserID)
	return observability.WithModel(ctx, r.req.Model)
}

// clearIfRequested empties the history before it is read for this question.
func (e *QueryEngine) clearIfRequested(ctx context.Context, run *questionRun) {
	if !run.req.ClearHistory {
		return
	}

	if err := e.conversations.Clear(ctx, run.req.UserID, run.req.DocumentID); err != nil {
		observability.FromContext(ctx).Warn("failed to clear conversation history",
			observability.Error(err))
	}
}

// classify never fails: classifier errors fall open to a relevant question.
func (e *QueryEngine) classify(ctx context.Context, question string) *Classification {
	if e.classifier == nil {
		return DefaultClassification()
	}

	classification, err := e.classifier.Classify(ctx, question)
	if err == nil && classification != nil {
		return classification
	}

	if err == nil {
		err = ErrClassificationFailure
	}

	observability.FromContext(ctx).Warn("classification failed, treating input as a relevant question",
		observability.Error(err))
	return failOpenClassification(err)
}

// shortCircuit returns the fixed answer for inputs the classifier rejected.
// Neither case touches the cache or the index.
func (e *QueryEngine) shortCircuit(ctx context.Context, run *questionRun) *AnswerResult {
	messages := e.prompts.Prompts().ErrorMessages

	var answer string
	switch {
	case !run.classification.IsQuestion:
		answer = messages.NotAQuestion
	case !run.classification.IsRelevant:
		answer = messages.OutOfScope
	default:
		return nil
	}

	observability.FromContext(ctx).Info("classifier rejected input",
		observability.Bool("is_question", run.classification.IsQuestion),
		observability.Bool("is_relevant", run.classification.IsRelevant))

	return &AnswerResult{
		Answer:          answer,
		ModelUsed:       run.req.Model,
		SourceFragments: []SourceFragment{},
	}
}

// lookup returns the cached answer for the run, or nil on any miss.
func (e *QueryEngine) lookup(ctx context.Context, run *questionRun) *AnswerResult {
	if run.req.BypassCache {
		return nil
	}

	entry, err := e.cache.Get(ctx, run.key)
	if err != nil {
		return nil
	}
	return entry.Result()
}

// plan loads history, retrieves context and builds the completion request.
// When retrieval finds nothing it returns the fixed no-context answer instead.
func (e *QueryEngine) plan(ctx context.Context, run *questionRun) (*answerPlan, *AnswerResult, error) {
	logger := observability.FromContext(ctx)

	history, err := e.conversations.Load(ctx, run.req.UserID, run.req.DocumentID)
	if err != nil {
		logger.Warn("answering without conversation history", observability.Error(err))
		history = nil
	}

	fragments, err := e.retrieval.Search(ctx, run.req.DocumentID, run.req.Question, run.req.TopK)
	if err != nil {
		return nil, nil, err
	}

	if len(fragments) == 0 {
		logger.Info("no relevant context found")
		return nil, &AnswerResult{
			Answer:          e.prompts.Prompts().ErrorMessages.NoContext,
			ModelUsed:       run.req.Model,
			SourceFragments: []SourceFragment{},
		}, nil
	}

	return &answerPlan{
		request: &CompletionRequest{
			Model:       run.req.Model,
			Messages:    e.prompts.Messages(run.req.Question, fragments, history),
			Temperature: e.llm.Temperature,
			MaxTokens:   e.llm.MaxTokens,
		},
		fragments: fragments,
	}, nil, nil
}

// finish builds the fresh result, writes it through to the cache and
// appends the turn to the conversation.
func (e *QueryEngine) finish(
	ctx context.Context,
	run *questionRun,
	plan *answerPlan,
	answer string,
	model string,
	tokens int,
) *AnswerResult {
	logger := observability.FromContext(ctx)

	if model == "" {
		model = run.req.Model
	}

	result := &AnswerResult{
		Answer:          answer,
		ConfidenceScore: confidence(plan.fragments),
		ModelUsed:       model,
		TokensUsed:      tokens,
		SourceFragments: toSources(plan.fragments),
		Cached:          false,
	}

	if !run.req.BypassCache {
		if err := e.cache.Put(ctx, run.key, NewCacheEntry(result, e.now()), 0); err != nil {
			logger.Warn("failed to store answer in cache", observability.Error(err))
		}
	}

	turn := ConversationTurn{Question: run.req.Question, Answer: answer, Timestamp: e.now()}
	if err := e.conversations.Append(ctx, run.req.UserID, run.req.DocumentID, turn); err != nil {
		logger.Warn("failed to record conversation turn", observability.Error(err))
	}

	return result
}

func (e *QueryEngine) record(ctx context.Context, run *questionRun, result *AnswerResult) {
	if e.recorder == nil {
		return
	}

	now := e.now()
	e.recorder.Record(ctx, &AnswerRecord{
		UserID:         run.req.UserID,
		DocumentID:     run.req.DocumentID,
		Question:       run.req.Question,
		Result:         result,
		Classification: run.classification,
		ResponseTime:   now.Sub(run.start),
		RecordedAt:     now,
	})
}

// present applies caller-facing options without touching the cached payload.
func (e *QueryEngine) present(run *questionRun, result *AnswerResult) *AnswerResult {
	out := *result
	if run.req.OmitSources || out.SourceFragments == nil {
		out.SourceFragments = []SourceFragment{}
	}
	return &out
}

// isCancellation reports whether err stems from the caller going away.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrStreamCancelled)
}
