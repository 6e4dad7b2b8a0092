package domain_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memorycache "github.com/davidbz/docqa/internal/cache/memory"
	memoryconv "github.com/davidbz/docqa/internal/conversation/memory"
	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/embedding/hashing"
	memoryindex "github.com/davidbz/docqa/internal/index/memory"
	"github.com/davidbz/docqa/internal/observability"
	"github.com/davidbz/docqa/internal/prompts"
	"github.com/davidbz/docqa/internal/provider/registry"
)

const (
	testModel    = "scripted-model"
	testDocument = "D1"
	testAnswer   = "Covalent bonds form when two atoms share one or more pairs of electrons."
)

func init() {
	observability.SetLogger(zap.NewNop())
}

// scriptedProvider is a deterministic provider whose behaviour each test
// can override.
type scriptedProvider struct {
	complete func(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error)
	stream   func(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error)

	completeCalls atomic.Int32
	streamCalls   atomic.Int32

	mu       sync.Mutex
	requests []*domain.CompletionRequest
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{}
}

func (p *scriptedProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	p.completeCalls.Add(1)
	p.remember(req)

	if p.complete != nil {
		return p.complete(ctx, req)
	}
	return &domain.CompletionResponse{
		Model:   req.Model,
		Content: testAnswer,
		Usage:   domain.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
	}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	p.streamCalls.Add(1)
	p.remember(req)

	if p.stream != nil {
		return p.stream(ctx, req)
	}
	return streamWords(ctx, testAnswer, 0), nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) IsModelSupported(_ context.Context, model string) bool {
	return model == testModel || model == "other-model"
}

func (p *scriptedProvider) SupportedModels(_ context.Context) []string {
	return []string{testModel, "other-model"}
}

func (p *scriptedProvider) remember(req *domain.CompletionRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
}

func (p *scriptedProvider) lastRequest() *domain.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

// streamWords emits text word by word, waiting delay between words, then done.
func streamWords(ctx context.Context, text string, delay time.Duration) <-chan domain.StreamChunk {
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for i, word := range strings.SplitAfter(text, " ") {
			if i > 0 && delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- domain.StreamChunk{Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.StreamChunk{Done: true, Usage: &domain.Usage{TotalTokens: 30}}:
		case <-ctx.Done():
		}
	}()
	return out
}

// stubClassifier returns a fixed verdict or error.
type stubClassifier struct {
	verdict *domain.Classification
	err     error
	calls   atomic.Int32
}

func (s *stubClassifier) Classify(_ context.Context, _ string) (*domain.Classification, error) {
	s.calls.Add(1)
	return s.verdict, s.err
}

// captureRecorder keeps every record it receives.
type captureRecorder struct {
	mu      sync.Mutex
	records []*domain.AnswerRecord
}

func (r *captureRecorder) Record(_ context.Context, record *domain.AnswerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// failingStore is a cache backend that is always down.
type failingStore struct{}

var errBackendDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errBackendDown }

func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errBackendDown }

func (failingStore) DeletePrefix(context.Context, string) (int, error) { return 0, errBackendDown }

// failingIndex is a vector index that is always down.
type failingIndex struct{}

func (failingIndex) Search(context.Context, string, []float64, int) ([]domain.ScoredFragment, error) {
	return nil, errBackendDown
}

func (failingIndex) Upsert(context.Context, string, []domain.Fragment) error { return errBackendDown }

func (failingIndex) DeleteNamespace(context.Context, string) error { return errBackendDown }

// countingIndex wraps an index and counts searches.
type countingIndex struct {
	domain.VectorIndex
	searches atomic.Int32
}

func (c *countingIndex) Search(ctx context.Context, ns string, v []float64, k int) ([]domain.ScoredFragment, error) {
	c.searches.Add(1)
	return c.VectorIndex.Search(ctx, ns, v, k)
}

type harnessConfig struct {
	classifier    domain.QueryClassifier
	llmClassifier bool
	cacheStore    domain.CacheStore
	index         domain.VectorIndex
	maxRetries    int
}

type harnessOption func(*harnessConfig)

func withClassifier(c domain.QueryClassifier) harnessOption {
	return func(h *harnessConfig) { h.classifier = c }
}

// withLLMClassifier gates questions with an LLMClassifier that shares the
// harness provider and invoker.
func withLLMClassifier() harnessOption {
	return func(h *harnessConfig) { h.llmClassifier = true }
}

func withCacheStore(s domain.CacheStore) harnessOption {
	return func(h *harnessConfig) { h.cacheStore = s }
}

func withIndex(x domain.VectorIndex) harnessOption {
	return func(h *harnessConfig) { h.index = x }
}

func withMaxRetries(n int) harnessOption {
	return func(h *harnessConfig) { h.maxRetries = n }
}

type harness struct {
	engine        *domain.QueryEngine
	streamer      *domain.StreamingCoordinator
	provider      *scriptedProvider
	index         *countingIndex
	conversations *memoryconv.Store
	recorder      *captureRecorder
	prompts       *domain.Prompts
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{
		cacheStore: memorycache.NewStore(),
		index:      memoryindex.NewIndex(),
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	provider := newScriptedProvider()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), provider))

	promptSet, err := prompts.Default()
	require.NoError(t, err)

	index := &countingIndex{VectorIndex: cfg.index}
	conversations := memoryconv.NewStore()
	recorder := &captureRecorder{}

	invoker := domain.NewInvoker(&domain.InvokerConfig{
		MaxConcurrent: 3,
		MaxRetries:    cfg.maxRetries,
		RetryDelay:    time.Millisecond,
		RetryBackoff:  1,
	})
	builder := domain.NewPromptBuilder(promptSet, 2000)

	if cfg.llmClassifier {
		cfg.classifier = domain.NewLLMClassifier(reg, invoker, builder, &domain.ClassifierConfig{Enabled: true}, testModel)
	}

	engine := domain.NewQueryEngine(domain.EngineDependencies{
		Registry:      reg,
		Invoker:       invoker,
		Cache:         domain.NewCacheManager(cfg.cacheStore, &domain.CacheConfig{Enabled: true, KeyPrefix: "test:qa"}),
		Conversations: domain.NewConversationManager(conversations, &domain.ConversationConfig{HistoryLength: 2}),
		Retrieval:     domain.NewRetrievalClient(hashing.NewGenerator(128), index, &domain.RetrievalConfig{TopK: 3}),
		Classifier:    cfg.classifier,
		Prompts:       builder,
		Recorder:      recorder,
		LLM:           &domain.LLMConfig{Model: testModel, Temperature: 0.2, MaxTokens: 256},
	})

	return &harness{
		engine:        engine,
		streamer:      domain.NewStreamingCoordinator(engine, &domain.StreamConfig{ReplayChunkSize: 7, ReplayDelay: time.Millisecond}),
		provider:      provider,
		index:         index,
		conversations: conversations,
		recorder:      recorder,
		prompts:       promptSet,
	}
}

func (h *harness) ingest(t *testing.T, documentID string) {
	t.Helper()

	_, err := h.engine.IngestFragments(context.Background(), documentID, []domain.Fragment{
		{Index: 0, Text: "Covalent bonds share electron pairs between atoms.", Section: "Bonding"},
		{Index: 1, Text: "Ionic bonds transfer electrons from one atom to another.", Section: "Bonding"},
		{Index: 2, Text: "Hydrogen bonds are weak attractions involving hydrogen.", Section: "Forces"},
	})
	require.NoError(t, err)
}

func question(text string) *domain.QuestionRequest {
	return &domain.QuestionRequest{DocumentID: testDocument, UserID: "student-1", Question: text}
}

// collect drains a stream, failing the test if it does not end in time.
func collect(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()

	var out []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}

func chunksOf(events []domain.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if !ev.IsTerminal() {
			sb.WriteString(ev.Chunk)
		}
	}
	return sb.String()
}
