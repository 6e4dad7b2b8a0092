package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/docqa/internal/observability"
)

// StreamConfig controls the cadence of cached-answer replay.
type StreamConfig struct {
	ReplayChunkSize int           `env:"STREAM_REPLAY_CHUNK_SIZE" envDefault:"10"`
	ReplayDelay     time.Duration `env:"STREAM_REPLAY_DELAY"      envDefault:"10ms"`
}

type streamState int

const (
	stateIdle streamState = iota
	stateCacheCheck
	stateReplaying
	stateGenerating
	stateComplete
	stateError
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCacheCheck:
		return "cache_check"
	case stateReplaying:
		return "replaying"
	case stateGenerating:
		return "generating"
	case stateComplete:
		return "complete"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamingCoordinator answers questions as a sequence of events. Cached
// answers are replayed in fixed-size pieces; fresh answers are forwarded
// token by token and written through to the cache once complete.
type StreamingCoordinator struct {
	engine    *QueryEngine
	chunkSize int
	delay     time.Duration
}

// NewStreamingCoordinator creates a streaming coordinator over engine.
func NewStreamingCoordinator(engine *QueryEngine, cfg *StreamConfig) *StreamingCoordinator {
	s := &StreamingCoordinator{
		engine:    engine,
		chunkSize: 10,
		delay:     10 * time.Millisecond,
	}

	if cfg != nil {
		if cfg.ReplayChunkSize > 0 {
			s.chunkSize = cfg.ReplayChunkSize
		}
		if cfg.ReplayDelay >= 0 {
			s.delay = cfg.ReplayDelay
		}
	}

	return s
}

// Stream validates req and starts answering it. The returned channel
// carries chunk events followed by exactly one done or error event, and is
// closed afterwards. If ctx is cancelled the channel is closed without a
// terminal event and nothing is cached.
func (s *StreamingCoordinator) Stream(ctx context.Context, req *QuestionRequest) (<-chan StreamEvent, error) {
	run, err := s.engine.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	stream := &answerStream{
		coordinator: s,
		run:         run,
		events:      events,
		state:       stateIdle,
	}

	go stream.serve(run.scope(ctx))

	return events, nil
}

// answerStream is the state of one streamed answer.
type answerStream struct {
	coordinator *StreamingCoordinator
	run         *questionRun
	events      chan StreamEvent
	state       streamState
}

func (a *answerStream) serve(ctx context.Context) {
	defer close(a.events)

	engine := a.coordinator.engine
	engine.clearIfRequested(ctx, a.run)

	a.transition(ctx, stateCacheCheck)
	if cached := engine.lookup(ctx, a.run); cached != nil {
		a.transition(ctx, stateReplaying)
		if !a.replay(ctx, cached.Answer) {
			a.cancelled(ctx)
			return
		}
		a.transition(ctx, stateComplete)
		engine.record(ctx, a.run, cached)
		return
	}

	a.transition(ctx, stateGenerating)

	a.run.classification = engine.classify(ctx, a.run.req.Question)
	if short := engine.shortCircuit(ctx, a.run); short != nil {
		a.fixed(ctx, short)
		return
	}

	plan, fallback, err := engine.plan(ctx, a.run)
	if err != nil {
		a.fail(ctx, err)
		return
	}
	if fallback != nil {
		a.fixed(ctx, fallback)
		return
	}

	answer, tokens, err := a.generate(ctx, plan)
	if err != nil {
		a.fail(ctx, err)
		return
	}

	// A partial answer must never reach the cache.
	if ctx.Err() != nil {
		a.cancelled(ctx)
		return
	}

	result := engine.finish(ctx, a.run, plan, answer, "", tokens)
	if !a.emit(ctx, DoneEvent(answer)) {
		a.cancelled(ctx)
		return
	}

	a.transition(ctx, stateComplete)
	engine.record(ctx, a.run, result)
}

// generate streams the completion inside the invoker, forwarding every
// delta. Failures after the first forwarded delta are not retried.
func (a *answerStream) generate(ctx context.Context, plan *answerPlan) (string, int, error) {
	var (
		buf       strings.Builder
		forwarded bool
		usage     *Usage
	)

	err := a.coordinator.engine.invoker.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks, err := a.run.provider.Stream(attemptCtx, plan.request)
		if err != nil {
			return streamFailure(forwarded, err)
		}

		for chunk := range chunks {
			if chunk.Error != nil {
				return streamFailure(forwarded, chunk.Error)
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				return nil
			}
			if chunk.Delta == "" {
				continue
			}

			if !a.emit(ctx, ChunkEvent(chunk.Delta)) {
				return fmt.Errorf("%w: %w", ErrStreamCancelled, ctx.Err())
			}
			forwarded = true
			buf.WriteString(chunk.Delta)
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStreamCancelled, err)
		}
		return nil
	})

	tokens := 0
	if usage != nil {
		tokens = usage.TotalTokens
	}
	return buf.String(), tokens, err
}

func streamFailure(forwarded bool, err error) error {
	if forwarded {
		return fmt.Errorf("%w: stream interrupted after first token: %w", ErrLLMFatal, err)
	}
	return err
}

// replay emits the cached answer in rune-safe pieces, then done.
func (a *answerStream) replay(ctx context.Context, answer string) bool {
	for i, piece := range splitRunes(answer, a.coordinator.chunkSize) {
		if i > 0 && a.coordinator.delay > 0 {
			if err := sleep(ctx, a.coordinator.delay); err != nil {
				return false
			}
		}
		if !a.emit(ctx, ChunkEvent(piece)) {
			return false
		}
	}
	return a.emit(ctx, DoneEvent(answer))
}

// fixed emits a canned answer as one chunk and done.
func (a *answerStream) fixed(ctx context.Context, result *AnswerResult) {
	if !a.emit(ctx, ChunkEvent(result.Answer)) || !a.emit(ctx, DoneEvent(result.Answer)) {
		a.cancelled(ctx)
		return
	}
	a.transition(ctx, stateComplete)
	a.coordinator.engine.record(ctx, a.run, result)
}

func (a *answerStream) fail(ctx context.Context, err error) {
	if isCancellation(ctx, err) {
		a.cancelled(ctx)
		return
	}

	a.transition(ctx, stateError)
	observability.FromContext(ctx).Error("stream failed", observability.Error(err))
	event := ErrorEvent(err)
	event.Message = a.coordinator.engine.ProcessingErrorMessage()
	a.emit(ctx, event)
}

func (a *answerStream) cancelled(ctx context.Context) {
	a.transition(ctx, stateError)
	observability.FromContext(ctx).Info("stream cancelled by client",
		observability.Error(ErrStreamCancelled))
}

func (a *answerStream) transition(ctx context.Context, next streamState) {
	observability.FromContext(ctx).Debug("stream state changed",
		observability.String("from", a.state.String()),
		observability.String("to", next.String()))
	a.state = next
}

// emit delivers ev unless the consumer went away.
func (a *answerStream) emit(ctx context.Context, ev StreamEvent) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitRunes cuts s into pieces of at most size runes.
func splitRunes(s string, size int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}

	pieces := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
