package domain

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/davidbz/docqa/internal/observability"
)

// InvokerConfig bounds and retries calls to the LLM provider.
type InvokerConfig struct {
	MaxConcurrent     int           `env:"LLM_MAX_CONCURRENT_REQUESTS" envDefault:"5"`
	MaxRetries        int           `env:"LLM_MAX_RETRIES"             envDefault:"3"`
	RetryDelay        time.Duration `env:"LLM_RETRY_DELAY"             envDefault:"1s"`
	RetryBackoff      float64       `env:"LLM_RETRY_BACKOFF"           envDefault:"2.0"`
	RequestsPerSecond float64       `env:"LLM_REQUESTS_PER_SECOND"     envDefault:"0"`
}

// InvokerStats is a snapshot of invoker counters.
type InvokerStats struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	RetriedRequests    int64 `json:"retried_requests"`
	InFlight           int64 `json:"in_flight"`
	MaxConcurrent      int   `json:"max_concurrent"`
	MaxRetries         int   `json:"max_retries"`
}

// Invoker bounds the number of in-flight LLM calls and retries transient
// failures with exponential backoff. Waiters acquire slots in FIFO order.
type Invoker struct {
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	maxConcurrent int
	maxRetries    int
	retryDelay    time.Duration
	retryBackoff  float64

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	inFlight   atomic.Int64
}

// NewInvoker creates an invoker. Zero values fall back to 5 concurrent
// calls, 3 retries, 1s delay and a backoff factor of 2.
func NewInvoker(cfg *InvokerConfig) *Invoker {
	inv := &Invoker{
		maxConcurrent: 5,
		maxRetries:    3,
		retryDelay:    time.Second,
		retryBackoff:  2.0,
	}

	if cfg != nil {
		if cfg.MaxConcurrent > 0 {
			inv.maxConcurrent = cfg.MaxConcurrent
		}
		if cfg.MaxRetries >= 0 {
			inv.maxRetries = cfg.MaxRetries
		}
		if cfg.RetryDelay > 0 {
			inv.retryDelay = cfg.RetryDelay
		}
		if cfg.RetryBackoff >= 1 {
			inv.retryBackoff = cfg.RetryBackoff
		}
		if cfg.RequestsPerSecond > 0 {
			inv.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), inv.maxConcurrent)
		}
	}

	inv.sem = semaphore.NewWeighted(int64(inv.maxConcurrent))
	return inv
}

// Do runs task under the concurrency ceiling. Transient failures are
// retried up to the configured ceiling; any other failure is returned
// immediately. The slot is held per attempt and released during backoff.
func (i *Invoker) Do(ctx context.Context, task func(ctx context.Context) error) error {
	logger := observability.FromContext(ctx)
	i.total.Add(1)

	var lastErr error
	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		if attempt > 0 {
			i.retried.Add(1)
			delay := i.backoff(attempt - 1)
			logger.Warn("retrying llm call",
				observability.Int("attempt", attempt),
				observability.Int("max_retries", i.maxRetries),
				observability.Duration("delay", delay),
				observability.Error(lastErr))

			if err := sleep(ctx, delay); err != nil {
				i.failed.Add(1)
				return err
			}
		}

		lastErr = i.attempt(ctx, task)
		if lastErr == nil {
			i.successful.Add(1)
			return nil
		}

		if ctx.Err() != nil || !IsTransient(lastErr) {
			i.failed.Add(1)
			return lastErr
		}
	}

	i.failed.Add(1)
	logger.Error("llm retries exhausted",
		observability.Int("attempts", i.maxRetries+1),
		observability.Error(lastErr))
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, i.maxRetries+1, lastErr)
}

func (i *Invoker) attempt(ctx context.Context, task func(ctx context.Context) error) error {
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	if err := i.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire invoker slot: %w", err)
	}
	defer i.sem.Release(1)

	i.inFlight.Add(1)
	defer i.inFlight.Add(-1)

	return task(ctx)
}

// backoff returns RetryDelay * RetryBackoff^retry.
func (i *Invoker) backoff(retry int) time.Duration {
	return time.Duration(float64(i.retryDelay) * math.Pow(i.retryBackoff, float64(retry)))
}

// Stats returns a snapshot of the invoker counters.
func (i *Invoker) Stats() InvokerStats {
	return InvokerStats{
		TotalRequests:      i.total.Load(),
		SuccessfulRequests: i.successful.Load(),
		FailedRequests:     i.failed.Load(),
		RetriedRequests:    i.retried.Load(),
		InFlight:           i.inFlight.Load(),
		MaxConcurrent:      i.maxConcurrent,
		MaxRetries:         i.maxRetries,
	}
}

// Invoke is Do for tasks that produce a value.
func Invoke[T any](ctx context.Context, inv *Invoker, task func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := inv.Do(ctx, func(ctx context.Context) error {
		value, err := task(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
