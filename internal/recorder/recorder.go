// Package recorder hands finished answers to a sink without blocking the
// request path. Records are written by a small ants worker pool; when every
// worker is busy the record is dropped and counted.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/observability"
)

const defaultTimeout = 5 * time.Second

// Sink persists a single answer record.
type Sink interface {
	Write(ctx context.Context, record *domain.AnswerRecord) error
	Close() error
}

// AsyncRecorder implements domain.Recorder over a non-blocking pool.
type AsyncRecorder struct {
	pool    *ants.Pool
	sink    Sink
	timeout time.Duration
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncRecorder starts the worker pool in front of sink.
func NewAsyncRecorder(sink Sink, cfg *Config) (*AsyncRecorder, error) {
	if sink == nil {
		return nil, errors.New("recorder sink cannot be nil")
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder pool: %w", err)
	}

	return &AsyncRecorder{
		pool:    pool,
		sink:    sink,
		timeout: timeout,
	}, nil
}

// Record submits record to the pool and returns immediately. The write
// outlives the request context but keeps its logging fields.
func (r *AsyncRecorder) Record(ctx context.Context, record *domain.AnswerRecord) {
	if record == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	err := r.pool.Submit(func() {
		writeCtx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		if err := r.sink.Write(writeCtx, record); err != nil {
			r.failed.Add(1)
			observability.FromContext(writeCtx).Warn("failed to record answer",
				observability.Error(err))
		}
	})
	if err != nil {
		r.dropped.Add(1)
		observability.FromContext(ctx).Warn("answer record dropped",
			observability.Error(err),
			observability.Int("running", r.pool.Running()))
	}
}

// Dropped returns how many records were rejected by a saturated or closed pool.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Failed returns how many records the sink rejected.
func (r *AsyncRecorder) Failed() int64 {
	return r.failed.Load()
}

// Close waits for in-flight writes, then closes the sink.
func (r *AsyncRecorder) Close() error {
	releaseErr := r.pool.ReleaseTimeout(r.timeout)
	if err := r.sink.Close(); err != nil {
		return fmt.Errorf("failed to close recorder sink: %w", err)
	}
	if releaseErr != nil {
		return fmt.Errorf("failed to drain recorder pool: %w", releaseErr)
	}
	return nil
}
