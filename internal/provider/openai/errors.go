package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/davidbz/docqa/internal/domain"
)

// classifyError tags SDK failures as transient or fatal for the invoker.
// Timeouts, throttling, conflicts and server errors are transient; any
// other API status is fatal. Caller cancellation passes through untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if isTransientStatus(apiErr.StatusCode) {
			return fmt.Errorf("%w: openai status %d: %w", domain.ErrLLMTransient, apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: openai status %d: %w", domain.ErrLLMFatal, apiErr.StatusCode, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrLLMTransient, err)
	}

	// Unclassified transport failures (reset connections, truncated bodies).
	return fmt.Errorf("%w: %w", domain.ErrLLMTransient, err)
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	default:
		return status >= http.StatusInternalServerError
	}
}
