package domain

import "errors"

var (
	// ErrCacheMiss indicates no cached entry was found, or it expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable indicates the cache backend could not be reached.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrClassificationFailure indicates the classifier call failed.
	ErrClassificationFailure = errors.New("classification failed")

	// ErrRetrieval indicates the similarity search failed.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrLLMTransient marks provider failures worth retrying (timeouts, overload, rate limits).
	ErrLLMTransient = errors.New("transient llm error")

	// ErrLLMFatal marks provider failures that must not be retried (auth, malformed request).
	ErrLLMFatal = errors.New("fatal llm error")

	// ErrRetriesExhausted is returned once every retry of a transient failure has been spent.
	ErrRetriesExhausted = errors.New("llm retries exhausted")

	// ErrStreamCancelled indicates the caller went away during generation.
	ErrStreamCancelled = errors.New("stream cancelled")

	// ErrInvalidRequest indicates a malformed question request.
	ErrInvalidRequest = errors.New("invalid request")
)

// IsTransient reports whether err should be retried by the invoker.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrLLMFatal) {
		return false
	}
	return errors.Is(err, ErrLLMTransient)
}
