package middleware

import (
	"net/http"
	"slices"

	"github.com/rs/cors"

	"github.com/davidbz/docqa/internal/config"
)

// userIDHeader scopes conversation history, so browsers must be able to send it.
const userIDHeader = "X-User-ID"

// CORS lets browser clients call the question API. A nil config disables it.
func CORS(cfg *config.CORSConfig) Middleware {
	if cfg == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	c := cors.New(corsOptions(cfg))

	return func(next http.Handler) http.Handler {
		return c.Handler(next)
	}
}

// corsOptions maps the configured policy onto rs/cors. Credentials are
// dropped for a wildcard origin since browsers reject that combination.
func corsOptions(cfg *config.CORSConfig) cors.Options {
	headers := slices.Clone(cfg.AllowedHeaders)
	hasUserID := slices.ContainsFunc(headers, func(h string) bool {
		return http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(userIDHeader)
	})
	if !hasUserID {
		headers = append(headers, userIDHeader)
	}

	return cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   headers,
		ExposedHeaders:   []string{requestIDHeader, traceIDHeader},
		AllowCredentials: cfg.AllowCredentials && !slices.Contains(cfg.AllowedOrigins, "*"),
		MaxAge:           cfg.MaxAge,
	}
}
