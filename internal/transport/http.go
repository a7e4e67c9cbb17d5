// Package transport wires the HTTP serving mode: routing, health, and
// the optional shared-token gate in front of the MCP handler.
package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// NewRouter builds the HTTP routing tree. handler is the MCP streamable
// HTTP handler; authToken, when non-empty, gates /mcp behind a static
// bearer token. /health stays open for probes.
func NewRouter(handler http.Handler, authToken string, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()
	r.Use(requestLogging(logger))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if authToken != "" {
			r.Use(BearerAuth(authToken))
		}
		r.Handle("/mcp", handler)
		r.Handle("/mcp/*", handler)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		})
	}
}
