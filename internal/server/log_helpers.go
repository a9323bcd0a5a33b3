package server

import (
	"log/slog"
	"net/http"

	"devicegate/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request ID and resolved client address from the context plus the path.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if r == nil {
		return base
	}
	return logging.FromContext(r.Context(), base).With("path", r.URL.Path)
}

// clientAddrMiddleware resolves the client address once per request and
// stores it on the context for admission, rate limiting and logging.
func clientAddrMiddleware(resolver clientAddrResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if addr := resolver.Resolve(r); addr != "" {
			ctx = logging.ContextWithClientAddr(ctx, addr)
			if logger := logging.LoggerFromContext(ctx); logger != nil {
				ctx = logging.ContextWithLogger(ctx, logger.With("client_addr", addr))
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type clientAddrResolver interface {
	Resolve(r *http.Request) string
}
