package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"devicegate/internal/observability/logging"
)

type idGenerator func() string

// maxRequestIDLength bounds client-supplied ids echoed back in headers and logs.
const maxRequestIDLength = 128

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	return uuid.NewString()
}
