package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"devicegate/internal/observability/logging"
	"devicegate/internal/upstream"
)

const (
	upstreamErrorMessage   = "Upstream AI error"
	upstreamTimeoutMessage = "The AI service timed out. Please try again later."
	upstreamFailureMessage = "Failed to get a response from the AI. Please try again later."
)

// GeminiProxy relays {"query": "..."} to the upstream model.
func (h *Handler) GeminiProxy(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, queryField)
}

// Chat relays {"prompt": "..."} to the upstream model.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, promptInput)
}

func (h *Handler) relay(w http.ResponseWriter, r *http.Request, field promptField) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	fields, reqErr := decodeObject(w, r, h.maxBodyBytes())
	if reqErr != nil {
		writeRequestError(w, reqErr)
		return
	}
	text, reqErr := extractPrompt(fields, field, h.maxPromptLength())
	if reqErr != nil {
		writeRequestError(w, reqErr)
		return
	}
	if h.Upstream == nil {
		WriteMessage(w, http.StatusInternalServerError, upstreamFailureMessage)
		return
	}

	logger := logging.FromContext(r.Context(), h.logger())
	start := time.Now()
	body, err := h.Upstream.Generate(r.Context(), text)
	elapsed := time.Since(start)

	var statusErr *upstream.StatusError
	switch {
	case err == nil:
		h.metrics().ObserveUpstream("ok", elapsed)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case errors.As(err, &statusErr):
		h.metrics().ObserveUpstream("status", elapsed)
		logger.Warn("upstream returned an error", "status", statusErr.StatusCode)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: upstreamErrorMessage, Detail: statusErr.Detail})
	case errors.Is(err, upstream.ErrTimeout):
		h.metrics().ObserveUpstream("timeout", elapsed)
		logger.Warn("upstream timed out", "elapsed_ms", elapsed.Milliseconds())
		WriteMessage(w, http.StatusGatewayTimeout, upstreamTimeoutMessage)
	default:
		h.metrics().ObserveUpstream("error", elapsed)
		logger.Error("upstream call failed", "error", err)
		WriteMessage(w, http.StatusInternalServerError, upstreamFailureMessage)
	}
}
