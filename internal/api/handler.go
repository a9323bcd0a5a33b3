package api

import (
	"context"
	"log/slog"

	"devicegate/internal/observability/metrics"
	"devicegate/internal/upstream"
)

// DefaultMaxBodyBytes bounds JSON request bodies.
const DefaultMaxBodyBytes = 10 << 10

// Pinger is implemented by backends that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Upstream        upstream.Generator
	MaxPromptLength int
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	// Components are probed by Health, keyed by component name.
	Components map[string]Pinger
}

func NewHandler(gen upstream.Generator, logger *slog.Logger) *Handler {
	return &Handler{
		Upstream:        gen,
		MaxPromptLength: DefaultMaxPromptLength,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		Logger:          logger,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) maxBodyBytes() int64 {
	if h.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return h.MaxBodyBytes
}

func (h *Handler) maxPromptLength() int {
	if h.MaxPromptLength <= 0 {
		return DefaultMaxPromptLength
	}
	return h.MaxPromptLength
}
