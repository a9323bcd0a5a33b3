// Package ratelimit implements fixed-window request counters keyed by client
// address.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

var (
	ErrInvalidLimit  = errors.New("ratelimit: limit must be positive")
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")
	ErrKeyRequired   = errors.New("ratelimit: key is required")
)

// Config bounds each key to Limit hits per Window.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig returns 30 requests per minute.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: DefaultWindow}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return ErrInvalidLimit
	}
	if c.Window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Result describes one counted hit.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is how long until the current window closes.
	Reset time.Duration
}

// ResetSeconds is Reset rounded up to whole seconds, never below one.
func (r Result) ResetSeconds() int64 {
	secs := int64((r.Reset + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter counts a hit against key and reports whether it fits the window.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func newResult(cfg Config, count int, reset time.Duration) Result {
	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	if reset < 0 {
		reset = 0
	}
	return Result{
		Allowed:   count <= cfg.Limit,
		Limit:     cfg.Limit,
		Remaining: remaining,
		Reset:     reset,
	}
}
