package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps one window per key in process memory. Windows are not
// shared between replicas and do not survive a restart.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// MemoryOption customises a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewMemoryLimiter validates cfg and returns an empty limiter.
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrKeyRequired
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows[key] = w
	}
	w.count++
	return newResult(l.cfg, w.count, w.resetAt.Sub(now)), nil
}

// Sweep drops windows that have already closed and reports how many went.
func (l *MemoryLimiter) Sweep(context.Context) (int, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many windows are tracked.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
