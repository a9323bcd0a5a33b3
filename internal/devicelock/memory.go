package devicelock

import (
	"context"
	"sync"
	"time"
)

// MemoryTable keeps bindings in a mutex-guarded map. It is the default for
// single-instance deployments; bindings do not survive a restart.
type MemoryTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     Clock
	entries map[string]Entry
}

// MemoryOption customises a MemoryTable.
type MemoryOption func(*MemoryTable)

// WithClock overrides the time source.
func WithClock(clock Clock) MemoryOption {
	return func(t *MemoryTable) {
		t.now = resolveClock(clock)
	}
}

// NewMemoryTable constructs an empty table whose bindings live for ttl.
func NewMemoryTable(ttl time.Duration, opts ...MemoryOption) *MemoryTable {
	table := &MemoryTable{
		ttl:     resolveTTL(ttl),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(table)
	}
	return table
}

func (t *MemoryTable) Admit(_ context.Context, address, device string) (Decision, error) {
	if err := validate(address, device); err != nil {
		return 0, err
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[address]
	if ok && !entry.Expired(now) && entry.Device != device {
		return Deny, nil
	}
	t.entries[address] = Entry{Device: device, LastSeen: now, ExpiresAt: now.Add(t.ttl)}
	return Allow, nil
}

func (t *MemoryTable) Sweep(context.Context) (int, error) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for address, entry := range t.entries {
		if entry.Expired(now) {
			delete(t.entries, address)
			removed++
		}
	}
	return removed, nil
}

func (t *MemoryTable) Len(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), nil
}

// Lookup returns the binding stored for address, expired or not.
func (t *MemoryTable) Lookup(address string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[address]
	return entry, ok
}
