// Package devicelock binds each client network address to at most one device
// identity for a sliding time-to-live.
//
// The first device seen on an address owns it until the binding goes
// unrefreshed for a full TTL; any other device presenting from the same
// address in the meantime is denied. Several devices behind one NAT therefore
// compete for a single slot.
package devicelock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Decision is the outcome of an admission attempt.
type Decision int

const (
	Allow Decision = iota + 1
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unknown"
	}
}

// Entry is the binding held for one address.
type Entry struct {
	Device    string
	LastSeen  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry no longer binds its address at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Table is the process-wide lock table. Admit must be atomic per address.
type Table interface {
	// Admit binds address to device when the address is free or its binding
	// expired, refreshes the binding when device already owns it, and denies
	// otherwise.
	Admit(ctx context.Context, address, device string) (Decision, error)
	// Sweep removes expired bindings and reports how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

// Counter is implemented by tables that can report how many bindings they hold.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// Clock returns the current time. Tables accept one so tests control expiry.
type Clock func() time.Time

// DefaultTTL matches the cookie lifetime used when no TTL is configured.
const DefaultTTL = time.Hour

// MaxSweepInterval caps how long expired bindings may linger before a sweep.
const MaxSweepInterval = 10 * time.Minute

var (
	ErrAddressRequired = errors.New("devicelock: address is required")
	ErrDeviceRequired  = errors.New("devicelock: device is required")

	// ErrUnavailable is wrapped into every backend failure.
	ErrUnavailable = errors.New("devicelock: store unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// SweepInterval is the lesser of ttl and MaxSweepInterval.
func SweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < MaxSweepInterval {
		return ttl
	}
	return MaxSweepInterval
}

func validate(address, device string) error {
	if address == "" {
		return ErrAddressRequired
	}
	if device == "" {
		return ErrDeviceRequired
	}
	return nil
}

func resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func resolveClock(clock Clock) Clock {
	if clock == nil {
		return time.Now
	}
	return clock
}
