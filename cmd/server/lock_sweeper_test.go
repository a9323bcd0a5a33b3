package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"devicegate/internal/devicelock"
	"devicegate/internal/observability/logging"
	"devicegate/internal/observability/metrics"
)

type fakeTable struct {
	mu      sync.Mutex
	calls   chan struct{}
	removed int
	size    int
	err     error
}

func newFakeTable(removed, size int) *fakeTable {
	return &fakeTable{calls: make(chan struct{}, 1), removed: removed, size: size}
}

func (f *fakeTable) Admit(context.Context, string, string) (devicelock.Decision, error) {
	return devicelock.Allow, nil
}

func (f *fakeTable) Sweep(context.Context) (int, error) {
	f.mu.Lock()
	removed, err := f.removed, f.err
	f.mu.Unlock()
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return removed, err
}

func (f *fakeTable) Len(context.Context) (int, error) {
	return f.size, nil
}

type fakeWindows struct {
	calls chan struct{}
}

func (f *fakeWindows) Sweep(context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 0, nil
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestLockSweepWorkerSweepsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	table := newFakeTable(3, 7)
	windows := &fakeWindows{calls: make(chan struct{}, 1)}
	recorder := metrics.New()

	worker := newLockSweepWorkerWithTicker(logging.Discard(), recorder, table, windows, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	done := make(chan error, 1)
	go func() { done <- worker(ctx) }()

	ticker.Tick()
	select {
	case <-table.calls:
	case <-time.After(time.Second):
		t.Fatal("expected lock sweep to be invoked")
	}
	select {
	case <-windows.calls:
	case <-time.After(time.Second):
		t.Fatal("expected window sweep to be invoked")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to stop after context cancellation")
	}

	expected := `
# HELP devicegate_device_locks_active Address locks held after the most recent sweep.
# TYPE devicegate_device_locks_active gauge
devicegate_device_locks_active 7
`
	if err := testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(expected), "devicegate_device_locks_active"); err != nil {
		t.Fatal(err)
	}
}

func TestLockSweepWorkerSurvivesSweepErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	table := newFakeTable(0, 0)
	table.err = errors.New("store down")

	worker := newLockSweepWorkerWithTicker(logging.Discard(), metrics.New(), table, nil, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	done := make(chan error, 1)
	go func() { done <- worker(ctx) }()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-table.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep %d to be invoked", i+1)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker returned error: %v", err)
	}
}

func TestLockSweepWorkerDisabled(t *testing.T) {
	if w := newLockSweepWorker(nil, nil, nil, nil, time.Minute); w != nil {
		t.Fatal("expected no worker without targets")
	}
	if w := newLockSweepWorker(nil, nil, newFakeTable(0, 0), nil, 0); w != nil {
		t.Fatal("expected no worker without an interval")
	}
}
