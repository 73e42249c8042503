package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/forensiq/harvest/pkg/events"
	"github.com/forensiq/harvest/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with defaults fit for the in-process
// fakes (5s timeout, 10ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(5*time.Second, 10*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForObject waits for a key to land in the object store
func (w *Waiter) WaitForObject(ctx context.Context, store *FakeObjectStore, key string) error {
	return w.WaitFor(ctx, func() bool {
		_, ok := store.Object(key)
		return ok
	}, fmt.Sprintf("object %s to land in the store", key))
}

// WaitForPulses waits for the cloud to see at least n keep-alive
// refreshes
func (w *Waiter) WaitForPulses(ctx context.Context, cloud *FakeCloud, n int) error {
	return w.WaitFor(ctx, func() bool {
		return cloud.Pulses() >= n
	}, fmt.Sprintf("%d session keep-alive pulses", n))
}

// WaitForSessionsDrained waits until every session the cloud opened has
// been torn down again
func (w *Waiter) WaitForSessionsDrained(ctx context.Context, cloud *FakeCloud) error {
	return w.WaitFor(ctx, func() bool {
		return cloud.SessionsOpened() > 0 && cloud.SessionsOpened() == cloud.SessionsDeleted()
	}, "all opened sessions to be released")
}

// TerminalEvents drains the subscription until a job's terminal event
// arrives and returns everything seen on the way.
func TerminalEvents(t TestingT, sub events.Subscriber, timeout time.Duration) []*events.Event {
	t.Helper()
	var got []*events.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub:
			got = append(got, ev)
			if ev.Type == events.EventJobDone || ev.Type == events.EventJobFailed {
				return got
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(got))
			return got
		}
	}
}

// PhasesOf filters the phase transitions out of an event stream.
func PhasesOf(evs []*events.Event) []types.Phase {
	var out []types.Phase
	for _, ev := range evs {
		if ev.Type == events.EventJobPhase {
			out = append(out, ev.Phase)
		}
	}
	return out
}
