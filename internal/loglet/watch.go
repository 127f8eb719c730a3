package loglet

import (
	"context"
	"sync"
)

// OffsetWatch tracks a pair of monotonically advancing offsets, the
// release pointer and the trim point, and wakes readers that wait for a
// threshold to become readable. Wakeups are level-triggered: a waiter is
// released as soon as either pointer reaches its threshold.
//
// The mutex guards plain data only and is never held across a wait.
type OffsetWatch struct {
	mu      sync.Mutex
	release Offset
	trim    Offset
	waiters map[*offsetWaiter]struct{}
}

type offsetWaiter struct {
	threshold Offset
	ch        chan struct{}
}

// NewOffsetWatch seeds a watch with recovered pointers.
func NewOffsetWatch(release, trim Offset) *OffsetWatch {
	return &OffsetWatch{
		release: release,
		trim:    trim,
		waiters: make(map[*offsetWaiter]struct{}),
	}
}

// Release returns the current release pointer.
func (w *OffsetWatch) Release() Offset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.release
}

// Trim returns the current trim point.
func (w *OffsetWatch) Trim() Offset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trim
}

// AdvanceRelease moves the release pointer forward and wakes every waiter
// whose threshold is now covered. Going backwards is a no-op.
func (w *OffsetWatch) AdvanceRelease(off Offset) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if off <= w.release {
		return
	}
	w.release = off
	w.wakeLocked()
}

// AdvanceTrim moves the trim point forward and wakes covered waiters, so
// a reader blocked on a now-trimmed range observes the gap promptly.
func (w *OffsetWatch) AdvanceTrim(off Offset) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if off <= w.trim {
		return
	}
	w.trim = off
	w.wakeLocked()
}

func (w *OffsetWatch) wakeLocked() {
	reached := w.release
	if w.trim > reached {
		reached = w.trim
	}
	for waiter := range w.waiters {
		if waiter.threshold <= reached {
			close(waiter.ch)
			delete(w.waiters, waiter)
		}
	}
}

// WaitFor blocks until threshold is covered by either pointer or ctx is
// done. Returning releases the waiter slot either way.
func (w *OffsetWatch) WaitFor(ctx context.Context, threshold Offset) error {
	w.mu.Lock()
	if w.release >= threshold || w.trim >= threshold {
		w.mu.Unlock()
		return nil
	}
	waiter := &offsetWaiter{threshold: threshold, ch: make(chan struct{})}
	w.waiters[waiter] = struct{}{}
	w.mu.Unlock()

	select {
	case <-waiter.ch:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.waiters, waiter)
		w.mu.Unlock()
		return ctx.Err()
	}
}
