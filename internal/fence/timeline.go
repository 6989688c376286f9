package fence

import (
	"context"
	"sync"
)

// Timeline is a guest-visible monotonically increasing counter. It only
// moves forward.
type Timeline struct {
	mu      sync.Mutex
	value   uint64
	waiters []timelineWaiter
}

type timelineWaiter struct {
	target uint64
	ch     chan struct{}
}

// NewTimeline returns a timeline starting at initial.
func NewTimeline(initial uint64) *Timeline {
	return &Timeline{value: initial}
}

// Value returns the current counter value.
func (t *Timeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Increment advances the counter by one and returns the new value.
func (t *Timeline) Increment() uint64 {
	t.mu.Lock()
	t.value++
	v := t.value
	t.wakeLocked()
	t.mu.Unlock()
	return v
}

// Advance moves the counter to v. Values at or below the current value
// are ignored. It reports whether the counter moved.
func (t *Timeline) Advance(v uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v <= t.value {
		return false
	}
	t.value = v
	t.wakeLocked()
	return true
}

func (t *Timeline) wakeLocked() {
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if t.value >= w.target {
			close(w.ch)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(t.waiters); i++ {
		t.waiters[i] = timelineWaiter{}
	}
	t.waiters = kept
}

// WaitFor blocks until the counter reaches at least v or ctx is done.
func (t *Timeline) WaitFor(ctx context.Context, v uint64) error {
	t.mu.Lock()
	if t.value >= v {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, timelineWaiter{target: v, ch: ch})
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		for i, w := range t.waiters {
			if w.ch == ch {
				t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		return ctx.Err()
	}
}
