package fence

import (
	"sync/atomic"
	"time"
)

// Waitable is a completion primitive a worker can block on.
type Waitable interface {
	// Wait blocks up to timeout. It returns true if the primitive
	// signaled within the timeout.
	Wait(timeout time.Duration) (bool, error)

	// Label names the primitive in log records.
	Label() string
}

// Ready is a waitable that has already signaled. It is used where a
// completion is required but no GPU work was submitted.
type Ready string

// Wait implements Waitable.
func (Ready) Wait(time.Duration) (bool, error) { return true, nil }

// Label implements Waitable.
func (r Ready) Label() string { return string(r) }

// Manual is a waitable released by the caller. It is mostly useful for
// bridging CPU-side completions into the engine.
type Manual struct {
	label string
	ch    chan struct{}
	fired atomic.Bool
}

// NewManual returns an unreleased waitable.
func NewManual(label string) *Manual {
	return &Manual{label: label, ch: make(chan struct{})}
}

// Release signals the waitable. Only the first call has an effect.
func (m *Manual) Release() {
	if m.fired.CompareAndSwap(false, true) {
		close(m.ch)
	}
}

// Wait implements Waitable.
func (m *Manual) Wait(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.ch:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// Label implements Waitable.
func (m *Manual) Label() string { return m.label }
