// Package fence implements the asynchronous wait-and-signal engine that
// turns host GPU completion primitives into guest-visible completion
// signals and timeline increments.
package fence

import (
	"context"
	"sync"
	"sync/atomic"
)

// Signal is a one-shot completion signal. It completes at most once;
// later Complete calls are ignored.
//
// Signal supports three styles of consumption: Poll for a non-blocking
// check, Wait for a blocking wait bounded by a context, and OnDone for a
// continuation. The zero value is not usable; create one with NewSignal.
type Signal struct {
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	callbacks []func()

	timedOut atomic.Bool
}

// NewSignal returns a pending signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Completed returns a signal that is already complete.
func Completed() *Signal {
	s := NewSignal()
	s.Complete()
	return s
}

// Complete marks the signal done and runs registered callbacks on the
// calling goroutine, in registration order.
func (s *Signal) Complete() {
	s.once.Do(func() {
		s.mu.Lock()
		cbs := s.callbacks
		s.callbacks = nil
		close(s.done)
		s.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	})
}

// completeTimedOut completes the signal and records that the underlying
// wait did not observe the primitive signaled.
func (s *Signal) completeTimedOut() {
	s.timedOut.Store(true)
	s.Complete()
}

// Poll reports whether the signal has completed.
func (s *Signal) Poll() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the signal completes or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDone registers f to run once the signal completes. If the signal is
// already complete, f runs immediately on the calling goroutine.
func (s *Signal) OnDone(f func()) {
	if f == nil {
		return
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		f()
		return
	default:
	}
	s.callbacks = append(s.callbacks, f)
	s.mu.Unlock()
}

// TimedOut reports whether the signal was completed after a wait that
// timed out or failed rather than observing the primitive signaled.
func (s *Signal) TimedOut() bool {
	return s.timedOut.Load()
}
