// Package abort terminates the process on host/guest protocol violations.
//
// A protocol violation (a composition over the layer limit, an operation on
// a handle whose existence the protocol guarantees, a render target that
// cannot be built after validation passed) means the host and guest views
// of GPU state have diverged. Continuing would corrupt rendering, so the
// process logs one structured record, flushes registered sinks and exits.
package abort

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// ExitCode is the process status used for protocol aborts (SIGABRT style).
const ExitCode = 134

// Flusher is run before the process exits.
type Flusher func()

var (
	loggerPtr atomic.Pointer[slog.Logger]

	flushMu   sync.Mutex
	flushers  []flusherEntry
	flusherID uint64

	// exit is replaced in tests of this package.
	exit = os.Exit
)

func init() {
	loggerPtr.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// SetLogger sets the logger that receives abort records. Unlike the
// component loggers this one defaults to stderr: an abort must never be
// silent. Passing nil restores the default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	loggerPtr.Store(l)
}

type flusherEntry struct {
	id uint64
	f  Flusher
}

// RegisterFlusher adds a function run before exit, in registration order.
// The returned func removes it again and may be called more than once.
func RegisterFlusher(f Flusher) (unregister func()) {
	if f == nil {
		return func() {}
	}
	flushMu.Lock()
	flusherID++
	id := flusherID
	flushers = append(flushers, flusherEntry{id: id, f: f})
	flushMu.Unlock()

	return func() {
		flushMu.Lock()
		defer flushMu.Unlock()
		for i, e := range flushers {
			if e.id == id {
				flushers = append(flushers[:i], flushers[i+1:]...)
				return
			}
		}
	}
}

// Registered returns the number of registered flushers.
func Registered() int {
	flushMu.Lock()
	defer flushMu.Unlock()
	return len(flushers)
}

// Fatal logs event with attrs at error level and terminates the process.
// It does not return.
func Fatal(event string, attrs ...any) {
	l := loggerPtr.Load()
	args := append([]any{slog.String("abort", event)}, attrs...)
	l.Log(context.Background(), slog.LevelError, "vgpu: fatal protocol violation", args...)

	flushMu.Lock()
	fs := append([]flusherEntry(nil), flushers...)
	flushMu.Unlock()
	for _, e := range fs {
		e.f()
	}
	exit(ExitCode)

	// exit is only replaced in tests; keep the no-return contract
	// for callers either way.
	panic("abort: " + event)
}
