package vgpu

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/vgpu/internal/abort"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the default logger for hosts created afterwards.
// By default, vgpu produces no log output. A host created with
// [WithLogger] uses that logger instead.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default. Protocol aborts are always written somewhere: with a nil logger
// they go to stderr.
//
// Log levels used by vgpu:
//   - [slog.LevelDebug]: per-frame detail (rebinds, skipped uploads)
//   - [slog.LevelInfo]: lifecycle events (device selected, swapchain created)
//   - [slog.LevelWarn]: recoverable issues (negotiation failures, wait timeouts)
//   - [slog.LevelError]: protocol aborts
//
// Example:
//
//	// Enable info-level logging to stderr:
//	vgpu.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	vgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	if _, silent := l.Handler().(nopHandler); silent {
		abort.SetLogger(nil)
	} else {
		abort.SetLogger(l)
	}
	loggerPtr.Store(l)
}

// Logger returns the current default logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
