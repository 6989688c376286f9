package present

import "errors"

var (
	// ErrNotBound is returned by Post before Bind or after Unbind.
	ErrNotBound = errors.New("present: not bound to a surface")

	// ErrNeedsRebind reports a stale swapchain. The caller rebinds and
	// retries; it is not a failure of the frame.
	ErrNeedsRebind = errors.New("present: swapchain needs rebind")

	// ErrTargetUnsupported is returned by Compose for a target that is not
	// a color-attachment capable 8-bit RGBA/BGRA image.
	ErrTargetUnsupported = errors.New("present: compose target unsupported")

	// ErrInvalidSource is returned by Post for a source that is not an
	// image.
	ErrInvalidSource = errors.New("present: post source is not an image")

	// ErrNoFrame is returned by Screenshot before anything was presented.
	ErrNoFrame = errors.New("present: nothing presented yet")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("present: engine closed")
)
