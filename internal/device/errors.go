package device

import "errors"

var (
	// ErrNoDevice is returned when no adapter can run the host.
	ErrNoDevice = errors.New("device: no suitable adapter")

	// ErrUnsupportedFormat is returned when an image format cannot be
	// allocated or sampled on the host device.
	ErrUnsupportedFormat = errors.New("device: unsupported format")

	// ErrNoMemoryType is returned when no memory type satisfies the
	// requested property mask.
	ErrNoMemoryType = errors.New("device: no memory type satisfies mask")

	// ErrInvalidResource is returned for malformed resource descriptions.
	ErrInvalidResource = errors.New("device: invalid resource")

	// ErrClosed is returned by operations on a closed context.
	ErrClosed = errors.New("device: context closed")
)
