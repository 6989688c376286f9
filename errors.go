package vgpu

import (
	"errors"

	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/dispatch"
	"github.com/gogpu/vgpu/internal/swapchain"
)

var (
	// ErrClosed is returned by operations on a closed host.
	ErrClosed = errors.New("vgpu: host closed")

	// ErrBackend is returned when the requested HAL backend is unavailable.
	ErrBackend = errors.New("vgpu: backend unavailable")

	// ErrNotBound is returned by Screenshot before a surface is bound.
	ErrNotBound = dispatch.ErrNotBound

	// ErrUnsupported is wrapped by swapchain negotiation failures.
	ErrUnsupported = swapchain.ErrUnsupported

	// ErrUnsupportedFormat is returned for image formats the device cannot
	// allocate or sample.
	ErrUnsupportedFormat = device.ErrUnsupportedFormat

	// ErrNoMemoryType is returned when no memory type satisfies a mask.
	ErrNoMemoryType = device.ErrNoMemoryType

	// ErrInvalidResource is returned for malformed resource descriptions.
	ErrInvalidResource = device.ErrInvalidResource

	// ErrNoDevice is returned when no adapter can run the host.
	ErrNoDevice = device.ErrNoDevice
)
