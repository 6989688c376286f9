// Package swapchain negotiates and owns presentable images for a surface.
//
// The window-system surface is an external collaborator described by the
// Surface interface. HeadlessSurface is an in-memory implementation used by
// tests and tooling.
package swapchain

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ColorSpace is the color space a surface format is presented in.
type ColorSpace uint8

const (
	ColorSpaceSRGBNonlinear ColorSpace = iota
	ColorSpaceExtendedSRGBLinear
	ColorSpaceDisplayP3
)

// String returns the color space name.
func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceSRGBNonlinear:
		return "srgb-nonlinear"
	case ColorSpaceExtendedSRGBLinear:
		return "extended-srgb-linear"
	case ColorSpaceDisplayP3:
		return "display-p3"
	default:
		return "unknown"
	}
}

// PresentMode is a presentation queueing mode.
type PresentMode uint8

const (
	PresentModeImmediate PresentMode = iota
	PresentModeMailbox
	PresentModeFIFO
	PresentModeFIFORelaxed
)

// String returns the present mode name.
func (m PresentMode) String() string {
	switch m {
	case PresentModeImmediate:
		return "immediate"
	case PresentModeMailbox:
		return "mailbox"
	case PresentModeFIFO:
		return "fifo"
	case PresentModeFIFORelaxed:
		return "fifo-relaxed"
	default:
		return "unknown"
	}
}

// SurfaceFormat is a format and color space pair a surface supports.
type SurfaceFormat struct {
	Format     gputypes.TextureFormat
	ColorSpace ColorSpace
}

// Extent is a 2D size in pixels.
type Extent struct {
	Width, Height uint32
}

// UndefinedExtent as the current extent means the surface size follows
// the swapchain.
var UndefinedExtent = Extent{Width: ^uint32(0), Height: ^uint32(0)}

// Capabilities are the limits a surface advertises.
type Capabilities struct {
	MinImageCount uint32
	// MaxImageCount of 0 means no limit.
	MaxImageCount uint32

	Current   Extent
	MinExtent Extent
	MaxExtent Extent
}

// AcquireStatus reports the health of the swapchain on acquire and present.
type AcquireStatus uint8

const (
	StatusOK AcquireStatus = iota
	// StatusSuboptimal means the image is usable but the swapchain no
	// longer matches the surface.
	StatusSuboptimal
	// StatusOutOfDate means the swapchain must be rebuilt.
	StatusOutOfDate
)

// Stale reports whether the swapchain should be rebuilt.
func (s AcquireStatus) Stale() bool { return s != StatusOK }

// String returns the status name.
func (s AcquireStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSuboptimal:
		return "suboptimal"
	default:
		return "out-of-date"
	}
}

// Surface is a window-system presentation target.
type Surface interface {
	Capabilities() (Capabilities, error)
	Formats() ([]SurfaceFormat, error)
	PresentModes() ([]PresentMode, error)
	SupportsPresent(queueFamily uint32) bool

	// Configure creates the presentable images described by info and
	// returns them in index order.
	Configure(device hal.Device, info *CreateInfo) ([]hal.Texture, error)
	// Acquire returns the index of the next image to render into.
	Acquire() (uint32, AcquireStatus, error)
	// Present queues image index for display.
	Present(index uint32) (AcquireStatus, error)
	// Unconfigure releases the presentable images.
	Unconfigure()
}
