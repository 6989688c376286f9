package swapchain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrNotConfigured is returned by a headless surface used before Configure.
var ErrNotConfigured = errors.New("swapchain: surface not configured")

// HeadlessSurface is an in-memory surface backed by HAL textures.
//
// Its advertised capabilities are plain fields and may be changed before
// negotiation to model restricted surfaces. Resize and MarkStale make the
// next Acquire report StatusOutOfDate until the surface is reconfigured.
type HeadlessSurface struct {
	mu sync.Mutex

	Caps            Capabilities
	SurfaceFormats  []SurfaceFormat
	Modes           []PresentMode
	PresentFamilies []uint32 // nil means every family

	device    hal.Device
	textures  []hal.Texture
	next      uint32
	stale     bool
	presented int
	last      int
}

// NewHeadless returns a surface whose current extent is width x height.
func NewHeadless(width, height uint32) *HeadlessSurface {
	return &HeadlessSurface{
		Caps: Capabilities{
			MinImageCount: 2,
			MaxImageCount: 3,
			Current:       Extent{Width: width, Height: height},
			MinExtent:     Extent{Width: 1, Height: 1},
			MaxExtent:     Extent{Width: 16384, Height: 16384},
		},
		SurfaceFormats: []SurfaceFormat{
			{Format: gputypes.TextureFormatBGRA8Unorm, ColorSpace: ColorSpaceSRGBNonlinear},
			{Format: gputypes.TextureFormatRGBA8Unorm, ColorSpace: ColorSpaceSRGBNonlinear},
		},
		Modes: []PresentMode{PresentModeFIFO, PresentModeMailbox},
		last:  -1,
	}
}

// Capabilities implements Surface.
func (h *HeadlessSurface) Capabilities() (Capabilities, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Caps, nil
}

// Formats implements Surface.
func (h *HeadlessSurface) Formats() ([]SurfaceFormat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SurfaceFormat(nil), h.SurfaceFormats...), nil
}

// PresentModes implements Surface.
func (h *HeadlessSurface) PresentModes() ([]PresentMode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PresentMode(nil), h.Modes...), nil
}

// SupportsPresent implements Surface.
func (h *HeadlessSurface) SupportsPresent(queueFamily uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PresentFamilies == nil {
		return true
	}
	for _, f := range h.PresentFamilies {
		if f == queueFamily {
			return true
		}
	}
	return false
}

// Configure implements Surface.
func (h *HeadlessSurface) Configure(device hal.Device, info *CreateInfo) ([]hal.Texture, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyLocked()

	for i := range info.ImageCount {
		tex, err := device.CreateTexture(&hal.TextureDescriptor{
			Label:         fmt.Sprintf("headless_image_%d", i),
			Size:          hal.Extent3D{Width: info.Extent.Width, Height: info.Extent.Height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        info.Format,
			Usage:         info.Usage,
		})
		if err != nil {
			h.device = device
			h.destroyLocked()
			return nil, fmt.Errorf("create headless image %d: %w", i, err)
		}
		h.textures = append(h.textures, tex)
	}
	h.device = device
	h.next = 0
	h.stale = false
	h.last = -1
	h.Caps.Current = info.Extent
	return append([]hal.Texture(nil), h.textures...), nil
}

// Acquire implements Surface.
func (h *HeadlessSurface) Acquire() (uint32, AcquireStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.textures) == 0 {
		return 0, StatusOutOfDate, ErrNotConfigured
	}
	if h.stale {
		return 0, StatusOutOfDate, nil
	}
	idx := h.next
	h.next = (h.next + 1) % uint32(len(h.textures)) //nolint:gosec // image count is tiny
	return idx, StatusOK, nil
}

// Present implements Surface.
func (h *HeadlessSurface) Present(index uint32) (AcquireStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(index) >= len(h.textures) {
		return StatusOutOfDate, fmt.Errorf("present image %d of %d", index, len(h.textures))
	}
	h.presented++
	h.last = int(index)
	if h.stale {
		return StatusSuboptimal, nil
	}
	return StatusOK, nil
}

// Unconfigure implements Surface.
func (h *HeadlessSurface) Unconfigure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyLocked()
}

func (h *HeadlessSurface) destroyLocked() {
	if h.device != nil {
		for _, t := range h.textures {
			h.device.DestroyTexture(t)
		}
	}
	h.textures = nil
}

// Resize changes the current extent and marks the swapchain stale.
func (h *HeadlessSurface) Resize(width, height uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Caps.Current = Extent{Width: width, Height: height}
	h.stale = true
}

// MarkStale makes the next Acquire report StatusOutOfDate.
func (h *HeadlessSurface) MarkStale() {
	h.mu.Lock()
	h.stale = true
	h.mu.Unlock()
}

// Presented returns the number of presents and the last presented index,
// or -1 if nothing was presented since the last Configure.
func (h *HeadlessSurface) Presented() (count, last int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presented, h.last
}
