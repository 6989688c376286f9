package compositor

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrInvalidTarget is returned for render targets the pipeline cannot draw
// into.
var ErrInvalidTarget = errors.New("compositor: invalid render target")

// clearColor is drawn under every composition. An empty composition
// produces exactly this.
var clearColor = gputypes.Color{R: 0, G: 0, B: 0, A: 1}

// RenderTarget is an image view the compositor draws into. The caller
// owns the view; the wrapper does not destroy it.
type RenderTarget struct {
	View   hal.TextureView
	Format gputypes.TextureFormat
	Width  uint32
	Height uint32
}

// SupportedTargetFormat reports whether format is one of the fixed 8-bit
// formats the pipeline renders to.
func SupportedTargetFormat(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatRGBA8Unorm || format == gputypes.TextureFormatBGRA8Unorm
}

// CreateRenderTarget wraps view as a compositor attachment and makes sure
// a pipeline exists for its format.
func (c *Compositor) CreateRenderTarget(view hal.TextureView, format gputypes.TextureFormat, width, height uint32) (*RenderTarget, error) {
	if view == nil {
		return nil, fmt.Errorf("%w: nil view", ErrInvalidTarget)
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: extent %dx%d", ErrInvalidTarget, width, height)
	}
	if !SupportedTargetFormat(format) {
		return nil, fmt.Errorf("%w: format %v", ErrInvalidTarget, format)
	}
	c.mu.Lock()
	_, err := c.pipelineForLocked(format)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &RenderTarget{View: view, Format: format, Width: width, Height: height}, nil
}

// passDescriptor describes the single render pass of a composite.
func passDescriptor(target *RenderTarget) *hal.RenderPassDescriptor {
	return &hal.RenderPassDescriptor{
		Label: "compose_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       target.View,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: clearColor,
		}},
	}
}
