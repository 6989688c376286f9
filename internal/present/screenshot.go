package present

import (
	"context"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/gpucore"
)

// readbackAlignment is the row pitch alignment of texture-to-buffer copies.
const readbackAlignment = 256

// Screenshot reads back the most recently presented swapchain image.
func (e *Engine) Screenshot() (*image.RGBA, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.chain == nil {
		return nil, ErrNotBound
	}
	if !e.last.valid {
		return nil, ErrNoFrame
	}
	// The image must be fully written before it is copied.
	e.drainLocked()

	info := e.chain.Info()
	w, h := info.Extent.Width, info.Extent.Height
	tex := e.chain.Texture(e.last.index)
	pitch := gpucore.AlignUp(uint64(w)*4, readbackAlignment)
	size := pitch * uint64(h)

	buf, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "screenshot_readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("present: create readback buffer: %w", err)
	}
	defer e.device.DestroyBuffer(buf)

	f, err := e.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("present: create readback fence: %w", err)
	}
	defer e.device.DestroyFence(f)

	encoder, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "screenshot"})
	if err != nil {
		return nil, fmt.Errorf("present: create screenshot encoder: %w", err)
	}
	if err := encoder.BeginEncoding("screenshot"); err != nil {
		return nil, fmt.Errorf("present: begin screenshot encoding: %w", err)
	}
	if barriers := collectBarriers(layoutChange{tex, gpucore.LayoutTransferDst, gpucore.LayoutTransferSrc}); len(barriers) > 0 {
		encoder.TransitionTextures(barriers)
	}
	encoder.CopyTextureToBuffer(tex, buf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: uint32(pitch), RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("present: end screenshot encoding: %w", err)
	}
	defer e.device.FreeCommandBuffer(cmd)

	if err := e.queue.Submit([]hal.CommandBuffer{cmd}, f, 1); err != nil {
		return nil, fmt.Errorf("present: submit screenshot: %w", err)
	}
	ok, err := e.device.Wait(f, 1, e.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("present: wait screenshot: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("present: wait screenshot: %w", context.DeadlineExceeded)
	}

	raw := make([]byte, size)
	if err := e.queue.ReadBuffer(buf, 0, raw); err != nil {
		return nil, fmt.Errorf("present: read screenshot: %w", err)
	}
	return unpackRows(raw, w, h, int(pitch), gpucore.IsBGRA(info.Format)), nil
}

// unpackRows copies pitched rows into a tightly packed RGBA image,
// swizzling BGRA sources.
func unpackRows(raw []byte, w, h uint32, pitch int, bgra bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	row := int(w) * 4
	for y := range int(h) {
		src := raw[y*pitch : y*pitch+row]
		dst := img.Pix[y*img.Stride : y*img.Stride+row]
		copy(dst, src)
		if bgra {
			for i := 0; i < row; i += 4 {
				dst[i], dst[i+2] = dst[i+2], dst[i]
			}
		}
	}
	return img
}
