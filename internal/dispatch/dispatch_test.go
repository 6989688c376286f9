package dispatch

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/gpucore"
	"github.com/gogpu/vgpu/internal/present"
	"github.com/gogpu/vgpu/internal/swapchain"
)

type harness struct {
	ctx *device.Context
	eng *present.Engine
	d   *Dispatcher
}

func newHarness(t *testing.T, native, dedicated bool) *harness {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	ctx, err := device.New(device.Config{Device: openDev.Device, Queue: openDev.Queue})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	eng, err := present.New(present.Config{Context: ctx})
	if err != nil {
		t.Fatalf("present.New: %v", err)
	}
	d, err := New(Config{Context: ctx, Engine: eng, Native: native, Dedicated: dedicated})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		eng.Close()
		_ = ctx.Close()
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return &harness{ctx: ctx, eng: eng, d: d}
}

func (h *harness) image(t *testing.T, handle, w, ht uint32, format gputypes.TextureFormat, mask gpucore.MemoryProperty) *device.Resource {
	t.Helper()
	desc := device.ResourceDesc{Kind: device.KindImage, Width: w, Height: ht, Format: format}
	if _, err := h.ctx.SetupResource(handle, desc, mask); err != nil {
		t.Fatalf("SetupResource(%d): %v", handle, err)
	}
	return h.ctx.MustLookup(handle)
}

func waitSignal(t *testing.T, s *fence.Signal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("signal not completed: %v", err)
	}
}

const hostVisible = gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent

// =============================================================================
// Software Path Tests
// =============================================================================

func TestSoftware_ComposeEmptyIsOpaqueBlack(t *testing.T) {
	h := newHarness(t, false, false)
	if err := h.d.Bind(swapchain.NewHeadless(64, 64), 64, 64); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	target := h.image(t, 1, 64, 64, gputypes.TextureFormatRGBA8Unorm, hostVisible)

	accepted, sig, err := h.d.Compose(1, nil)
	if err != nil || !accepted {
		t.Fatalf("Compose = %v, %v", accepted, err)
	}
	waitSignal(t, sig)

	img, ok := h.d.Target(1)
	if !ok {
		t.Fatal("no software target")
	}
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 || img.Pix[i+3] != 0xFF {
			t.Fatalf("pixel %d = %v, want opaque black", i/4, img.Pix[i:i+4])
		}
	}
	// Row 0 of the guest mapping holds the same pixels.
	if m := target.Alloc.Mapped; m[3] != 0xFF || m[0] != 0 {
		t.Errorf("mapped pixel = %v, want opaque black", m[:4])
	}
}

func TestSoftware_PostScalesIntoFramebuffer(t *testing.T) {
	h := newHarness(t, false, false)
	if err := h.d.Bind(swapchain.NewHeadless(8, 8), 8, 8); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	src := h.image(t, 2, 2, 2, gputypes.TextureFormatBGRA8Unorm, hostVisible)
	pitch := int(src.RowPitch())
	for y := range 2 {
		for x := range 2 {
			copy(src.Alloc.Mapped[y*pitch+x*4:], []byte{0, 0, 0xFF, 0xFF}) // BGRA red
		}
	}

	bound, sig, err := h.d.Post(2)
	if err != nil || !bound {
		t.Fatalf("Post = %v, %v", bound, err)
	}
	waitSignal(t, sig)
	fb := h.d.Framebuffer()
	if got := fb.RGBAAt(4, 4); got != (color.RGBA{R: 0xFF, A: 0xFF}) {
		t.Errorf("framebuffer pixel = %v, want red", got)
	}
}

func TestSoftware_ScreenshotScales(t *testing.T) {
	h := newHarness(t, false, false)
	if _, err := h.d.Screenshot(0, 0); !errors.Is(err, ErrNotBound) {
		t.Errorf("Screenshot unbound = %v, want ErrNotBound", err)
	}
	if err := h.d.Bind(swapchain.NewHeadless(64, 64), 64, 64); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	img, err := h.d.Screenshot(16, 8)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("bounds = %v, want 16x8", b)
	}
	if got := img.RGBAAt(3, 3); got != (color.RGBA{A: 0xFF}) {
		t.Errorf("pixel = %v, want opaque black", got)
	}
}

func TestSoftware_ResizeRebindsLazily(t *testing.T) {
	h := newHarness(t, false, false)
	if err := h.d.Bind(swapchain.NewHeadless(8, 8), 8, 8); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := h.d.Resize(20, 10); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if b := h.d.Framebuffer().Bounds(); b.Dx() != 8 {
		t.Errorf("framebuffer rebuilt before use: %v", b)
	}
	if _, err := h.d.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if b := h.d.Framebuffer().Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("framebuffer = %v, want 20x10", b)
	}
}

func TestSoftware_ComposeUnsupportedTarget(t *testing.T) {
	h := newHarness(t, false, false)
	h.image(t, 4, 8, 8, gputypes.TextureFormatR8Unorm, hostVisible)
	accepted, _, err := h.d.Compose(4, nil)
	if err != nil || accepted {
		t.Errorf("Compose R8 = %v, %v, want rejected without error", accepted, err)
	}
}

// =============================================================================
// Native Path Tests
// =============================================================================

func TestNative_PostAndLazyRebind(t *testing.T) {
	h := newHarness(t, true, false)
	surface := swapchain.NewHeadless(32, 32)
	if err := h.d.Bind(surface, 32, 32); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.image(t, 1, 32, 32, gputypes.TextureFormatRGBA8Unorm, gpucore.MemoryDeviceLocal)

	bound, sig, err := h.d.Post(1)
	if err != nil || !bound {
		t.Fatalf("Post = %v, %v", bound, err)
	}
	waitSignal(t, sig)

	surface.MarkStale()
	if bound, _, err := h.d.Post(1); err != nil || bound {
		t.Fatalf("stale Post = %v, %v, want not bound", bound, err)
	}
	// The next call rebinds before posting.
	bound, sig, err = h.d.Post(1)
	if err != nil || !bound {
		t.Fatalf("Post after stale = %v, %v", bound, err)
	}
	waitSignal(t, sig)
	if count, _ := surface.Presented(); count < 1 {
		t.Errorf("presented = %d", count)
	}
}

func TestNative_FailedPostReturnsSource(t *testing.T) {
	h := newHarness(t, true, false)
	surface := swapchain.NewHeadless(32, 32)
	if err := h.d.Bind(surface, 32, 32); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.image(t, 1, 32, 32, gputypes.TextureFormatRGBA8Unorm, gpucore.MemoryDeviceLocal)
	if _, err := h.ctx.SetupResource(2, device.ResourceDesc{Kind: device.KindBuffer, Size: 256}, hostVisible); err != nil {
		t.Fatalf("SetupResource(buffer): %v", err)
	}

	surface.MarkStale()
	if bound, _, err := h.d.Post(1); err != nil || bound {
		t.Fatalf("stale Post = %v, %v, want not bound", bound, err)
	}
	if _, _, err := h.d.Post(2); !errors.Is(err, present.ErrInvalidSource) {
		t.Fatalf("buffer Post = %v, want ErrInvalidSource", err)
	}

	for _, handle := range []uint32{1, 2} {
		owner, layout, ok := h.ctx.State(handle)
		if !ok || owner != gpucore.OwnerGuest {
			t.Errorf("handle %d owner = %v, want Guest", handle, owner)
		}
		if layout == gpucore.LayoutTransferSrc {
			t.Errorf("handle %d left in %v", handle, layout)
		}
	}
}

func TestNative_ResizeRebinds(t *testing.T) {
	h := newHarness(t, true, false)
	surface := swapchain.NewHeadless(32, 32)
	if err := h.d.Bind(surface, 32, 32); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.image(t, 1, 16, 16, gputypes.TextureFormatRGBA8Unorm, gpucore.MemoryDeviceLocal)
	surface.Resize(48, 24)
	if err := h.d.Resize(48, 24); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if bound, _, err := h.d.Post(1); err != nil || !bound {
		t.Fatalf("Post = %v, %v", bound, err)
	}
	if w, ht, _ := h.eng.Extent(); w != 48 || ht != 24 {
		t.Errorf("extent = %dx%d, want 48x24", w, ht)
	}
}

func TestNative_BindFailureReported(t *testing.T) {
	h := newHarness(t, true, false)
	surface := swapchain.NewHeadless(16, 16)
	surface.Modes = []swapchain.PresentMode{swapchain.PresentModeImmediate}
	if err := h.d.Bind(surface, 16, 16); !errors.Is(err, swapchain.ErrUnsupported) {
		t.Errorf("Bind = %v, want ErrUnsupported", err)
	}
}

func TestNative_ComposeTracksPending(t *testing.T) {
	h := newHarness(t, true, false)
	h.image(t, 1, 16, 16, gputypes.TextureFormatRGBA8Unorm, gpucore.MemoryDeviceLocal)
	h.image(t, 2, 16, 16, gputypes.TextureFormatRGBA8Unorm, gpucore.MemoryDeviceLocal)
	layers := []compositor.Layer{
		{Source: 2, Dest: compositor.Rect{Right: 16, Bottom: 16}, Crop: compositor.Rect{Right: 16, Bottom: 16}, Blend: compositor.BlendPremultiplied, Alpha: 1},
		{Source: 99, Dest: compositor.Rect{Right: 4, Bottom: 4}, Alpha: 1},
	}
	accepted, sig, err := h.d.Compose(1, layers)
	if err != nil || !accepted {
		t.Fatalf("Compose = %v, %v", accepted, err)
	}
	// A second compose on the same target is accepted whether or not the
	// first has resolved.
	if accepted, _, err := h.d.Compose(1, layers); err != nil || !accepted {
		t.Fatalf("second Compose = %v, %v", accepted, err)
	}
	waitSignal(t, sig)

	if owner, _, _ := h.ctx.State(2); owner != gpucore.OwnerHost {
		t.Errorf("source owner = %v, want host", owner)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.d.Pending(1) {
		if time.Now().After(deadline) {
			t.Fatal("compose never resolved")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNative_ComposeUnsupportedTarget(t *testing.T) {
	h := newHarness(t, true, false)
	h.image(t, 1, 8, 8, gputypes.TextureFormatR8Unorm, gpucore.MemoryDeviceLocal)
	accepted, sig, err := h.d.Compose(1, nil)
	if err != nil || accepted || sig != nil {
		t.Errorf("Compose R8 = %v, %v, %v, want rejected", accepted, sig, err)
	}
}

// =============================================================================
// Serialization Tests
// =============================================================================

func TestDedicated_RunsAndCloses(t *testing.T) {
	h := newHarness(t, false, true)
	if err := h.d.Bind(swapchain.NewHeadless(8, 8), 8, 8); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.image(t, 1, 8, 8, gputypes.TextureFormatRGBA8Unorm, hostVisible)

	done := make(chan struct{})
	for range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, _, err := h.d.Compose(1, nil); err != nil {
				t.Errorf("Compose: %v", err)
			}
		}()
	}
	for range 4 {
		<-done
	}

	h.d.Close()
	h.d.Close()
	if _, _, err := h.d.Post(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Post after Close = %v, want ErrClosed", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without context should fail")
	}
	h := newHarness(t, false, false)
	if _, err := New(Config{Context: h.ctx, Native: true}); err == nil {
		t.Error("native without engine should fail")
	}
}
