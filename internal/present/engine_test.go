package present

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/gpucore"
	"github.com/gogpu/vgpu/internal/swapchain"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *device.Context) {
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
	cfg.Context = ctx
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		e.Close()
		_ = ctx.Close()
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return e, ctx
}

func setupImage(t *testing.T, ctx *device.Context, handle, w, h uint32, format gputypes.TextureFormat) *device.Resource {
	t.Helper()
	desc := device.ResourceDesc{Kind: device.KindImage, Width: w, Height: h, Format: format}
	if _, err := ctx.SetupResource(handle, desc, gpucore.MemoryDeviceLocal); err != nil {
		t.Fatalf("SetupResource(%d): %v", handle, err)
	}
	return ctx.MustLookup(handle)
}

func waitDone(t *testing.T, name string, e interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Wait(ctx); err != nil {
		t.Fatalf("%s did not complete: %v", name, err)
	}
}

// =============================================================================
// Render Target Ring Tests
// =============================================================================

func TestTargetRing_StrictFIFO(t *testing.T) {
	r := newTargetRing(3)
	for h := uint32(1); h <= 3; h++ {
		if _, evicted := r.put(h, &compositor.RenderTarget{Width: h}); evicted {
			t.Fatalf("put(%d) evicted early", h)
		}
	}
	// A hit does not protect handle 1.
	if _, ok := r.get(1); !ok {
		t.Fatal("get(1) missed")
	}
	evicted, ok := r.put(4, &compositor.RenderTarget{})
	if !ok || evicted != 1 {
		t.Errorf("put(4) evicted %d,%v, want 1,true", evicted, ok)
	}
	if _, ok := r.get(1); ok {
		t.Error("handle 1 still cached")
	}
	if r.len() != 3 {
		t.Errorf("len = %d, want 3", r.len())
	}
}

func TestTargetRing_Invalidate(t *testing.T) {
	r := newTargetRing(2)
	r.put(1, &compositor.RenderTarget{})
	r.put(2, &compositor.RenderTarget{})
	if !r.invalidate(1) || r.invalidate(1) {
		t.Fatal("invalidate should succeed exactly once")
	}
	// The freed slot is next in order; nothing is evicted into it.
	if _, ok := r.put(3, &compositor.RenderTarget{}); ok {
		t.Error("put into invalidated slot reported an eviction")
	}
	if _, ok := r.get(2); !ok {
		t.Error("handle 2 lost")
	}
}

// =============================================================================
// Compose Tests
// =============================================================================

func TestCompose_RingEvictsOldest(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	const n = DefaultRingCapacity + 1
	for h := uint32(1); h <= n; h++ {
		target := setupImage(t, ctx, h, 4, 4, gputypes.TextureFormatRGBA8Unorm)
		if _, err := e.Compose(ComposeRequest{Target: target}); err != nil {
			t.Fatalf("Compose(%d): %v", h, err)
		}
	}
	if _, ok := e.Target(1); ok {
		t.Error("oldest target still cached")
	}
	for h := uint32(2); h <= n; h++ {
		if _, ok := e.Target(h); !ok {
			t.Fatalf("target %d not retrievable", h)
		}
	}
	st := e.Stats()
	if st.Evictions != 1 || st.Targets != DefaultRingCapacity {
		t.Errorf("stats = %+v, want 1 eviction and %d targets", st, DefaultRingCapacity)
	}
}

func TestCompose_UnchangedSkipsUpload(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	target := setupImage(t, ctx, 1, 64, 64, gputypes.TextureFormatRGBA8Unorm)
	req := ComposeRequest{
		Target: target,
		Layers: []compositor.Layer{{Dest: compositor.Rect{Right: 64, Bottom: 64}, Alpha: 1, Color: [4]float32{0, 0, 1, 1}}},
	}
	// Slots 0, 1, 2 upload; the fourth call lands on slot 0 again.
	for i := range 4 {
		sig, err := e.Compose(req)
		if err != nil {
			t.Fatalf("Compose #%d: %v", i, err)
		}
		waitDone(t, "compose", sig)
	}
	if st := e.Stats(); st.UploadsSkipped != 1 || st.Composes != 4 {
		t.Errorf("stats = %+v, want 1 skipped of 4", st)
	}
	// Three uploads of clear + uniform + bind group.
	if got := e.Writes(); got != 9 {
		t.Errorf("Writes() = %d, want 9", got)
	}
}

func TestCompose_TargetUnsupported(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	r8 := setupImage(t, ctx, 1, 8, 8, gputypes.TextureFormatR8Unorm)
	if _, err := ctx.SetupResource(2, device.ResourceDesc{Kind: device.KindBuffer, Size: 256}, gpucore.MemoryDeviceLocal); err != nil {
		t.Fatalf("SetupResource buffer: %v", err)
	}
	buf := ctx.MustLookup(2)

	for _, target := range []*device.Resource{nil, r8, buf} {
		if _, err := e.Compose(ComposeRequest{Target: target}); !errors.Is(err, ErrTargetUnsupported) {
			t.Errorf("Compose(%v) err = %v, want ErrTargetUnsupported", target, err)
		}
	}
}

func TestCompose_SkipsMissingSources(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	target := setupImage(t, ctx, 1, 16, 16, gputypes.TextureFormatBGRA8Unorm)
	src := setupImage(t, ctx, 2, 8, 8, gputypes.TextureFormatRGBA8Unorm)
	full := compositor.Rect{Right: 16, Bottom: 16}

	comp, used := e.buildComposition(ComposeRequest{
		Target: target,
		Layers: []compositor.Layer{
			{Source: 2, Dest: full, Alpha: 1},
			{Source: 9, Dest: full, Alpha: 1},
			{Dest: full, Alpha: 1, Color: [4]float32{1, 1, 1, 1}},
		},
		Sources: []*device.Resource{src, nil, nil},
	})
	if len(comp.Layers) != 2 || len(used) != 1 {
		t.Fatalf("layers = %d, used = %d, want 2 and 1", len(comp.Layers), len(used))
	}
	if comp.Layers[0].SourceWidth != 8 || comp.Layers[0].View == nil {
		t.Errorf("textured layer not resolved: %+v", comp.Layers[0])
	}
}

func TestCompose_SetsHostLayouts(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	target := setupImage(t, ctx, 1, 16, 16, gputypes.TextureFormatRGBA8Unorm)
	src := setupImage(t, ctx, 2, 16, 16, gputypes.TextureFormatRGBA8Unorm)
	if _, err := ctx.AcquireForHostComposing([]uint32{2}, 1); err != nil {
		t.Fatalf("AcquireForHostComposing: %v", err)
	}
	sig, err := e.Compose(ComposeRequest{
		Target:  target,
		Layers:  []compositor.Layer{{Source: 2, Dest: compositor.Rect{Right: 16, Bottom: 16}, Crop: compositor.Rect{Right: 16, Bottom: 16}, Blend: compositor.BlendPremultiplied, Alpha: 1}},
		Sources: []*device.Resource{src},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	waitDone(t, "compose", sig)
	if _, l, _ := ctx.State(1); l != gpucore.LayoutColorAttachment {
		t.Errorf("target layout = %v, want ColorAttachment", l)
	}
	if _, l, _ := ctx.State(2); l != gpucore.LayoutShaderRead {
		t.Errorf("source layout = %v, want ShaderRead", l)
	}
}

func TestTeardown_InvalidatesTarget(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	target := setupImage(t, ctx, 5, 4, 4, gputypes.TextureFormatRGBA8Unorm)
	sig, err := e.Compose(ComposeRequest{Target: target})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	waitDone(t, "compose", sig)
	if _, ok := e.Target(5); !ok {
		t.Fatal("target not cached")
	}
	ctx.TeardownResource(5)
	if _, ok := e.Target(5); ok {
		t.Error("target survived teardown")
	}
}

// =============================================================================
// Post Tests
// =============================================================================

func TestPost_NotBound(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	src := setupImage(t, ctx, 1, 8, 8, gputypes.TextureFormatRGBA8Unorm)
	if _, err := e.Post(src); !errors.Is(err, ErrNotBound) {
		t.Errorf("Post unbound = %v, want ErrNotBound", err)
	}
}

func TestPost_PresentsAndRecycles(t *testing.T) {
	recycled := make(chan uint32, 8)
	e, ctx := newTestEngine(t, Config{OnRecycle: func(h uint32) { recycled <- h }})
	surface := swapchain.NewHeadless(64, 64)
	if err := e.Bind(surface, 64, 64); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if w, h, ok := e.Extent(); !ok || w != 64 || h != 64 {
		t.Fatalf("Extent = %dx%d,%v", w, h, ok)
	}
	src := setupImage(t, ctx, 3, 32, 32, gputypes.TextureFormatRGBA8Unorm)

	sig, err := e.Post(src)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	waitDone(t, "post", sig)
	select {
	case h := <-recycled:
		if h != 3 {
			t.Errorf("recycled handle %d, want 3", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("source never recycled")
	}
	if count, _ := surface.Presented(); count != 1 {
		t.Errorf("presented %d images, want 1", count)
	}
	if _, l, _ := ctx.State(3); l != gpucore.LayoutShaderRead {
		t.Errorf("source layout = %v, want ShaderRead", l)
	}

	img, err := e.Screenshot()
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("screenshot %v, want 64x64", b)
	}
}

func TestPost_StaleNeedsRebind(t *testing.T) {
	e, ctx := newTestEngine(t, Config{})
	surface := swapchain.NewHeadless(32, 32)
	if err := e.Bind(surface, 32, 32); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	src := setupImage(t, ctx, 1, 32, 32, gputypes.TextureFormatRGBA8Unorm)

	surface.MarkStale()
	if _, err := e.Post(src); !errors.Is(err, ErrNeedsRebind) {
		t.Fatalf("Post stale = %v, want ErrNeedsRebind", err)
	}
	// Still stale until rebound.
	if _, err := e.Post(src); !errors.Is(err, ErrNeedsRebind) {
		t.Errorf("second Post = %v, want ErrNeedsRebind", err)
	}
	if err := e.Bind(surface, 32, 32); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	sig, err := e.Post(src)
	if err != nil {
		t.Fatalf("Post after rebind: %v", err)
	}
	waitDone(t, "post", sig)
}

func TestBind_NegotiationFailure(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	surface := swapchain.NewHeadless(16, 16)
	surface.Modes = []swapchain.PresentMode{swapchain.PresentModeMailbox}
	if err := e.Bind(surface, 16, 16); !errors.Is(err, swapchain.ErrUnsupported) {
		t.Errorf("Bind = %v, want ErrUnsupported", err)
	}
	if e.Bound() {
		t.Error("engine bound after failed negotiation")
	}
}

func TestScreenshot_Errors(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	if _, err := e.Screenshot(); !errors.Is(err, ErrNotBound) {
		t.Errorf("unbound Screenshot = %v, want ErrNotBound", err)
	}
	if err := e.Bind(swapchain.NewHeadless(8, 8), 8, 8); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := e.Screenshot(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Screenshot before post = %v, want ErrNoFrame", err)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestUseLinear(t *testing.T) {
	tests := []struct {
		format gputypes.TextureFormat
		feats  gpucore.FormatFeature
		want   bool
	}{
		{gputypes.TextureFormatRGBA8Unorm, gpucore.FeatureSampledImage | gpucore.FeatureSampledLinear, true},
		{gputypes.TextureFormatRGBA8Unorm, gpucore.FeatureSampledImage, false},
		{gputypes.TextureFormatDepth24PlusStencil8, gpucore.FeatureSampledImage | gpucore.FeatureSampledLinear, false},
	}
	for _, tt := range tests {
		if got := useLinear(tt.format, tt.feats); got != tt.want {
			t.Errorf("useLinear(%v, %v) = %v, want %v", tt.format, tt.feats, got, tt.want)
		}
	}
}

func TestUnpackRows_SwizzlesBGRA(t *testing.T) {
	raw := make([]byte, 256*2)
	copy(raw, []byte{1, 2, 3, 4})
	copy(raw[256:], []byte{5, 6, 7, 8})
	img := unpackRows(raw, 1, 2, 256, true)
	if got := img.Pix[0:4]; got[0] != 3 || got[2] != 1 || got[3] != 4 {
		t.Errorf("row 0 = %v, want [3 2 1 4]", got)
	}
	if got := img.Pix[4:8]; got[0] != 7 || got[2] != 5 {
		t.Errorf("row 1 = %v, want [7 6 5 8]", got)
	}
}
