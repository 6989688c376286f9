//go:build !nogpu

package swapchain

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/vgpu/internal/gpucore"
)

func createNoopDevice(t *testing.T) (hal.Device, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	return openDev.Device, func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
}

func allFeatures(gputypes.TextureFormat) gpucore.FormatFeature {
	return gpucore.FeatureBlitDst | gpucore.FeatureColorAttachment | gpucore.FeatureSampledImage
}

// =============================================================================
// Negotiation Tests
// =============================================================================

func TestNegotiate_Success(t *testing.T) {
	s := NewHeadless(640, 480)
	info, err := Negotiate(s, allFeatures, 640, 480, []uint32{0}, nil)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if info.Format != gputypes.TextureFormatBGRA8Unorm || info.ColorSpace != ColorSpaceSRGBNonlinear {
		t.Errorf("format = %v/%v", info.Format, info.ColorSpace)
	}
	if info.PresentMode != PresentModeFIFO {
		t.Errorf("PresentMode = %v, want fifo", info.PresentMode)
	}
	if info.Extent != (Extent{640, 480}) {
		t.Errorf("Extent = %+v", info.Extent)
	}
	if info.ImageCount != 3 {
		t.Errorf("ImageCount = %d, want 3", info.ImageCount)
	}
	if info.Sharing != SharingExclusive {
		t.Errorf("Sharing = %v, want exclusive", info.Sharing)
	}
}

func TestNegotiate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*HeadlessSurface)
		feats   FormatQuery
		fams    []uint32
		wantLog string
	}{
		{
			name:    "no fifo",
			mutate:  func(s *HeadlessSurface) { s.Modes = []PresentMode{PresentModeMailbox, PresentModeImmediate} },
			wantLog: "requested=fifo",
		},
		{
			name: "no bgra srgb",
			mutate: func(s *HeadlessSurface) {
				s.SurfaceFormats = []SurfaceFormat{{Format: gputypes.TextureFormatBGRA8Unorm, ColorSpace: ColorSpaceDisplayP3}}
			},
			wantLog: "surface format unavailable",
		},
		{
			name:    "no present support",
			mutate:  func(s *HeadlessSurface) { s.PresentFamilies = []uint32{1} },
			wantLog: "queue_family=0",
		},
		{
			name:    "no blit destination",
			feats:   func(gputypes.TextureFormat) gpucore.FormatFeature { return gpucore.FeatureSampledImage },
			wantLog: "blit destination",
		},
		{
			name:    "no queue family",
			fams:    []uint32{},
			wantLog: "no queue family",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHeadless(64, 64)
			if tt.mutate != nil {
				tt.mutate(s)
			}
			feats := tt.feats
			if feats == nil {
				feats = allFeatures
			}
			fams := tt.fams
			if fams == nil {
				fams = []uint32{0}
			}
			var buf bytes.Buffer
			log := slog.New(slog.NewTextHandler(&buf, nil))

			info, err := Negotiate(s, feats, 64, 64, fams, log)
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("Negotiate() = %v, %v; want ErrUnsupported", info, err)
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log %q missing %q", buf.String(), tt.wantLog)
			}
		})
	}
}

func TestNegotiate_ConcurrentSharing(t *testing.T) {
	s := NewHeadless(64, 64)
	info, err := Negotiate(s, allFeatures, 64, 64, []uint32{0, 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Sharing != SharingConcurrent || len(info.QueueFamilies) != 2 {
		t.Errorf("sharing = %v families = %v", info.Sharing, info.QueueFamilies)
	}

	info, err = Negotiate(s, allFeatures, 64, 64, []uint32{0, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Sharing != SharingExclusive {
		t.Errorf("duplicate family should stay exclusive, got %v", info.Sharing)
	}
}

func TestResolveExtent(t *testing.T) {
	caps := Capabilities{
		Current:   Extent{800, 600},
		MinExtent: Extent{100, 100},
		MaxExtent: Extent{1920, 1080},
	}
	tests := []struct {
		name string
		caps Capabilities
		w, h uint32
		want Extent
	}{
		{"exact current", caps, 800, 600, Extent{800, 600}},
		{"within range", caps, 1024, 768, Extent{1024, 768}},
		{"clamped high", caps, 4000, 3000, Extent{1920, 1080}},
		{"clamped low", caps, 10, 20, Extent{100, 100}},
		{"undefined current", Capabilities{Current: UndefinedExtent, MinExtent: Extent{1, 1}, MaxExtent: Extent{4096, 4096}}, 300, 200, Extent{300, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveExtent(tt.caps, tt.w, tt.h); got != tt.want {
				t.Errorf("ResolveExtent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestImageCount(t *testing.T) {
	tests := []struct {
		min, max, want uint32
	}{
		{2, 3, 3},
		{2, 2, 2},
		{1, 0, 2},
		{3, 8, 4},
	}
	for _, tt := range tests {
		if got := ImageCount(Capabilities{MinImageCount: tt.min, MaxImageCount: tt.max}); got != tt.want {
			t.Errorf("ImageCount(min=%d,max=%d) = %d, want %d", tt.min, tt.max, got, tt.want)
		}
	}
}

// =============================================================================
// Swapchain Tests
// =============================================================================

func TestSwapchain_AcquirePresentCycle(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()

	s := NewHeadless(64, 64)
	info, err := Negotiate(s, allFeatures, 64, 64, []uint32{0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sc, err := New(device, s, info, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sc.Destroy()

	if sc.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", sc.Len())
	}
	for i := range 4 {
		img, status, err := sc.Acquire()
		if err != nil || status != StatusOK {
			t.Fatalf("Acquire #%d = %v, %v", i, status, err)
		}
		if img.Index != uint32(i%3) || img.View == nil {
			t.Errorf("Acquire #%d index = %d", i, img.Index)
		}
		if _, err := sc.Present(img.Index); err != nil {
			t.Fatalf("Present: %v", err)
		}
	}
	if n, last := s.Presented(); n != 4 || last != 0 {
		t.Errorf("Presented() = %d, %d; want 4, 0", n, last)
	}
}

func TestSwapchain_StaleAfterResize(t *testing.T) {
	device, cleanup := createNoopDevice(t)
	defer cleanup()

	s := NewHeadless(64, 64)
	info, err := Negotiate(s, allFeatures, 64, 64, []uint32{0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sc, err := New(device, s, info, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Destroy()

	s.Resize(128, 96)
	if _, status, err := sc.Acquire(); err != nil || status != StatusOutOfDate {
		t.Errorf("Acquire after resize = %v, %v; want out-of-date", status, err)
	}
	caps, _ := s.Capabilities()
	if caps.Current != (Extent{128, 96}) {
		t.Errorf("current extent = %+v", caps.Current)
	}
}
