package gpucore

import (
	"testing"

	"github.com/gogpu/gputypes"
)

func TestLayout_Usage(t *testing.T) {
	tests := []struct {
		layout  Layout
		usage   gputypes.TextureUsage
		tracked bool
	}{
		{LayoutUndefined, 0, false},
		{LayoutGeneral, 0, false},
		{LayoutPresent, 0, false},
		{LayoutShaderRead, gputypes.TextureUsageTextureBinding, true},
		{LayoutTransferSrc, gputypes.TextureUsageCopySrc, true},
		{LayoutTransferDst, gputypes.TextureUsageRenderAttachment, true},
		{LayoutColorAttachment, gputypes.TextureUsageRenderAttachment, true},
	}
	for _, tt := range tests {
		t.Run(tt.layout.String(), func(t *testing.T) {
			usage, tracked := tt.layout.Usage()
			if usage != tt.usage || tracked != tt.tracked {
				t.Errorf("Usage() = %v, %v; want %v, %v", usage, tracked, tt.usage, tt.tracked)
			}
		})
	}
}

func TestMemoryProperty(t *testing.T) {
	m := MemoryHostVisible | MemoryHostCoherent
	if !m.Has(MemoryHostVisible) || m.Has(MemoryDeviceLocal) {
		t.Errorf("Has() wrong for %v", m)
	}
	if !m.Has(0) {
		t.Error("every mask has the empty mask")
	}
	if got := m.String(); got != "HostVisible|HostCoherent" {
		t.Errorf("String() = %q", got)
	}
	if got := MemoryProperty(0).String(); got != "None" {
		t.Errorf("String(0) = %q", got)
	}
}

func TestOwner_String(t *testing.T) {
	if OwnerGuest.String() != "Guest" || OwnerHost.String() != "Host" {
		t.Errorf("owner names %q %q", OwnerGuest, OwnerHost)
	}
}

func TestBytesPerPixel(t *testing.T) {
	tests := map[gputypes.TextureFormat]uint32{
		gputypes.TextureFormatR8Unorm:             1,
		gputypes.TextureFormatRGBA8Unorm:          4,
		gputypes.TextureFormatBGRA8Unorm:          4,
		gputypes.TextureFormatDepth24PlusStencil8: 4,
		gputypes.TextureFormatUndefined:           0,
	}
	for format, want := range tests {
		if got := BytesPerPixel(format); got != want {
			t.Errorf("BytesPerPixel(%v) = %d, want %d", format, got, want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ v, align, want uint64 }{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{100, 0, 100},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.v, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.v, tt.align, got, tt.want)
		}
	}
}

func TestQueueFamily_SupportsGraphics(t *testing.T) {
	if (QueueFamily{Flags: QueueCompute | QueueTransfer}).SupportsGraphics() {
		t.Error("compute-only family reports graphics")
	}
	if !(QueueFamily{Flags: QueueGraphics}).SupportsGraphics() {
		t.Error("graphics family reports no graphics")
	}
}
