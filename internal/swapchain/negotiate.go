package swapchain

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/internal/gpucore"
)

// ErrUnsupported is wrapped by every negotiation failure.
var ErrUnsupported = errors.New("swapchain: unsupported surface capability")

// The only surface format the presenter accepts.
var requiredFormat = SurfaceFormat{
	Format:     gputypes.TextureFormatBGRA8Unorm,
	ColorSpace: ColorSpaceSRGBNonlinear,
}

// SharingMode describes how images are shared between queue families.
type SharingMode uint8

const (
	SharingExclusive SharingMode = iota
	SharingConcurrent
)

// String returns the sharing mode name.
func (m SharingMode) String() string {
	if m == SharingConcurrent {
		return "concurrent"
	}
	return "exclusive"
}

// CreateInfo is a negotiated swapchain configuration.
type CreateInfo struct {
	Format        gputypes.TextureFormat
	ColorSpace    ColorSpace
	PresentMode   PresentMode
	Extent        Extent
	ImageCount    uint32
	Sharing       SharingMode
	QueueFamilies []uint32
	Usage         gputypes.TextureUsage
}

// FormatQuery returns the host features of a format.
type FormatQuery func(gputypes.TextureFormat) gpucore.FormatFeature

// Negotiate checks surface against the presenter's requirements and
// returns the configuration to create. queueFamilies[0] is the family
// presenting; all of them share the images.
//
// Requirements: the presenting family supports present; the surface
// offers BGRA8Unorm in sRGB-nonlinear; FIFO is supported; the format can
// be a blit destination. The extent is the surface's current extent when
// it is defined and equal to the request, otherwise the request clamped
// into the advertised range. The image count is one above the minimum,
// capped at the maximum.
//
// Failures wrap ErrUnsupported and are logged at warn level with the
// requested and supported values.
func Negotiate(surface Surface, formats FormatQuery, width, height uint32, queueFamilies []uint32, log *slog.Logger) (*CreateInfo, error) {
	if log == nil {
		log = slog.New(nopHandler{})
	}
	fail := func(what string, attrs ...any) error {
		log.Warn("swapchain: "+what, attrs...)
		return fmt.Errorf("%w: %s", ErrUnsupported, what)
	}

	if len(queueFamilies) == 0 {
		return nil, fail("no queue family")
	}
	if !surface.SupportsPresent(queueFamilies[0]) {
		return nil, fail("queue family cannot present", slog.Uint64("queue_family", uint64(queueFamilies[0])))
	}

	caps, err := surface.Capabilities()
	if err != nil {
		return nil, fmt.Errorf("query surface capabilities: %w", err)
	}

	offered, err := surface.Formats()
	if err != nil {
		return nil, fmt.Errorf("query surface formats: %w", err)
	}
	if !containsFormat(offered, requiredFormat) {
		return nil, fail("surface format unavailable",
			slog.String("requested", formatString(requiredFormat)),
			slog.Any("supported", formatStrings(offered)))
	}

	modes, err := surface.PresentModes()
	if err != nil {
		return nil, fmt.Errorf("query present modes: %w", err)
	}
	if !containsMode(modes, PresentModeFIFO) {
		return nil, fail("fifo present mode unavailable",
			slog.String("requested", PresentModeFIFO.String()),
			slog.Any("supported", modeStrings(modes)))
	}

	if feats := formats(requiredFormat.Format); !feats.Has(gpucore.FeatureBlitDst) {
		return nil, fail("format cannot be a blit destination",
			slog.Any("format", requiredFormat.Format),
			slog.Uint64("features", uint64(feats)))
	}

	info := &CreateInfo{
		Format:        requiredFormat.Format,
		ColorSpace:    requiredFormat.ColorSpace,
		PresentMode:   PresentModeFIFO,
		Extent:        ResolveExtent(caps, width, height),
		ImageCount:    ImageCount(caps),
		QueueFamilies: append([]uint32(nil), queueFamilies...),
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	}
	if uniqueCount(queueFamilies) > 1 {
		info.Sharing = SharingConcurrent
	}
	log.Info("swapchain: negotiated",
		slog.Uint64("width", uint64(info.Extent.Width)),
		slog.Uint64("height", uint64(info.Extent.Height)),
		slog.Uint64("images", uint64(info.ImageCount)),
		slog.String("sharing", info.Sharing.String()))
	return info, nil
}

// ResolveExtent picks the swapchain extent for a requested size.
func ResolveExtent(caps Capabilities, width, height uint32) Extent {
	if caps.Current != UndefinedExtent && caps.Current.Width == width && caps.Current.Height == height {
		return caps.Current
	}
	return Extent{
		Width:  clamp(width, caps.MinExtent.Width, caps.MaxExtent.Width),
		Height: clamp(height, caps.MinExtent.Height, caps.MaxExtent.Height),
	}
}

// ImageCount is one more than the minimum, capped at a non-zero maximum.
func ImageCount(caps Capabilities) uint32 {
	n := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && n > caps.MaxImageCount {
		n = caps.MaxImageCount
	}
	return n
}

func clamp(v, lo, hi uint32) uint32 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func uniqueCount(fams []uint32) int {
	seen := make(map[uint32]struct{}, len(fams))
	for _, f := range fams {
		seen[f] = struct{}{}
	}
	return len(seen)
}

func containsFormat(fs []SurfaceFormat, want SurfaceFormat) bool {
	for _, f := range fs {
		if f == want {
			return true
		}
	}
	return false
}

func containsMode(ms []PresentMode, want PresentMode) bool {
	for _, m := range ms {
		if m == want {
			return true
		}
	}
	return false
}

func formatString(f SurfaceFormat) string {
	return fmt.Sprintf("%v/%s", f.Format, f.ColorSpace)
}

func formatStrings(fs []SurfaceFormat) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = formatString(f)
	}
	return out
}

func modeStrings(ms []PresentMode) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}
