// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucore holds the host GPU vocabulary shared by the vgpu
// components: image layouts, resource ownership, memory property flags,
// per-format feature flags and queue family descriptions.
//
// The HAL underneath (gogpu/wgpu) tracks texture state as usages. The
// types here model the finer-grained state the guest protocol reasons
// about and map it down to HAL usages where a barrier is needed.
package gpucore

import (
	"strings"

	"github.com/gogpu/gputypes"
)

// Layout is the access-optimized state of an image at a point in time.
type Layout uint8

const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutShaderRead
	LayoutTransferSrc
	LayoutTransferDst
	LayoutColorAttachment
	LayoutPresent
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutShaderRead:
		return "ShaderRead"
	case LayoutTransferSrc:
		return "TransferSrc"
	case LayoutTransferDst:
		return "TransferDst"
	case LayoutColorAttachment:
		return "ColorAttachment"
	case LayoutPresent:
		return "Present"
	default:
		return "Unknown"
	}
}

// Usage maps the layout to the HAL texture usage that represents it.
// The second result is false for layouts the HAL does not track
// (Undefined, General and Present); no HAL barrier is recorded for them.
//
// TransferDst maps to RenderAttachment because blits are performed as a
// fullscreen draw into the destination.
func (l Layout) Usage() (gputypes.TextureUsage, bool) {
	switch l {
	case LayoutShaderRead:
		return gputypes.TextureUsageTextureBinding, true
	case LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc, true
	case LayoutTransferDst, LayoutColorAttachment:
		return gputypes.TextureUsageRenderAttachment, true
	default:
		return 0, false
	}
}

// Owner identifies the side allowed to submit work touching a resource.
type Owner uint8

const (
	// OwnerGuest is the initial owner of every registered resource.
	OwnerGuest Owner = iota
	// OwnerHost means the host compositor/presenter holds the resource.
	OwnerHost
)

// String returns the owner name.
func (o Owner) String() string {
	if o == OwnerHost {
		return "Host"
	}
	return "Guest"
}

// Queue family sentinels, matching the values the guest protocol uses.
const (
	QueueFamilyIgnored  uint32 = ^uint32(0)
	QueueFamilyExternal uint32 = ^uint32(0) - 1
)

// MemoryProperty is a bit mask of memory type properties.
type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
	MemoryHostCached
	MemoryLazilyAllocated
)

// Has reports whether all bits of want are set.
func (m MemoryProperty) Has(want MemoryProperty) bool {
	return m&want == want
}

// String returns the set flags joined by '|'.
func (m MemoryProperty) String() string {
	if m == 0 {
		return "None"
	}
	var parts []string
	names := []struct {
		bit  MemoryProperty
		name string
	}{
		{MemoryDeviceLocal, "DeviceLocal"},
		{MemoryHostVisible, "HostVisible"},
		{MemoryHostCoherent, "HostCoherent"},
		{MemoryHostCached, "HostCached"},
		{MemoryLazilyAllocated, "LazilyAllocated"},
	}
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FormatFeature is a bit mask of operations a format supports on the
// host device.
type FormatFeature uint32

const (
	FeatureSampledImage FormatFeature = 1 << iota
	FeatureSampledLinear
	FeatureColorAttachment
	FeatureColorAttachmentBlend
	FeatureDepthStencilAttachment
	FeatureBlitSrc
	FeatureBlitDst
	FeatureTransferSrc
	FeatureTransferDst
)

// Has reports whether all bits of want are set.
func (f FormatFeature) Has(want FormatFeature) bool {
	return f&want == want
}

// QueueFlags describes the capabilities of a queue family.
type QueueFlags uint32

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

// QueueFamily describes one queue family of a physical device.
type QueueFamily struct {
	Index uint32
	Flags QueueFlags
	Count uint32
}

// SupportsGraphics reports whether the family can record draws.
func (q QueueFamily) SupportsGraphics() bool {
	return q.Flags&QueueGraphics != 0
}

// BytesPerPixel returns the texel size of the formats the registry can
// allocate, or 0 for unsupported formats.
func BytesPerPixel(format gputypes.TextureFormat) uint32 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	default:
		return 0
	}
}

// IsDepthStencil reports whether the format carries depth or stencil data.
func IsDepthStencil(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatDepth24PlusStencil8
}

// IsBGRA reports whether the format stores blue in the first byte.
func IsBGRA(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatBGRA8Unorm
}

// AlignUp rounds v up to a multiple of align. align must be a power of two.
func AlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
