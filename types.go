package vgpu

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/gpucore"
	"github.com/gogpu/vgpu/internal/swapchain"
)

// Signal completes when submitted GPU work has finished.
type Signal = fence.Signal

// Layer is one composited surface. Source is a resource handle; zero
// fills the layer with Color.
type Layer = compositor.Layer

// Rect is an axis-aligned rectangle in pixels.
type Rect = compositor.Rect

// BlendMode selects how a layer combines with what is below it.
type BlendMode = compositor.BlendMode

// Blend modes.
const (
	BlendNone          = compositor.BlendNone
	BlendPremultiplied = compositor.BlendPremultiplied
	BlendCoverage      = compositor.BlendCoverage
)

// Transform is a display rotation/flip code.
type Transform = compositor.Transform

// Display transforms.
const (
	TransformNone       = compositor.TransformNone
	TransformFlipH      = compositor.TransformFlipH
	TransformFlipV      = compositor.TransformFlipV
	TransformRot180     = compositor.TransformRot180
	TransformRot90      = compositor.TransformRot90
	TransformFlipHRot90 = compositor.TransformFlipHRot90
	TransformFlipVRot90 = compositor.TransformFlipVRot90
	TransformRot270     = compositor.TransformRot270
)

// MaxLayers is the largest composition accepted. More aborts.
const MaxLayers = compositor.MaxLayers

// ResourceDesc describes a guest resource.
type ResourceDesc = device.ResourceDesc

// Allocation is the external memory backing a resource.
type Allocation = device.Allocation

// ExternalHandle is an exported memory handle; an fd on Linux.
type ExternalHandle = device.ExternalHandle

// InvalidHandle marks an allocation without an exported handle.
const InvalidHandle = device.InvalidHandle

// MemoryProperty is a bit mask of memory type properties.
type MemoryProperty = gpucore.MemoryProperty

// Memory properties.
const (
	MemoryDeviceLocal     = gpucore.MemoryDeviceLocal
	MemoryHostVisible     = gpucore.MemoryHostVisible
	MemoryHostCoherent    = gpucore.MemoryHostCoherent
	MemoryHostCached      = gpucore.MemoryHostCached
	MemoryLazilyAllocated = gpucore.MemoryLazilyAllocated
)

// Surface is a window-system presentation target.
type Surface = swapchain.Surface

// HeadlessSurface is an offscreen Surface backed by HAL textures.
type HeadlessSurface = swapchain.HeadlessSurface

// NewHeadlessSurface returns an offscreen surface of the given size.
func NewHeadlessSurface(width, height uint32) *HeadlessSurface {
	return swapchain.NewHeadless(width, height)
}

// ImageDesc describes a 2D image resource.
func ImageDesc(width, height uint32, format gputypes.TextureFormat) ResourceDesc {
	return ResourceDesc{Kind: device.KindImage, Width: width, Height: height, Format: format}
}

// BufferDesc describes a buffer resource of size bytes.
func BufferDesc(size uint64) ResourceDesc {
	return ResourceDesc{Kind: device.KindBuffer, Size: size}
}
