// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/gpucore"
)

// Class ranks physical devices for selection.
type Class uint8

const (
	ClassOther Class = iota
	ClassCPU
	ClassVirtual
	ClassIntegrated
	ClassDiscrete
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassDiscrete:
		return "discrete"
	case ClassIntegrated:
		return "integrated"
	case ClassVirtual:
		return "virtual"
	case ClassCPU:
		return "cpu"
	default:
		return "other"
	}
}

// MemoryType is one memory type of a physical device.
type MemoryType struct {
	Properties gpucore.MemoryProperty
	HeapIndex  uint32
}

// PhysicalDevice describes a host adapter as the registry sees it.
//
// The HAL does not expose memory types, queue families or per-format
// features, so FromHAL synthesizes a conservative description. Tests build
// PhysicalDevice values directly.
type PhysicalDevice struct {
	Name          string
	Class         Class
	MemoryTypes   []MemoryType
	QueueFamilies []gpucore.QueueFamily
	Formats       map[gputypes.TextureFormat]gpucore.FormatFeature

	// UniformAlignment is the minimum uniform buffer offset alignment.
	UniformAlignment uint64

	adapter hal.Adapter
}

// DefaultUniformAlignment matches the WebGPU default limit.
const DefaultUniformAlignment = 256

// DefaultMemoryTypes is the memory layout synthesized for HAL adapters.
func DefaultMemoryTypes() []MemoryType {
	return []MemoryType{
		{Properties: gpucore.MemoryDeviceLocal, HeapIndex: 0},
		{Properties: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent, HeapIndex: 1},
		{Properties: gpucore.MemoryDeviceLocal | gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent, HeapIndex: 0},
		{Properties: gpucore.MemoryHostVisible | gpucore.MemoryHostCoherent | gpucore.MemoryHostCached, HeapIndex: 1},
	}
}

// DefaultFormatFeatures returns the format features every HAL backend
// provides for the formats the registry allocates.
func DefaultFormatFeatures() map[gputypes.TextureFormat]gpucore.FormatFeature {
	color := gpucore.FeatureSampledImage | gpucore.FeatureSampledLinear |
		gpucore.FeatureColorAttachment | gpucore.FeatureColorAttachmentBlend |
		gpucore.FeatureBlitSrc | gpucore.FeatureBlitDst |
		gpucore.FeatureTransferSrc | gpucore.FeatureTransferDst
	return map[gputypes.TextureFormat]gpucore.FormatFeature{
		gputypes.TextureFormatRGBA8Unorm: color,
		gputypes.TextureFormatBGRA8Unorm: color,
		gputypes.TextureFormatR8Unorm:    color &^ gpucore.FeatureColorAttachmentBlend,
		gputypes.TextureFormatDepth24PlusStencil8: gpucore.FeatureSampledImage |
			gpucore.FeatureDepthStencilAttachment | gpucore.FeatureBlitSrc |
			gpucore.FeatureTransferSrc,
	}
}

// Synthesized returns a description with default memory types, one
// graphics queue family and default format features.
func Synthesized(name string, class Class) PhysicalDevice {
	return PhysicalDevice{
		Name:        name,
		Class:       class,
		MemoryTypes: DefaultMemoryTypes(),
		QueueFamilies: []gpucore.QueueFamily{
			{Index: 0, Flags: gpucore.QueueGraphics | gpucore.QueueCompute | gpucore.QueueTransfer, Count: 1},
		},
		Formats:          DefaultFormatFeatures(),
		UniformAlignment: DefaultUniformAlignment,
	}
}

// FromHAL describes a HAL adapter.
func FromHAL(a hal.ExposedAdapter) PhysicalDevice {
	p := Synthesized(a.Info.Name, classify(a))
	p.adapter = a.Adapter
	return p
}

func classify(a hal.ExposedAdapter) Class {
	switch a.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		return ClassDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return ClassIntegrated
	}
	name := strings.ToLower(a.Info.Name)
	switch {
	case strings.Contains(name, "virtio"), strings.Contains(name, "virgl"),
		strings.Contains(name, "vmware"):
		return ClassVirtual
	case strings.Contains(name, "llvmpipe"), strings.Contains(name, "swiftshader"),
		strings.Contains(name, "software"), strings.Contains(name, "noop"):
		return ClassCPU
	default:
		return ClassOther
	}
}

// FormatFeatures returns the features of format, or zero if unknown.
func (p PhysicalDevice) FormatFeatures(format gputypes.TextureFormat) gpucore.FormatFeature {
	return p.Formats[format]
}

// GraphicsFamily returns the first queue family that supports graphics.
func (p PhysicalDevice) GraphicsFamily() (gpucore.QueueFamily, bool) {
	for _, q := range p.QueueFamilies {
		if q.SupportsGraphics() {
			return q, true
		}
	}
	return gpucore.QueueFamily{}, false
}

// Adapter returns the HAL adapter, or nil for a synthesized description.
func (p PhysicalDevice) Adapter() hal.Adapter {
	return p.adapter
}
