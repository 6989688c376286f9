// Package compositor blends up to MaxLayers layers into a render target,
// either with a fixed GPU pipeline or on the CPU.
package compositor

import (
	"slices"

	"github.com/gogpu/wgpu/hal"
)

// MaxLayers is the largest composition the protocol allows.
const MaxLayers = 16

// NoSource marks a solid-color layer.
const NoSource uint32 = 0

// BlendMode selects how a layer combines with what is below it.
type BlendMode uint8

const (
	// BlendNone draws the layer opaque, ignoring its alpha.
	BlendNone BlendMode = iota
	// BlendPremultiplied treats source color as alpha-premultiplied.
	BlendPremultiplied
	// BlendCoverage treats source color as straight alpha.
	BlendCoverage
)

// String returns the blend mode name.
func (b BlendMode) String() string {
	switch b {
	case BlendNone:
		return "none"
	case BlendPremultiplied:
		return "premultiplied"
	case BlendCoverage:
		return "coverage"
	default:
		return "unknown"
	}
}

// Transform is a display rotation/flip code. Values match the hardware
// composer protocol.
type Transform uint8

const (
	TransformNone       Transform = 0
	TransformFlipH      Transform = 1
	TransformFlipV      Transform = 2
	TransformRot180     Transform = 3
	TransformRot90      Transform = 4
	TransformFlipHRot90 Transform = 5
	TransformFlipVRot90 Transform = 6
	TransformRot270     Transform = 7
)

// String returns the transform name.
func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformFlipH:
		return "flip-h"
	case TransformFlipV:
		return "flip-v"
	case TransformRot180:
		return "rot-180"
	case TransformRot90:
		return "rot-90"
	case TransformFlipHRot90:
		return "flip-h-rot-90"
	case TransformFlipVRot90:
		return "flip-v-rot-90"
	case TransformRot270:
		return "rot-270"
	default:
		return "unknown"
	}
}

// Rect is an axis-aligned rectangle in pixels.
type Rect struct {
	Left, Top, Right, Bottom float32
}

// Width returns the rectangle width.
func (r Rect) Width() float32 { return r.Right - r.Left }

// Height returns the rectangle height.
func (r Rect) Height() float32 { return r.Bottom - r.Top }

// Layer is one composited surface.
//
// Source and View identify the sampled image; a NoSource layer is filled
// with Color. SourceWidth and SourceHeight are the source image size Crop
// is expressed in.
type Layer struct {
	Source       uint32
	View         hal.TextureView
	SourceWidth  uint32
	SourceHeight uint32

	Dest      Rect
	Crop      Rect
	Blend     BlendMode
	Alpha     float32
	Color     [4]float32
	Transform Transform
}

// IsSolid reports whether the layer has no source image.
func (l Layer) IsSolid() bool { return l.Source == NoSource || l.View == nil }

// Composition is an ordered list of layers, bottom first.
type Composition struct {
	Layers []Layer
}

// Equal reports whether c and o draw the same thing: same sources in the
// same order with equal geometry and blend fields.
func (c *Composition) Equal(o *Composition) bool {
	if c == nil || o == nil {
		return c == o
	}
	return slices.Equal(c.Layers, o.Layers)
}

// Clone returns a deep copy.
func (c *Composition) Clone() *Composition {
	return &Composition{Layers: slices.Clone(c.Layers)}
}
