package compositor

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// SourceFunc resolves a layer source handle to its pixels. It returns nil
// for unknown handles; such layers are skipped.
type SourceFunc func(source uint32) image.Image

// Software composites comp into dst on the CPU with the same geometry and
// blend rules as the GPU pipeline. dst is cleared to opaque black first.
func Software(dst *image.RGBA, comp *Composition, sources SourceFunc) {
	b := dst.Bounds()
	draw.Draw(dst, b, image.NewUniform(color.RGBA{A: 0xFF}), image.Point{}, draw.Src)
	if comp == nil {
		return
	}
	dstW, dstH := uint32(b.Dx()), uint32(b.Dy())
	for _, l := range comp.Layers {
		var src image.Image
		if l.Source != NoSource {
			if sources != nil {
				src = sources(l.Source)
			}
			if src == nil {
				continue
			}
		}
		if src != nil && scaleFast(dst, l, src) {
			continue
		}
		softwareLayer(dst, l, src, dstW, dstH)
	}
}

// scaleFast handles untransformed opaque-alpha premultiplied layers with a
// plain nearest-neighbor scale.
func scaleFast(dst *image.RGBA, l Layer, src image.Image) bool {
	if l.Transform != TransformNone || l.Blend != BlendPremultiplied || l.Alpha < 1 {
		return false
	}
	dr := pixelRect(l.Dest).Add(dst.Bounds().Min)
	sr := pixelRect(l.Crop).Add(src.Bounds().Min)
	if dr.Empty() || sr.Empty() {
		return true
	}
	draw.NearestNeighbor.Scale(dst, dr, src, sr, draw.Over, nil)
	return true
}

func softwareLayer(dst *image.RGBA, l Layer, src image.Image, dstW, dstH uint32) {
	sw, sh := uint32(0), uint32(0)
	if src != nil {
		sr := src.Bounds()
		sw, sh = uint32(sr.Dx()), uint32(sr.Dy())
		if l.SourceWidth != 0 && l.SourceHeight != 0 {
			sw, sh = l.SourceWidth, l.SourceHeight
		}
	}
	_, uv := LayerTransform(l.Dest, l.Crop, sw, sh, dstW, dstH, l.Transform)

	dr := pixelRect(l.Dest).Intersect(image.Rect(0, 0, int(dstW), int(dstH)))
	w, h := l.Dest.Width(), l.Dest.Height()
	if dr.Empty() || w <= 0 || h <= 0 {
		return
	}
	base := dst.Bounds().Min
	for y := dr.Min.Y; y < dr.Max.Y; y++ {
		v := (float32(y) + 0.5 - l.Dest.Top) / h
		for x := dr.Min.X; x < dr.Max.X; x++ {
			u := (float32(x) + 0.5 - l.Dest.Left) / w
			s := sampleLayer(l, src, uv, u, v, sw, sh)
			i := dst.PixOffset(base.X+x, base.Y+y)
			px := dst.Pix[i : i+4 : i+4]
			blendOver(px, s)
		}
	}
}

// sampleLayer returns the premultiplied output color of l at unit quad
// coordinate (u, v), after the plane alpha and blend mode.
func sampleLayer(l Layer, src image.Image, uv Affine, u, v float32, sw, sh uint32) [4]float32 {
	var texel [4]float32
	if src != nil {
		tu, tv := uv.Apply(u, v)
		sx := clampIndex(int(math.Floor(float64(tu*float32(sw)))), int(sw))
		sy := clampIndex(int(math.Floor(float64(tv*float32(sh)))), int(sh))
		sb := src.Bounds()
		r, g, b, a := src.At(sb.Min.X+sx, sb.Min.Y+sy).RGBA()
		texel = [4]float32{float32(r) / 0xFFFF, float32(g) / 0xFFFF, float32(b) / 0xFFFF, float32(a) / 0xFFFF}
	} else {
		texel = l.Color
	}

	switch l.Blend {
	case BlendNone:
		return [4]float32{texel[0], texel[1], texel[2], 1}
	case BlendCoverage:
		a := texel[3]
		return [4]float32{texel[0] * a * l.Alpha, texel[1] * a * l.Alpha, texel[2] * a * l.Alpha, a * l.Alpha}
	default:
		return [4]float32{texel[0] * l.Alpha, texel[1] * l.Alpha, texel[2] * l.Alpha, texel[3] * l.Alpha}
	}
}

// blendOver applies premultiplied source-over of s onto px.
func blendOver(px []uint8, s [4]float32) {
	inv := 1 - s[3]
	for c := range 4 {
		d := float32(px[c]) / 0xFF
		px[c] = toByte(s[c] + d*inv)
	}
}

func toByte(f float32) uint8 {
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 0xFF
	default:
		return uint8(f*0xFF + 0.5)
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func pixelRect(r Rect) image.Rectangle {
	return image.Rect(
		int(math.Floor(float64(r.Left))), int(math.Floor(float64(r.Top))),
		int(math.Ceil(float64(r.Right))), int(math.Ceil(float64(r.Bottom))),
	)
}
