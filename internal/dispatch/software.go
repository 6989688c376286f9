package dispatch

import (
	"image"
	"image/color"
	"log/slog"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/gpucore"
)

func newBlack(w, h uint32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{A: 0xFF}), image.Point{}, draw.Src)
	return img
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

// scaleTo resamples src to w x h. Zero or matching sizes return src.
func scaleTo(src *image.RGBA, w, h uint32) *image.RGBA {
	b := src.Bounds()
	if w == 0 || h == 0 || (int(w) == b.Dx() && int(h) == b.Dy()) {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// sourceImage views the host mapping of an 8-bit color image as RGBA. It
// returns nil for resources without a mapping.
func sourceImage(r *device.Resource) *image.RGBA {
	if !r.IsImage() || r.Alloc.Mapped == nil {
		return nil
	}
	format := r.Format()
	if gpucore.BytesPerPixel(format) != 4 {
		return nil
	}
	w, h := r.Extent()
	pitch := int(r.RowPitch())
	if len(r.Alloc.Mapped) < pitch*int(h) {
		return nil
	}
	img := &image.RGBA{
		Pix:    r.Alloc.Mapped[:pitch*int(h)],
		Stride: pitch,
		Rect:   image.Rect(0, 0, int(w), int(h)),
	}
	if gpucore.IsBGRA(format) {
		img = swizzled(img)
	}
	return img
}

// swizzled returns a copy of img with the red and blue channels swapped.
func swizzled(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	for y := range img.Rect.Dy() {
		src := img.Pix[y*img.Stride : y*img.Stride+img.Rect.Dx()*4]
		dst := out.Pix[y*out.Stride:]
		for i := 0; i < len(src); i += 4 {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], src[i+3]
		}
	}
	return out
}

func (d *Dispatcher) postSoftware(r *device.Resource) {
	src := sourceImage(r)
	if src == nil {
		d.log.Debug("dispatch: post source has no host mapping", slog.Uint64("handle", uint64(r.Handle)))
		return
	}
	if d.framebuffer == nil {
		d.framebuffer = newBlack(d.width, d.height)
	}
	draw.ApproxBiLinear.Scale(d.framebuffer, d.framebuffer.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// composeSoftware runs the CPU compositor into target and writes the
// result back to its mapping when it has one.
func (d *Dispatcher) composeSoftware(target *device.Resource, layers []compositor.Layer, sources []*device.Resource) bool {
	format := target.Format()
	if !target.IsImage() || (format != gputypes.TextureFormatRGBA8Unorm && format != gputypes.TextureFormatBGRA8Unorm) {
		d.log.Warn("dispatch: software compose target unsupported",
			slog.Uint64("target", uint64(target.Handle)), slog.Any("format", format))
		return false
	}
	w, h := target.Extent()
	dst, ok := d.cpuTargets[target.Handle]
	if !ok || dst.Rect.Dx() != int(w) || dst.Rect.Dy() != int(h) {
		dst = image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
		d.cpuTargets[target.Handle] = dst
	}

	images := make(map[uint32]image.Image, len(sources))
	for _, s := range sources {
		if s == nil {
			continue
		}
		if img := sourceImage(s); img != nil {
			images[s.Handle] = img
		}
	}
	compositor.Software(dst, &compositor.Composition{Layers: layers}, func(h uint32) image.Image {
		if img, ok := images[h]; ok {
			return img
		}
		return nil
	})

	if target.Alloc.Mapped != nil {
		writeBack(target, dst)
	}
	return true
}

// writeBack copies img into the target's mapping in its pixel order.
func writeBack(target *device.Resource, img *image.RGBA) {
	pitch := int(target.RowPitch())
	bgra := gpucore.IsBGRA(target.Format())
	row := img.Rect.Dx() * 4
	mapped := target.Alloc.Mapped
	for y := range img.Rect.Dy() {
		if (y+1)*pitch > len(mapped) {
			return
		}
		src := img.Pix[y*img.Stride : y*img.Stride+row]
		dst := mapped[y*pitch : y*pitch+row]
		copy(dst, src)
		if bgra {
			for i := 0; i < row; i += 4 {
				dst[i], dst[i+2] = dst[i+2], dst[i]
			}
		}
	}
}

// Target returns a copy of the last software composite of handle.
func (d *Dispatcher) Target(handle uint32) (*image.RGBA, bool) {
	var (
		img *image.RGBA
		ok  bool
	)
	_ = d.do(func() {
		var src *image.RGBA
		if src, ok = d.cpuTargets[handle]; ok {
			img = cloneRGBA(src)
		}
	})
	return img, ok
}
