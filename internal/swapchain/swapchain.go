package swapchain

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Image is one acquired presentable image.
type Image struct {
	Index   uint32
	Texture hal.Texture
	View    hal.TextureView
}

// Swapchain owns the presentable images of a configured surface. It does
// not rebuild itself; callers observe a stale status and recreate it.
type Swapchain struct {
	device  hal.Device
	surface Surface
	info    CreateInfo
	log     *slog.Logger

	textures []hal.Texture
	views    []hal.TextureView
}

// New configures surface with info and creates one view per image.
func New(device hal.Device, surface Surface, info *CreateInfo, log *slog.Logger) (*Swapchain, error) {
	if log == nil {
		log = slog.New(nopHandler{})
	}
	textures, err := surface.Configure(device, info)
	if err != nil {
		return nil, fmt.Errorf("configure surface: %w", err)
	}
	sc := &Swapchain{
		device:   device,
		surface:  surface,
		info:     *info,
		log:      log,
		textures: textures,
	}
	for i, tex := range textures {
		view, err := device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:         fmt.Sprintf("swapchain_view_%d", i),
			Format:        info.Format,
			Dimension:     gputypes.TextureViewDimension2D,
			Aspect:        gputypes.TextureAspectAll,
			MipLevelCount: 1,
		})
		if err != nil {
			sc.Destroy()
			return nil, fmt.Errorf("create swapchain view %d: %w", i, err)
		}
		sc.views = append(sc.views, view)
	}
	log.Info("swapchain: created",
		slog.Int("images", len(textures)),
		slog.Uint64("width", uint64(info.Extent.Width)),
		slog.Uint64("height", uint64(info.Extent.Height)))
	return sc, nil
}

// Info returns the configuration the swapchain was built with.
func (s *Swapchain) Info() CreateInfo { return s.info }

// Extent returns the image size.
func (s *Swapchain) Extent() Extent { return s.info.Extent }

// Len returns the number of images.
func (s *Swapchain) Len() int { return len(s.textures) }

// Texture returns image i.
func (s *Swapchain) Texture(i uint32) hal.Texture { return s.textures[i] }

// Acquire returns the next image. A stale status is returned alongside a
// usable image for Suboptimal, and without one for OutOfDate.
func (s *Swapchain) Acquire() (Image, AcquireStatus, error) {
	idx, status, err := s.surface.Acquire()
	if err != nil {
		return Image{}, status, fmt.Errorf("acquire swapchain image: %w", err)
	}
	if status == StatusOutOfDate {
		return Image{}, status, nil
	}
	if int(idx) >= len(s.textures) {
		return Image{}, StatusOutOfDate, fmt.Errorf("acquire swapchain image: index %d of %d", idx, len(s.textures))
	}
	return Image{Index: idx, Texture: s.textures[idx], View: s.views[idx]}, status, nil
}

// Present queues image index for display.
func (s *Swapchain) Present(index uint32) (AcquireStatus, error) {
	return s.surface.Present(index)
}

// Destroy releases the views and unconfigures the surface.
func (s *Swapchain) Destroy() {
	for _, v := range s.views {
		s.device.DestroyTextureView(v)
	}
	s.views = nil
	s.textures = nil
	s.surface.Unconfigure()
}
