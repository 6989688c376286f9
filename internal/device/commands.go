package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// commandSlot is one reusable transfer submission: a fence whose value
// grows by one per submission and the command buffer last submitted.
type commandSlot struct {
	index int
	fence hal.Fence
	value uint64
	cmd   hal.CommandBuffer
}

// slotWait is a snapshot of a slot's last submission.
type slotWait struct {
	fence hal.Fence
	value uint64
}

// upload is a host-visible image whose mapped contents are copied to the
// texture before the transfer executes.
type upload struct {
	texture hal.Texture
	data    []byte
	pitch   uint32
	width   uint32
	height  uint32
}

// readback is a host-rendered image whose contents are copied into the
// guest mapping once the release executes. from is the texture usage
// before the copy.
type readback struct {
	texture hal.Texture
	from    gputypes.TextureUsage
	dst     []byte
	pitch   uint32
	width   uint32
	height  uint32

	staging hal.Buffer
}

// commandPool recycles transfer slots. A slot is reused once its fence is
// observed signaled; acquisition polls each slot and only blocks when all
// of them are in flight.
type commandPool struct {
	device  hal.Device
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	slots []*commandSlot
	next  int
}

func newCommandPool(device hal.Device, n int, timeout time.Duration, log *slog.Logger) (*commandPool, error) {
	p := &commandPool{device: device, timeout: timeout, log: log}
	for i := range n {
		f, err := device.CreateFence()
		if err != nil {
			p.destroy()
			return nil, fmt.Errorf("create transfer fence %d: %w", i, err)
		}
		p.slots = append(p.slots, &commandSlot{index: i, fence: f})
	}
	return p, nil
}

// acquire returns a slot whose previous submission has completed.
// Must be called with mu held.
func (p *commandPool) acquire() *commandSlot {
	n := len(p.slots)
	for i := range n {
		idx := (p.next + i) % n
		s := p.slots[idx]
		if s.value == 0 || p.signaled(s) {
			p.next = (idx + 1) % n
			p.recycle(s)
			return s
		}
	}

	s := p.slots[p.next]
	ok, err := p.device.Wait(s.fence, s.value, p.timeout)
	if !ok || err != nil {
		p.log.Warn("device: transfer slot wait timed out, reusing",
			slog.Int("slot", s.index),
			slog.Uint64("value", s.value),
			slog.Any("err", err))
	}
	p.next = (p.next + 1) % n
	p.recycle(s)
	return s
}

func (p *commandPool) signaled(s *commandSlot) bool {
	ok, err := p.device.Wait(s.fence, s.value, 0)
	return ok && err == nil
}

func (p *commandPool) recycle(s *commandSlot) {
	if s.cmd != nil {
		p.device.FreeCommandBuffer(s.cmd)
		s.cmd = nil
	}
}

// submit records the HAL side of barriers, performs uploads and submits
// on a pooled slot. Readbacks are copied into fresh staging buffers ahead
// of the barriers. It returns the fence and value that signal completion.
func (p *commandPool) submit(queue hal.Queue, label string, barriers []hal.TextureBarrier, uploads []upload, readbacks []*readback) (hal.Fence, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.acquire()
	encoder, err := p.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, 0, fmt.Errorf("create %s encoder: %w", label, err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, 0, fmt.Errorf("begin %s encoding: %w", label, err)
	}
	if err := p.recordReadbacks(encoder, readbacks); err != nil {
		return nil, 0, fmt.Errorf("%s readback: %w", label, err)
	}
	if len(barriers) > 0 {
		encoder.TransitionTextures(barriers)
	}
	cmd, err := encoder.EndEncoding()
	if err != nil {
		p.destroyStaging(readbacks)
		return nil, 0, fmt.Errorf("end %s encoding: %w", label, err)
	}

	for _, u := range uploads {
		queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: u.texture, MipLevel: 0},
			u.data,
			&hal.ImageDataLayout{Offset: 0, BytesPerRow: u.pitch, RowsPerImage: u.height},
			&hal.Extent3D{Width: u.width, Height: u.height, DepthOrArrayLayers: 1},
		)
	}

	value := s.value + 1
	if err := queue.Submit([]hal.CommandBuffer{cmd}, s.fence, value); err != nil {
		p.device.FreeCommandBuffer(cmd)
		p.destroyStaging(readbacks)
		return nil, 0, fmt.Errorf("submit %s: %w", label, err)
	}
	s.value = value
	s.cmd = cmd
	return s.fence, value, nil
}

// recordReadbacks moves each readback texture to CopySrc and copies it
// into a staging buffer with the guest row pitch.
func (p *commandPool) recordReadbacks(encoder hal.CommandEncoder, readbacks []*readback) error {
	for _, rb := range readbacks {
		buf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "vgpu_release_readback",
			Size:  uint64(rb.pitch) * uint64(rb.height),
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			p.destroyStaging(readbacks)
			return fmt.Errorf("create staging buffer: %w", err)
		}
		rb.staging = buf
		if rb.from != gputypes.TextureUsageCopySrc {
			encoder.TransitionTextures([]hal.TextureBarrier{{
				Texture: rb.texture,
				Usage:   hal.TextureUsageTransition{OldUsage: rb.from, NewUsage: gputypes.TextureUsageCopySrc},
			}})
		}
		encoder.CopyTextureToBuffer(rb.texture, buf, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: rb.pitch, RowsPerImage: rb.height},
			TextureBase:  hal.ImageCopyTexture{Texture: rb.texture, MipLevel: 0},
			Size:         hal.Extent3D{Width: rb.width, Height: rb.height, DepthOrArrayLayers: 1},
		}})
	}
	return nil
}

// finishReadbacks copies staged pixels into the guest mappings once
// fence reaches value, then frees the staging buffers. It reports how
// many mappings were written.
func (p *commandPool) finishReadbacks(queue hal.Queue, f hal.Fence, value uint64, readbacks []*readback) int {
	defer p.destroyStaging(readbacks)
	ok, err := p.device.Wait(f, value, p.timeout)
	if !ok || err != nil {
		p.log.Warn("device: release readback fence did not signal",
			slog.Uint64("value", value), slog.Any("err", err))
		return 0
	}
	n := 0
	for _, rb := range readbacks {
		if err := queue.ReadBuffer(rb.staging, 0, rb.dst); err != nil {
			p.log.Warn("device: release readback failed", slog.Any("err", err))
			continue
		}
		n++
	}
	return n
}

func (p *commandPool) destroyStaging(readbacks []*readback) {
	for _, rb := range readbacks {
		if rb.staging != nil {
			p.device.DestroyBuffer(rb.staging)
			rb.staging = nil
		}
	}
}

// pending snapshots every slot with a submission.
func (p *commandPool) pending() []slotWait {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]slotWait, 0, len(p.slots))
	for _, s := range p.slots {
		if s.value > 0 {
			out = append(out, slotWait{fence: s.fence, value: s.value})
		}
	}
	return out
}

func (p *commandPool) waitSlot(w slotWait, timeout time.Duration) error {
	ok, err := p.device.Wait(w.fence, w.value, timeout)
	if err != nil {
		return fmt.Errorf("wait transfer fence: %w", err)
	}
	if !ok {
		p.log.Warn("device: transfer fence timed out", slog.Uint64("value", w.value))
	}
	return nil
}

func (p *commandPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		p.recycle(s)
		if s.fence != nil {
			p.device.DestroyFence(s.fence)
			s.fence = nil
		}
	}
	p.slots = nil
}
