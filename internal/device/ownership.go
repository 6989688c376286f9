// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/gpucore"
)

// Barrier is one queue-family ownership transfer with its layout change.
type Barrier struct {
	Handle         uint32
	SrcQueueFamily uint32
	DstQueueFamily uint32
	OldLayout      gpucore.Layout
	NewLayout      gpucore.Layout

	texture  hal.Texture
	readBack bool
}

// halBarrier is the HAL texture barrier for b. The HAL tracks usages, not
// queue families, so only the layout half is recorded; buffers and
// untracked layouts produce none.
func (b Barrier) halBarrier() (hal.TextureBarrier, bool) {
	if b.texture == nil {
		return hal.TextureBarrier{}, false
	}
	newUsage, ok := b.NewLayout.Usage()
	if !ok {
		return hal.TextureBarrier{}, false
	}
	old := b.OldLayout
	if b.readBack {
		old = gpucore.LayoutTransferSrc
	}
	oldUsage, _ := old.Usage()
	if oldUsage == newUsage {
		return hal.TextureBarrier{}, false
	}
	return hal.TextureBarrier{
		Texture: b.texture,
		Usage:   hal.TextureUsageTransition{OldUsage: oldUsage, NewUsage: newUsage},
	}, true
}

// Transfer is the result of an acquire or release.
type Transfer struct {
	// Barriers holds one entry per resource whose ownership flipped.
	Barriers []Barrier

	device hal.Device
	fence  hal.Fence
	value  uint64
}

// Submitted reports whether any GPU work was submitted.
func (t *Transfer) Submitted() bool { return t.fence != nil }

// Waitable returns the completion of the transfer for the fence engine.
func (t *Transfer) Waitable() fence.Waitable {
	if t.fence == nil {
		return fence.Ready("transfer")
	}
	return fence.NewHALFence(t.device, t.fence, t.value, "transfer")
}

// AcquireRequest asks for handle to be host-owned in layout.
type AcquireRequest struct {
	Handle uint32
	Layout gpucore.Layout
}

// AcquireForHostComposing moves layers (for sampling) and target (as a
// color attachment) to the host. target may be NoHandle.
func (c *Context) AcquireForHostComposing(layers []uint32, target uint32) (*Transfer, error) {
	reqs := make([]AcquireRequest, 0, len(layers)+1)
	for _, h := range layers {
		reqs = append(reqs, AcquireRequest{Handle: h, Layout: gpucore.LayoutShaderRead})
	}
	if target != NoHandle {
		reqs = append(reqs, AcquireRequest{Handle: target, Layout: gpucore.LayoutColorAttachment})
	}
	return c.Acquire(reqs)
}

// AcquireForPost moves a post source to the host for blitting.
func (c *Context) AcquireForPost(source uint32) (*Transfer, error) {
	return c.Acquire([]AcquireRequest{{Handle: source, Layout: gpucore.LayoutTransferSrc}})
}

// Acquire transfers every guest-owned resource in reqs to the host queue
// family and transitions it to the requested layout. Host-visible image
// contents are uploaded first. Resources already host-owned are skipped,
// so repeating an acquire issues no barrier.
//
// Every handle must be registered; an unknown handle aborts.
func (c *Context) Acquire(reqs []AcquireRequest) (*Transfer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	var (
		barriers []Barrier
		uploads  []upload
		flipped  []*Resource
	)
	for _, req := range reqs {
		r, ok := c.resources[req.Handle]
		if !ok {
			c.mu.Unlock()
			abort.Fatal("acquire_unknown_handle", slog.Uint64("handle", uint64(req.Handle)))
			return nil, nil
		}
		if r.Owner == gpucore.OwnerHost {
			continue
		}
		b := Barrier{
			Handle:         r.Handle,
			SrcQueueFamily: gpucore.QueueFamilyExternal,
			DstQueueFamily: c.family,
			OldLayout:      r.Layout,
			NewLayout:      req.Layout,
			texture:        r.Texture,
		}
		if !r.IsImage() {
			b.NewLayout = r.Layout
		}
		r.restore = r.Layout
		r.Layout = b.NewLayout
		r.Owner = gpucore.OwnerHost
		barriers = append(barriers, b)
		flipped = append(flipped, r)

		if r.IsImage() && r.Alloc.Mapped != nil && !gpucore.IsDepthStencil(r.Desc.Format) {
			pitch := rowPitch(r.Desc.Width, r.Desc.Format)
			uploads = append(uploads, upload{
				texture: r.Texture,
				data:    r.Alloc.Mapped[:pitch*uint64(r.Desc.Height)],
				pitch:   uint32(pitch), //nolint:gosec // row pitch of a validated image
				width:   r.Desc.Width,
				height:  r.Desc.Height,
			})
		}
	}
	c.mu.Unlock()

	t := &Transfer{Barriers: barriers, device: c.device}
	if len(barriers) == 0 {
		return t, nil
	}
	c.acquireBarriers.Add(uint64(len(barriers)))

	f, v, err := c.pool.submit(c.queue, "vgpu_acquire", halBarriers(barriers), uploads, nil)
	if err != nil {
		c.rollback(flipped, gpucore.OwnerGuest)
		return nil, fmt.Errorf("acquire: %w", err)
	}
	c.submissions.Add(1)
	c.uploads.Add(uint64(len(uploads)))
	t.fence, t.value = f, v
	return t, nil
}

// ReleaseFromHostComposing returns host-owned resources to the guest,
// restoring the layout each had before it was acquired. With sync set it
// blocks until the release has executed.
//
// Host-visible images the host rendered into are copied back into their
// mapping first. A release that carries such a copy always blocks until
// the mapping is written.
//
// Every handle must be registered; an unknown handle aborts.
func (c *Context) ReleaseFromHostComposing(handles []uint32, sync bool) (*Transfer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	var (
		barriers  []Barrier
		flipped   []*Resource
		readbacks []*readback
	)
	for _, h := range handles {
		r, ok := c.resources[h]
		if !ok {
			c.mu.Unlock()
			abort.Fatal("release_unknown_handle", slog.Uint64("handle", uint64(h)))
			return nil, nil
		}
		if r.Owner != gpucore.OwnerHost {
			continue
		}
		b := Barrier{
			Handle:         r.Handle,
			SrcQueueFamily: c.family,
			DstQueueFamily: gpucore.QueueFamilyExternal,
			OldLayout:      r.Layout,
			NewLayout:      r.restore,
			texture:        r.Texture,
		}
		if rb := readbackFor(r); rb != nil {
			b.readBack = true
			readbacks = append(readbacks, rb)
		}
		barriers = append(barriers, b)
		r.Layout, r.restore = r.restore, r.Layout
		r.Owner = gpucore.OwnerGuest
		flipped = append(flipped, r)
	}
	c.mu.Unlock()

	t := &Transfer{Barriers: barriers, device: c.device}
	if len(barriers) == 0 {
		return t, nil
	}
	c.releaseBarriers.Add(uint64(len(barriers)))

	f, v, err := c.pool.submit(c.queue, "vgpu_release", halBarriers(barriers), nil, readbacks)
	if err != nil {
		c.rollback(flipped, gpucore.OwnerHost)
		return nil, fmt.Errorf("release: %w", err)
	}
	c.submissions.Add(1)
	t.fence, t.value = f, v

	if len(readbacks) > 0 {
		c.readbacks.Add(uint64(c.pool.finishReadbacks(c.queue, f, v, readbacks)))
		return t, nil
	}
	if sync {
		c.waitTransfer(t, c.cfg.WaitTimeout)
	}
	return t, nil
}

// readbackFor returns the copy that writes r's rendered contents back to
// its mapping, or nil when r has no mapping or was not rendered to.
func readbackFor(r *Resource) *readback {
	if !r.IsImage() || r.Alloc.Mapped == nil || r.Layout != gpucore.LayoutColorAttachment ||
		gpucore.IsDepthStencil(r.Desc.Format) {
		return nil
	}
	from, _ := r.Layout.Usage()
	pitch := rowPitch(r.Desc.Width, r.Desc.Format)
	return &readback{
		texture: r.Texture,
		from:    from,
		dst:     r.Alloc.Mapped[:pitch*uint64(r.Desc.Height)],
		pitch:   uint32(pitch), //nolint:gosec // row pitch of a validated image
		width:   r.Desc.Width,
		height:  r.Desc.Height,
	}
}

// rollback undoes an ownership flip whose submission failed.
func (c *Context) rollback(rs []*Resource, owner gpucore.Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rs {
		r.Layout, r.restore = r.restore, r.Layout
		r.Owner = owner
	}
}

func (c *Context) waitTransfer(t *Transfer, timeout time.Duration) {
	ok, err := c.device.Wait(t.fence, t.value, timeout)
	if !ok || err != nil {
		c.log.Warn("device: release fence did not signal",
			slog.Uint64("value", t.value),
			slog.Duration("timeout", timeout),
			slog.Any("err", err))
	}
}

func halBarriers(bs []Barrier) []hal.TextureBarrier {
	out := make([]hal.TextureBarrier, 0, len(bs))
	for _, b := range bs {
		if hb, ok := b.halBarrier(); ok {
			out = append(out, hb)
		}
	}
	return out
}
