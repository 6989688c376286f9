// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package present drives the per-surface frame cycle: posting a guest image
// to a swapchain and compositing layers into a guest render target.
package present

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/gpucore"
	"github.com/gogpu/vgpu/internal/swapchain"
)

// Config configures an Engine.
type Config struct {
	// Context is the device context resources come from. Required.
	Context *device.Context

	// Fences runs the completion waits. Nil starts a private engine that
	// Close stops.
	Fences *fence.Engine

	// MaxFramesInFlight is the frame pool size. Zero means 3.
	MaxFramesInFlight int

	// RingCapacity bounds the render-target cache. Zero means 128.
	RingCapacity int

	// BatchUniformWrites and SPIRV are passed to the compositor.
	BatchUniformWrites bool
	SPIRV              bool

	// Timeout bounds frame drains on unbind and close. Zero means 5s.
	Timeout time.Duration

	// OnRecycle, if set, is called on a fence worker with the handle of a
	// posted source once the frame that read it has completed.
	OnRecycle func(handle uint32)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFramesInFlight <= 0 {
		c.MaxFramesInFlight = 3
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(nopHandler{})
	}
	return c
}

// frame is one frame-in-flight resource set. It doubles as the
// compositor slot of the same index.
type frame struct {
	index int
	fence hal.Fence
	value uint64
	done  *fence.Signal
}

// Stats are cumulative engine counters.
type Stats struct {
	Posts          uint64
	Composes       uint64
	UploadsSkipped uint64
	Evictions      uint64
	Targets        int
}

// Engine presents and composites for one surface.
//
// Unbound until Bind succeeds; Unbind or a stale swapchain returns it to
// needing a Bind. Compose does not need a surface.
type Engine struct {
	ctx       *device.Context
	device    hal.Device
	queue     hal.Queue
	fences    *fence.Engine
	ownFences bool
	cfg       Config
	log       *slog.Logger
	comp      *compositor.Compositor
	blit      *blitter

	mu      sync.Mutex
	closed  bool
	surface swapchain.Surface
	chain   *swapchain.Swapchain
	stale   bool
	last    lastFrame
	frames  []*frame
	next    int
	ring    *targetRing

	posts          atomic.Uint64
	composes       atomic.Uint64
	uploadsSkipped atomic.Uint64
	evictions      atomic.Uint64
}

type lastFrame struct {
	index uint32
	valid bool
}

// New builds the compositor and blit pipelines, the frame pool and the
// render-target ring, and hooks resource teardown so cached targets never
// outlive their resource.
func New(cfg Config) (*Engine, error) {
	if cfg.Context == nil {
		return nil, errors.New("present: nil device context")
	}
	cfg = cfg.withDefaults()
	ctx := cfg.Context
	e := &Engine{
		ctx:    ctx,
		device: ctx.Device(),
		queue:  ctx.Queue(),
		fences: cfg.Fences,
		cfg:    cfg,
		log:    cfg.Logger,
		ring:   newTargetRing(cfg.RingCapacity),
	}
	if e.fences == nil {
		e.fences = fence.NewEngine(fence.Config{Logger: cfg.Logger})
		e.ownFences = true
	}

	var err error
	e.comp, err = compositor.New(e.device, e.queue, compositor.Config{
		MaxFramesInFlight:  cfg.MaxFramesInFlight,
		UniformAlignment:   ctx.Physical().UniformAlignment,
		BatchUniformWrites: cfg.BatchUniformWrites,
		SPIRV:              cfg.SPIRV,
		Logger:             cfg.Logger,
	})
	if err != nil {
		e.release()
		return nil, fmt.Errorf("present: %w", err)
	}
	if e.blit, err = newBlitter(e.device); err != nil {
		e.release()
		return nil, fmt.Errorf("present: %w", err)
	}
	for i := range cfg.MaxFramesInFlight {
		f, err := e.device.CreateFence()
		if err != nil {
			e.release()
			return nil, fmt.Errorf("present: create frame fence %d: %w", i, err)
		}
		e.frames = append(e.frames, &frame{index: i, fence: f})
	}

	ctx.OnTeardown(e.forgetTarget)
	ctx.OnIdle(e.waitFrames)
	return e, nil
}

// Bind negotiates a swapchain for surface and makes the engine ready to
// post. A previous binding is dropped first.
func (e *Engine) Bind(surface swapchain.Surface, width, height uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.chain != nil {
		e.unbindLocked()
	}

	info, err := swapchain.Negotiate(surface, e.ctx.FormatFeatures, width, height,
		[]uint32{e.ctx.HostQueueFamily()}, e.log)
	if err != nil {
		return err
	}
	chain, err := swapchain.New(e.device, surface, info, e.log)
	if err != nil {
		return fmt.Errorf("present: %w", err)
	}
	e.surface, e.chain = surface, chain
	e.stale = false
	e.last = lastFrame{}
	e.log.Info("present: bound",
		slog.Uint64("width", uint64(info.Extent.Width)),
		slog.Uint64("height", uint64(info.Extent.Height)))
	return nil
}

// Unbind drains in-flight frames and releases the swapchain.
func (e *Engine) Unbind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chain != nil {
		e.unbindLocked()
	}
}

func (e *Engine) unbindLocked() {
	e.drainLocked()
	e.chain.Destroy()
	e.chain, e.surface = nil, nil
	e.last = lastFrame{}
	e.ring.reset()
	e.log.Info("present: unbound")
}

// Bound reports whether a swapchain is configured.
func (e *Engine) Bound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain != nil
}

// Extent returns the bound swapchain size.
func (e *Engine) Extent() (width, height uint32, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chain == nil {
		return 0, 0, false
	}
	ext := e.chain.Extent()
	return ext.Width, ext.Height, true
}

// Post blits source into the next swapchain image and presents it. The
// returned signal completes once the GPU has finished with source.
//
// Post returns ErrNotBound when unbound and ErrNeedsRebind when the
// swapchain reports staleness; neither is logged as an error.
func (e *Engine) Post(source *device.Resource) (*fence.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.chain == nil {
		return nil, ErrNotBound
	}
	if e.stale {
		return nil, ErrNeedsRebind
	}
	if source == nil || !source.IsImage() || source.View == nil {
		return nil, ErrInvalidSource
	}

	img, status, err := e.chain.Acquire()
	if err != nil {
		return nil, fmt.Errorf("present: %w", err)
	}
	if status.Stale() {
		e.stale = true
		e.log.Debug("present: swapchain stale on acquire", slog.String("status", status.String()))
		return nil, ErrNeedsRebind
	}

	fr := e.acquireFrameLocked()
	format := source.Format()
	linear := useLinear(format, e.ctx.FormatFeatures(format))
	bg, err := e.blit.bind(source.View, linear)
	if err != nil {
		return nil, fmt.Errorf("present: %w", err)
	}

	handle := source.Handle
	_, srcLayout, _ := e.ctx.State(handle)
	dstFormat := e.chain.Info().Format
	sig, err := e.submitFrameLocked(fr, "post", func(enc hal.CommandEncoder) error {
		barriers := collectBarriers(
			layoutChange{source.Texture, srcLayout, gpucore.LayoutShaderRead},
			layoutChange{img.Texture, gpucore.LayoutUndefined, gpucore.LayoutTransferDst},
		)
		if len(barriers) > 0 {
			enc.TransitionTextures(barriers)
		}
		// TransferDst -> Present is not tracked by the HAL; presenting
		// the image performs it.
		return e.blit.record(enc, img.View, dstFormat, bg)
	}, func() {
		e.device.DestroyBindGroup(bg)
		if e.cfg.OnRecycle != nil {
			e.cfg.OnRecycle(handle)
		}
	})
	if err != nil {
		e.device.DestroyBindGroup(bg)
		return nil, err
	}
	e.ctx.SetLayout(handle, gpucore.LayoutShaderRead)
	e.advanceLocked()
	e.posts.Add(1)

	status, err = e.chain.Present(img.Index)
	if err != nil {
		return sig, fmt.Errorf("present: %w", err)
	}
	e.last = lastFrame{index: img.Index, valid: true}
	if status.Stale() {
		e.stale = true
		e.log.Debug("present: swapchain stale on present", slog.String("status", status.String()))
	}
	e.log.Debug("present: posted",
		slog.Uint64("handle", uint64(handle)),
		slog.Uint64("image", uint64(img.Index)),
		slog.Bool("linear", linear))
	return sig, nil
}

// ComposeRequest is one compose call. Sources[i] backs Layers[i]; a nil
// or missing source makes layer i solid unless it names a handle, in which
// case it is skipped.
type ComposeRequest struct {
	Target  *device.Resource
	Layers  []compositor.Layer
	Sources []*device.Resource
}

// Compose draws req.Layers into req.Target.
//
// More than compositor.MaxLayers layers aborts the process, as does a
// render-target build failure after the target passed validation. An
// unsuitable target returns ErrTargetUnsupported.
func (e *Engine) Compose(req ComposeRequest) (*fence.Signal, error) {
	if n := len(req.Layers); n > compositor.MaxLayers {
		abort.Fatal("composition_layer_overflow", slog.Int("layers", n), slog.Int("max", compositor.MaxLayers))
	}
	if err := e.checkTarget(req.Target); err != nil {
		return nil, err
	}
	comp, used := e.buildComposition(req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	target := req.Target
	rt := e.renderTargetLocked(target)
	fr := e.acquireFrameLocked()
	w, h := target.Extent()
	changed, err := e.comp.SetComposition(fr.index, comp, w, h)
	if err != nil {
		return nil, fmt.Errorf("present: %w", err)
	}
	if !changed {
		e.uploadsSkipped.Add(1)
	}

	changes := make([]layoutChange, 0, len(used)+1)
	for _, src := range used {
		_, l, _ := e.ctx.State(src.Handle)
		changes = append(changes, layoutChange{src.Texture, l, gpucore.LayoutShaderRead})
	}
	_, tl, _ := e.ctx.State(target.Handle)
	changes = append(changes, layoutChange{target.Texture, tl, gpucore.LayoutColorAttachment})

	sig, err := e.submitFrameLocked(fr, "compose", func(enc hal.CommandEncoder) error {
		if barriers := collectBarriers(changes...); len(barriers) > 0 {
			enc.TransitionTextures(barriers)
		}
		return e.comp.Record(fr.index, enc, rt)
	}, nil)
	if err != nil {
		return nil, err
	}
	for _, src := range used {
		e.ctx.SetLayout(src.Handle, gpucore.LayoutShaderRead)
	}
	e.ctx.SetLayout(target.Handle, gpucore.LayoutColorAttachment)
	e.advanceLocked()
	e.composes.Add(1)
	e.log.Debug("present: composed",
		slog.Uint64("target", uint64(target.Handle)),
		slog.Int("slot", fr.index),
		slog.Int("layers", len(comp.Layers)),
		slog.Bool("uploaded", changed))
	return sig, nil
}

func (e *Engine) checkTarget(t *device.Resource) error {
	if t == nil || !t.IsImage() || t.View == nil {
		e.log.Warn("present: compose target is not an image")
		return fmt.Errorf("%w: not an image", ErrTargetUnsupported)
	}
	format := t.Format()
	feats := e.ctx.FormatFeatures(format)
	if !compositor.SupportedTargetFormat(format) || !feats.Has(gpucore.FeatureColorAttachment) {
		e.log.Warn("present: compose target unsupported",
			slog.Uint64("target", uint64(t.Handle)),
			slog.Any("format", format),
			slog.Uint64("features", uint64(feats)))
		return fmt.Errorf("%w: format %v", ErrTargetUnsupported, format)
	}
	return nil
}

// buildComposition resolves layer sources, dropping layers whose source is
// missing or cannot be sampled. It returns the sampled resources.
func (e *Engine) buildComposition(req ComposeRequest) (*compositor.Composition, []*device.Resource) {
	comp := &compositor.Composition{Layers: make([]compositor.Layer, 0, len(req.Layers))}
	var used []*device.Resource
	for i, l := range req.Layers {
		var src *device.Resource
		if i < len(req.Sources) {
			src = req.Sources[i]
		}
		if l.Source == compositor.NoSource {
			l.View = nil
			comp.Layers = append(comp.Layers, l)
			continue
		}
		if src == nil || !src.IsImage() || src.View == nil {
			e.log.Debug("present: layer skipped, no source", slog.Int("layer", i), slog.Uint64("source", uint64(l.Source)))
			continue
		}
		if !e.ctx.FormatFeatures(src.Format()).Has(gpucore.FeatureSampledImage) {
			e.log.Debug("present: layer skipped, source not sampleable", slog.Int("layer", i), slog.Any("format", src.Format()))
			continue
		}
		l.View = src.View
		l.SourceWidth, l.SourceHeight = src.Extent()
		comp.Layers = append(comp.Layers, l)
		used = append(used, src)
	}
	return comp, used
}

// renderTargetLocked returns the cached render target of t, building it on
// a miss.
func (e *Engine) renderTargetLocked(t *device.Resource) *compositor.RenderTarget {
	if rt, ok := e.ring.get(t.Handle); ok {
		return rt
	}
	w, h := t.Extent()
	rt, err := e.comp.CreateRenderTarget(t.View, t.Format(), w, h)
	if err != nil {
		abort.Fatal("render_target_build_failed",
			slog.Uint64("target", uint64(t.Handle)), slog.Any("err", err))
	}
	if evicted, ok := e.ring.put(t.Handle, rt); ok {
		e.evictions.Add(1)
		e.log.Debug("present: render target evicted", slog.Uint64("handle", uint64(evicted)))
	}
	return rt
}

// Target returns the cached render target of handle.
func (e *Engine) Target(handle uint32) (*compositor.RenderTarget, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ring.get(handle)
}

func (e *Engine) forgetTarget(handle uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring.invalidate(handle)
}

// acquireFrameLocked returns the current frame once its previous
// submission has completed. The completion is delivered by the fence
// engine; this only blocks on its signal.
func (e *Engine) acquireFrameLocked() *frame {
	fr := e.frames[e.next]
	if fr.done != nil {
		_ = fr.done.Wait(context.Background())
	}
	return fr
}

func (e *Engine) advanceLocked() {
	e.next = (e.next + 1) % len(e.frames)
}

// submitFrameLocked records and submits one command buffer on fr and
// queues its recycling. recycle runs on a fence worker after completion.
func (e *Engine) submitFrameLocked(fr *frame, label string, record func(hal.CommandEncoder) error, recycle func()) (*fence.Signal, error) {
	encoder, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("present: create %s encoder: %w", label, err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("present: begin %s encoding: %w", label, err)
	}
	if err := record(encoder); err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("present: record %s: %w", label, err)
	}
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("present: end %s encoding: %w", label, err)
	}

	value := fr.value + 1
	if err := e.queue.Submit([]hal.CommandBuffer{cmd}, fr.fence, value); err != nil {
		e.device.FreeCommandBuffer(cmd)
		return nil, fmt.Errorf("present: submit %s: %w", label, err)
	}
	fr.value = value

	waitable := fence.NewHALFence(e.device, fr.fence, value, fmt.Sprintf("%s_frame_%d", label, fr.index))
	sig, err := e.fences.WaitThenCallback(waitable, func() {
		e.device.FreeCommandBuffer(cmd)
		if recycle != nil {
			recycle()
		}
	})
	if err != nil {
		// Fence engine already stopped: finish synchronously.
		if _, werr := waitable.Wait(e.cfg.Timeout); werr != nil {
			e.log.Warn("present: frame wait failed", slog.Any("err", werr))
		}
		e.device.FreeCommandBuffer(cmd)
		if recycle != nil {
			recycle()
		}
		sig = fence.Completed()
	}
	fr.done = sig
	return sig, nil
}

// drainLocked waits for every in-flight frame.
func (e *Engine) drainLocked() {
	for _, fr := range e.frames {
		if fr.done == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		if err := fr.done.Wait(ctx); err != nil {
			e.log.Warn("present: frame did not drain", slog.Int("frame", fr.index), slog.Any("err", err))
		}
		cancel()
	}
}

// waitFrames is the device context idle hook.
func (e *Engine) waitFrames(timeout time.Duration) error {
	e.mu.Lock()
	pending := make([]*fence.Signal, 0, len(e.frames))
	for _, fr := range e.frames {
		if fr.done != nil {
			pending = append(pending, fr.done)
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range pending {
		if err := s.Wait(ctx); err != nil {
			return fmt.Errorf("present: wait frames: %w", err)
		}
	}
	return nil
}

// Writes returns the compositor's descriptor/uniform write count.
func (e *Engine) Writes() uint64 { return e.comp.Writes() }

// Stats returns cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	targets := e.ring.len()
	e.mu.Unlock()
	return Stats{
		Posts:          e.posts.Load(),
		Composes:       e.composes.Load(),
		UploadsSkipped: e.uploadsSkipped.Load(),
		Evictions:      e.evictions.Load(),
		Targets:        targets,
	}
}

// Close unbinds, drains and releases every GPU object. It is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.chain != nil {
		e.unbindLocked()
	} else {
		e.drainLocked()
	}
	e.mu.Unlock()
	e.release()
}

func (e *Engine) release() {
	if e.ownFences && e.fences != nil {
		e.fences.Close()
	}
	for _, fr := range e.frames {
		e.device.DestroyFence(fr.fence)
	}
	e.frames = nil
	if e.blit != nil {
		e.blit.destroy()
	}
	if e.comp != nil {
		e.comp.Destroy()
	}
}

type layoutChange struct {
	texture  hal.Texture
	from, to gpucore.Layout
}

// collectBarriers returns the HAL barriers for the changes the HAL tracks.
func collectBarriers(changes ...layoutChange) []hal.TextureBarrier {
	var out []hal.TextureBarrier
	for _, c := range changes {
		if c.texture == nil {
			continue
		}
		newUsage, ok := c.to.Usage()
		if !ok {
			continue
		}
		oldUsage, _ := c.from.Usage()
		if oldUsage == newUsage {
			continue
		}
		out = append(out, hal.TextureBarrier{
			Texture: c.texture,
			Usage:   hal.TextureUsageTransition{OldUsage: oldUsage, NewUsage: newUsage},
		})
	}
	return out
}

// Clear presents one opaque black frame.
func (e *Engine) Clear() (*fence.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.chain == nil {
		return nil, ErrNotBound
	}
	if e.stale {
		return nil, ErrNeedsRebind
	}
	img, status, err := e.chain.Acquire()
	if err != nil {
		return nil, fmt.Errorf("present: %w", err)
	}
	if status.Stale() {
		e.stale = true
		return nil, ErrNeedsRebind
	}
	fr := e.acquireFrameLocked()
	sig, err := e.submitFrameLocked(fr, "clear", func(enc hal.CommandEncoder) error {
		if barriers := collectBarriers(layoutChange{img.Texture, gpucore.LayoutUndefined, gpucore.LayoutTransferDst}); len(barriers) > 0 {
			enc.TransitionTextures(barriers)
		}
		rp := enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "clear_pass",
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:       img.View,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
			}},
		})
		rp.End()
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	e.advanceLocked()
	status, err = e.chain.Present(img.Index)
	if err != nil {
		return sig, fmt.Errorf("present: %w", err)
	}
	e.last = lastFrame{index: img.Index, valid: true}
	if status.Stale() {
		e.stale = true
	}
	return sig, nil
}
