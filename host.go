// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vgpu

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/dispatch"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/present"
	"github.com/gogpu/vgpu/internal/swapchain"
)

// DeviceStats are the device context counters.
type DeviceStats = device.Stats

// PresentStats are the presentation engine counters.
type PresentStats = present.Stats

// Stats is a snapshot of host activity.
type Stats struct {
	Device          DeviceStats
	Present         PresentStats
	FencesCompleted uint64
	FenceTimeouts   uint64
}

// Host is the host side of one virtual GPU: a device context with its
// resource registry, a fence engine, and one display.
//
// All methods are safe for concurrent use. Display operations (Post,
// Compose, Resize, Clear, Screenshot, BindToSurface) are serialized.
type Host struct {
	id       string
	log      *slog.Logger
	features Features

	ctx    *device.Context
	fences *fence.Engine
	engine *present.Engine
	disp   *dispatch.Dispatcher

	unregister func()
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewHost opens the host device and starts the fence workers.
//
// The device comes from, in order: [WithDevice], [WithProvider],
// [WithBackend], [WithBackendName] (default "vulkan"). Features come from
// [WithFeatures] or, without it, from [FeaturesFromEnv].
func NewHost(opts ...Option) (*Host, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	features := o.features
	if !o.featuresSet {
		f, err := FeaturesFromEnv()
		if err != nil {
			return nil, err
		}
		features = f
	}

	id := uuid.NewString()
	log := o.logger
	if log == nil {
		log = Logger()
	}
	log = log.With(slog.String("session", id))

	cfg := device.Config{
		Device:             o.device,
		Queue:              o.queue,
		Provider:           o.provider,
		Prefer:             o.prefer,
		ReportRequirements: features.ResourceRequirements,
		WaitTimeout:        o.waitTimeout,
		Logger:             log,
	}
	if o.device == nil && o.provider == nil {
		cfg.Backend = o.backend
		if cfg.Backend == nil {
			b, err := BackendByName(o.name)
			if err != nil {
				return nil, err
			}
			cfg.Backend = b
		}
	}
	ctx, err := device.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("vgpu: %w", err)
	}

	h := &Host{
		id:       id,
		log:      log,
		features: features,
		ctx:      ctx,
		fences: fence.NewEngine(fence.Config{
			Workers: o.fenceWorkers,
			Timeout: o.waitTimeout,
			Logger:  log,
		}),
	}
	if features.NativeSwapchain {
		h.engine, err = present.New(present.Config{
			Context:            ctx,
			Fences:             h.fences,
			MaxFramesInFlight:  o.framesInFlight,
			BatchUniformWrites: features.DeferredCommands,
			SPIRV:              o.spirv,
			Timeout:            o.waitTimeout,
			OnRecycle:          h.recycle,
			Logger:             log,
		})
		if err != nil {
			h.fences.Close()
			_ = ctx.Close()
			return nil, fmt.Errorf("vgpu: %w", err)
		}
	}
	h.disp, err = dispatch.New(dispatch.Config{
		Context:   ctx,
		Engine:    h.engine,
		Native:    features.NativeSwapchain,
		Dedicated: o.dedicated,
		Logger:    log,
	})
	if err != nil {
		if h.engine != nil {
			h.engine.Close()
		}
		h.fences.Close()
		_ = ctx.Close()
		return nil, fmt.Errorf("vgpu: %w", err)
	}
	h.unregister = abort.RegisterFlusher(h.flush)

	log.Info("vgpu: host started",
		slog.String("adapter", ctx.Physical().Name),
		slog.String("features", features.String()))
	return h, nil
}

// ID returns the session id of the host.
func (h *Host) ID() string { return h.id }

// Features returns the features the host runs with.
func (h *Host) Features() Features { return h.features }

// Adapter returns the name of the selected adapter.
func (h *Host) Adapter() string { return h.ctx.Physical().Name }

// SetupResource registers handle and allocates its external memory from a
// memory type that has every property in mask.
func (h *Host) SetupResource(handle uint32, desc ResourceDesc, mask MemoryProperty) (Allocation, error) {
	if h.closed.Load() {
		return Allocation{}, ErrClosed
	}
	return h.ctx.SetupResource(handle, desc, mask)
}

// TeardownResource destroys handle. It reports whether handle was
// registered.
func (h *Host) TeardownResource(handle uint32) bool {
	if h.closed.Load() {
		return false
	}
	return h.ctx.TeardownResource(handle)
}

// ReleaseToGuest returns host-owned resources to the guest. With wait set
// it blocks until the release has executed on the GPU. Handles the host
// does not own are skipped. Host-visible compose targets get the composed
// pixels copied into their mapping before this returns.
func (h *Host) ReleaseToGuest(wait bool, handles ...uint32) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if _, err := h.ctx.ReleaseFromHostComposing(handles, wait); err != nil {
		return fmt.Errorf("vgpu: %w", err)
	}
	return nil
}

// BindToSurface makes surface the display. On the native path a surface
// that cannot satisfy the swapchain requirements terminates the process;
// without NativeSwapchain the display is a CPU framebuffer of the given
// size and surface may be nil.
func (h *Host) BindToSurface(surface Surface, width, height uint32) error {
	err := h.disp.Bind(surface, width, height)
	h.checkNegotiation(err)
	return h.wrap(err)
}

// Resize records a new display size. The swapchain is rebuilt by the next
// display operation.
func (h *Host) Resize(width, height uint32) error {
	return h.wrap(h.disp.Resize(width, height))
}

// Post shows resource handle on the display. It reports false when the
// display is not bound or went stale; the next call rebinds. The returned
// signal is never nil.
func (h *Host) Post(handle uint32) (bool, *Signal) {
	stillBound, sig, err := h.disp.Post(handle)
	if err != nil {
		h.checkNegotiation(err)
		h.log.Warn("vgpu: post failed", slog.Uint64("handle", uint64(handle)), slog.Any("err", err))
		return false, fence.Completed()
	}
	if sig == nil {
		sig = fence.Completed()
	}
	return stillBound, sig
}

// Compose draws layers, bottom first, into resource target. It reports
// false when target cannot be rendered to. More than [MaxLayers] layers
// terminates the process. The returned signal is never nil.
func (h *Host) Compose(target uint32, layers []Layer) (bool, *Signal) {
	accepted, sig, err := h.disp.Compose(target, layers)
	if err != nil {
		h.log.Warn("vgpu: compose failed", slog.Uint64("target", uint64(target)), slog.Any("err", err))
		return false, fence.Completed()
	}
	if sig == nil {
		sig = fence.Completed()
	}
	return accepted, sig
}

// Clear blanks the display to opaque black.
func (h *Host) Clear() (*Signal, error) {
	sig, err := h.disp.Clear()
	if err != nil {
		h.checkNegotiation(err)
		return nil, h.wrap(err)
	}
	if sig == nil {
		sig = fence.Completed()
	}
	return sig, nil
}

// Screenshot returns the display contents scaled to width x height. Zero
// sizes keep the display size.
func (h *Host) Screenshot(width, height uint32) (*image.RGBA, error) {
	img, err := h.disp.Screenshot(width, height)
	return img, h.wrap(err)
}

// Stats returns a snapshot of the host counters.
func (h *Host) Stats() Stats {
	s := Stats{
		Device:          h.ctx.Stats(),
		FencesCompleted: h.fences.Completed(),
		FenceTimeouts:   h.fences.Timeouts(),
	}
	if h.engine != nil {
		s.Present = h.engine.Stats()
	}
	return s
}

// Close drains in-flight work and releases the device. It is safe to call
// multiple times.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.unregister()
		h.disp.Close()
		if h.engine != nil {
			h.engine.Close()
		}
		h.closeErr = h.ctx.Close()
		h.fences.Close()
		h.log.Info("vgpu: host closed")
	})
	return h.closeErr
}

// recycle hands a posted source back to the guest once its frame is done.
func (h *Host) recycle(handle uint32) {
	if h.closed.Load() {
		return
	}
	if _, ok := h.ctx.Lookup(handle); !ok {
		return
	}
	if _, err := h.ctx.ReleaseFromHostComposing([]uint32{handle}, false); err != nil && !errors.Is(err, device.ErrClosed) {
		h.log.Warn("vgpu: recycle failed", slog.Uint64("handle", uint64(handle)), slog.Any("err", err))
	}
}

// checkNegotiation aborts when the native path cannot be set up.
func (h *Host) checkNegotiation(err error) {
	if err != nil && h.features.NativeSwapchain && errors.Is(err, swapchain.ErrUnsupported) {
		abort.Fatal("swapchain_unsupported", slog.Any("err", err))
	}
}

// flush records final counters before an abort. The abort may fire with
// component locks held, so it only reads lock-free counters.
func (h *Host) flush() {
	if h.closed.Load() {
		return
	}
	h.log.Error("vgpu: host state at abort",
		slog.String("features", h.features.String()),
		slog.Uint64("fences_completed", h.fences.Completed()),
		slog.Uint64("fence_timeouts", h.fences.Timeouts()))
}

func (h *Host) wrap(err error) error {
	if errors.Is(err, dispatch.ErrClosed) {
		return ErrClosed
	}
	return err
}
