// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/gpucore"
)

// Config configures a Context. Exactly one device source is used, checked
// in order: Device+Queue, Provider, Backend.
type Config struct {
	// Device and Queue adopt an already opened HAL device. The context
	// does not destroy adopted devices.
	Device hal.Device
	Queue  hal.Queue

	// Provider adopts the device of a gpucontext provider that also
	// exposes HalDevice() and HalQueue().
	Provider gpucontext.DeviceProvider

	// Backend is enumerated for adapters when no device is adopted.
	Backend hal.Backend

	// Prefer selects an adapter by name substring.
	Prefer string

	// Physical describes the device. Required fields are synthesized
	// when nil.
	Physical *PhysicalDevice

	// ReportRequirements reports aligned allocation sizes instead of the
	// raw resource size.
	ReportRequirements bool

	// CommandSlots is the size of the ownership-transfer command pool.
	// Zero means 4.
	CommandSlots int

	// WaitTimeout bounds fence waits. Zero means 5s.
	WaitTimeout time.Duration

	// Logger receives lifecycle and negotiation records. Nil disables
	// logging.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.CommandSlots <= 0 {
		c.CommandSlots = 4
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(nopHandler{})
	}
	return c
}

// Stats are counters of barrier and submission activity.
type Stats struct {
	Resources       int
	Allocations     uint64
	AcquireBarriers uint64
	ReleaseBarriers uint64
	Submissions     uint64
	Uploads         uint64
	Readbacks       uint64
}

// Context is the host device and its resource registry.
//
// The registry and every resource's ownership state are guarded by mu.
// Command recording, submission and fence waits happen outside mu; the
// transfer command pool has its own lock.
type Context struct {
	cfg Config
	log *slog.Logger

	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	owned    bool
	physical PhysicalDevice
	family   uint32

	mu        sync.Mutex
	resources map[uint32]*Resource
	hooks     []func(handle uint32)
	waiters   []func(timeout time.Duration) error
	closed    bool

	pool *commandPool

	allocations     atomic.Uint64
	acquireBarriers atomic.Uint64
	releaseBarriers atomic.Uint64
	submissions     atomic.Uint64
	uploads         atomic.Uint64
	readbacks       atomic.Uint64
}

// New opens the host device and returns an empty registry.
func New(cfg Config) (*Context, error) {
	cfg = cfg.withDefaults()
	c := &Context{
		cfg:       cfg,
		log:       cfg.Logger,
		resources: make(map[uint32]*Resource),
	}

	if err := c.open(); err != nil {
		return nil, err
	}

	fam, ok := c.physical.GraphicsFamily()
	if !ok {
		c.destroyDevice()
		return nil, fmt.Errorf("%w: %s has no graphics queue family", ErrNoDevice, c.physical.Name)
	}
	c.family = fam.Index

	pool, err := newCommandPool(c.device, cfg.CommandSlots, cfg.WaitTimeout, c.log)
	if err != nil {
		c.destroyDevice()
		return nil, err
	}
	c.pool = pool

	c.log.Info("device: context ready",
		slog.String("adapter", c.physical.Name),
		slog.String("class", c.physical.Class.String()),
		slog.Uint64("queue_family", uint64(c.family)),
		slog.Bool("adopted", !c.owned))
	return c, nil
}

func (c *Context) open() error {
	cfg := c.cfg
	switch {
	case cfg.Device != nil && cfg.Queue != nil:
		c.device, c.queue = cfg.Device, cfg.Queue
		c.physical = c.physicalOr(Synthesized("adopted", ClassOther))
		return nil

	case cfg.Provider != nil:
		type halProvider interface {
			HalDevice() any
			HalQueue() any
		}
		hp, ok := any(cfg.Provider).(halProvider)
		if !ok {
			return fmt.Errorf("device: provider does not expose HAL types")
		}
		dev, ok := hp.HalDevice().(hal.Device)
		if !ok || dev == nil {
			return fmt.Errorf("device: provider HalDevice is not hal.Device")
		}
		q, ok := hp.HalQueue().(hal.Queue)
		if !ok || q == nil {
			return fmt.Errorf("device: provider HalQueue is not hal.Queue")
		}
		c.device, c.queue = dev, q
		c.physical = c.physicalOr(Synthesized("shared", ClassOther))
		return nil

	case cfg.Backend != nil:
		return c.openBackend()

	default:
		return fmt.Errorf("%w: no device source configured", ErrNoDevice)
	}
}

func (c *Context) physicalOr(def PhysicalDevice) PhysicalDevice {
	if c.cfg.Physical != nil {
		return *c.cfg.Physical
	}
	return def
}

func (c *Context) openBackend() error {
	instance, err := c.cfg.Backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	exposed := instance.EnumerateAdapters(nil)
	adapters := make([]PhysicalDevice, len(exposed))
	for i := range exposed {
		adapters[i] = FromHAL(exposed[i])
	}

	selected, err := Select(adapters, c.cfg.Prefer)
	if err != nil {
		instance.Destroy()
		return err
	}
	openDev, err := selected.adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("open device %s: %w", selected.Name, err)
	}

	c.instance = instance
	c.device = openDev.Device
	c.queue = openDev.Queue
	c.owned = true
	if c.cfg.Physical != nil {
		c.physical = *c.cfg.Physical
		c.physical.adapter = selected.adapter
	} else {
		c.physical = selected
	}
	return nil
}

// Device returns the HAL device.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the HAL queue.
func (c *Context) Queue() hal.Queue { return c.queue }

// Physical returns the device description.
func (c *Context) Physical() PhysicalDevice { return c.physical }

// HostQueueFamily returns the queue family host work is submitted on.
func (c *Context) HostQueueFamily() uint32 { return c.family }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.log }

// FormatFeatures returns the host features of format.
func (c *Context) FormatFeatures(format gputypes.TextureFormat) gpucore.FormatFeature {
	return c.physical.FormatFeatures(format)
}

// OnTeardown registers f to run after a resource is destroyed. It is how
// caches holding back-references to resources invalidate them.
func (c *Context) OnTeardown(f func(handle uint32)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, f)
	c.mu.Unlock()
}

// OnIdle registers a wait that must finish before the queue counts as
// idle. Components submitting on the shared queue register their
// in-flight fences here.
func (c *Context) OnIdle(wait func(timeout time.Duration) error) {
	c.mu.Lock()
	c.waiters = append(c.waiters, wait)
	c.mu.Unlock()
}

// SetupResource registers handle and allocates its backing object and
// memory. The memory type is the highest-index type whose properties
// include mask. Calling it for a registered handle returns the existing
// allocation and bumps the registration count.
func (c *Context) SetupResource(handle uint32, desc ResourceDesc, mask gpucore.MemoryProperty) (Allocation, error) {
	if handle == NoHandle {
		return Allocation{}, fmt.Errorf("%w: null handle", ErrInvalidResource)
	}
	if err := desc.validate(); err != nil {
		return Allocation{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Allocation{}, ErrClosed
	}
	if r, ok := c.resources[handle]; ok {
		r.refs++
		return r.Alloc, nil
	}

	req, err := requirementsFor(desc)
	if err != nil {
		c.log.Warn("device: unsupported resource",
			slog.Uint64("handle", uint64(handle)),
			slog.String("kind", desc.Kind.String()),
			slog.Any("format", desc.Format))
		return Allocation{}, fmt.Errorf("setup %d: %w", handle, err)
	}
	if desc.Kind == KindImage {
		if feats := c.physical.FormatFeatures(desc.Format); !feats.Has(gpucore.FeatureSampledImage) {
			c.log.Warn("device: format not sampleable",
				slog.Uint64("handle", uint64(handle)),
				slog.Any("format", desc.Format),
				slog.Uint64("features", uint64(feats)))
			return Allocation{}, fmt.Errorf("setup %d: %w: %v", handle, ErrUnsupportedFormat, desc.Format)
		}
	}

	typeIdx, ok := MemoryTypeFor(c.physical.MemoryTypes, req.MemoryTypeBits, mask)
	if !ok {
		c.log.Warn("device: no memory type",
			slog.Uint64("handle", uint64(handle)),
			slog.String("requested", mask.String()),
			slog.Uint64("type_bits", uint64(req.MemoryTypeBits)))
		return Allocation{}, fmt.Errorf("setup %d: %w %s", handle, ErrNoMemoryType, mask)
	}
	hostVisible := c.physical.MemoryTypes[typeIdx].Properties.Has(gpucore.MemoryHostVisible)

	mem, err := allocExternal(memoryName(handle), req.Size, hostVisible)
	if err != nil {
		return Allocation{}, fmt.Errorf("setup %d: %w", handle, err)
	}

	r := &Resource{
		Handle:  handle,
		Desc:    desc,
		Owner:   gpucore.OwnerGuest,
		Layout:  gpucore.LayoutUndefined,
		restore: gpucore.LayoutUndefined,
		refs:    1,
		mem:     mem,
	}
	if err := c.createObject(r); err != nil {
		_ = mem.release()
		return Allocation{}, fmt.Errorf("setup %d: %w", handle, err)
	}

	size := rawSize(desc)
	if c.cfg.ReportRequirements {
		size = req.Size
	}
	r.Alloc = Allocation{
		Size:            size,
		MemoryTypeIndex: typeIdx,
		Mapped:          mem.mapped,
		Handle:          mem.exported,
	}
	c.resources[handle] = r
	c.allocations.Add(1)

	c.log.Debug("device: resource set up",
		slog.Uint64("handle", uint64(handle)),
		slog.String("kind", desc.Kind.String()),
		slog.Uint64("size", size),
		slog.Uint64("memory_type", uint64(typeIdx)))
	return r.Alloc, nil
}

func (c *Context) createObject(r *Resource) error {
	label := fmt.Sprintf("vgpu_resource_%d", r.Handle)
	desc := r.Desc
	if desc.Kind == KindBuffer {
		buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
			Label: label,
			Size:  desc.Size,
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage,
		})
		if err != nil {
			return fmt.Errorf("create buffer: %w", err)
		}
		r.Buffer = buf
		return nil
	}

	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc |
		gputypes.TextureUsageCopyDst | gputypes.TextureUsageRenderAttachment
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         usage,
	})
	if err != nil {
		return fmt.Errorf("create texture: %w", err)
	}
	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         label + "_view",
		Format:        desc.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		c.device.DestroyTexture(tex)
		return fmt.Errorf("create texture view: %w", err)
	}
	r.Texture = tex
	r.View = view
	return nil
}

// TeardownResource drops one registration of handle. When the last one
// goes, it waits for the queue to idle, destroys the object, releases the
// memory and its exported handle and runs the teardown hooks. It returns
// false for unknown handles.
func (c *Context) TeardownResource(handle uint32) bool {
	c.mu.Lock()
	r, ok := c.resources[handle]
	if !ok {
		c.mu.Unlock()
		return false
	}
	r.refs--
	if r.refs > 0 {
		c.mu.Unlock()
		return true
	}
	delete(c.resources, handle)
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	if err := c.WaitIdle(); err != nil {
		c.log.Warn("device: queue not idle before teardown",
			slog.Uint64("handle", uint64(handle)), slog.Any("err", err))
	}
	c.destroyResource(r)
	for _, h := range hooks {
		h(handle)
	}
	c.log.Debug("device: resource torn down", slog.Uint64("handle", uint64(handle)))
	return true
}

func (c *Context) destroyResource(r *Resource) {
	if r.View != nil {
		c.device.DestroyTextureView(r.View)
		r.View = nil
	}
	if r.Texture != nil {
		c.device.DestroyTexture(r.Texture)
		r.Texture = nil
	}
	if r.Buffer != nil {
		c.device.DestroyBuffer(r.Buffer)
		r.Buffer = nil
	}
	if r.mem != nil {
		if err := r.mem.release(); err != nil {
			c.log.Warn("device: release memory", slog.Uint64("handle", uint64(r.Handle)), slog.Any("err", err))
		}
		r.mem = nil
	}
}

// WaitIdle waits, in parallel, for every pooled transfer fence and every
// registered idle wait.
func (c *Context) WaitIdle() error {
	c.mu.Lock()
	waiters := append([]func(time.Duration) error(nil), c.waiters...)
	c.mu.Unlock()

	var g errgroup.Group
	timeout := c.cfg.WaitTimeout
	for _, s := range c.pool.pending() {
		g.Go(func() error { return c.pool.waitSlot(s, timeout) })
	}
	for _, w := range waiters {
		g.Go(func() error { return w(timeout) })
	}
	return g.Wait()
}

// Lookup returns the resource registered under handle. The returned
// description and HAL objects are fixed for the registration's lifetime;
// use State for ownership and layout.
func (c *Context) Lookup(handle uint32) (*Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[handle]
	return r, ok
}

// MustLookup is Lookup for handles the protocol guarantees exist. An
// unknown handle is a protocol violation and aborts the process.
func (c *Context) MustLookup(handle uint32) *Resource {
	r, ok := c.Lookup(handle)
	if !ok {
		abort.Fatal("unknown_handle", slog.Uint64("handle", uint64(handle)))
	}
	return r
}

// State returns the owner and layout of handle.
func (c *Context) State(handle uint32) (gpucore.Owner, gpucore.Layout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[handle]
	if !ok {
		return 0, 0, false
	}
	return r.Owner, r.Layout, true
}

// SetLayout records a layout transition performed by a host component on
// a host-owned resource and returns the previous layout.
func (c *Context) SetLayout(handle uint32, layout gpucore.Layout) (gpucore.Layout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[handle]
	if !ok {
		return 0, false
	}
	old := r.Layout
	r.Layout = layout
	return old, true
}

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	n := len(c.resources)
	c.mu.Unlock()
	return Stats{
		Resources:       n,
		Allocations:     c.allocations.Load(),
		AcquireBarriers: c.acquireBarriers.Load(),
		ReleaseBarriers: c.releaseBarriers.Load(),
		Submissions:     c.submissions.Load(),
		Uploads:         c.uploads.Load(),
		Readbacks:       c.readbacks.Load(),
	}
}

// Close waits for the queue, destroys every resource and the command
// pool, and closes the device if the context opened it. Close is safe to
// call multiple times.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	errIdle := c.WaitIdle()

	c.mu.Lock()
	res := c.resources
	c.resources = make(map[uint32]*Resource)
	c.mu.Unlock()
	for _, r := range res {
		c.destroyResource(r)
	}

	c.pool.destroy()
	c.destroyDevice()
	return errIdle
}

func (c *Context) destroyDevice() {
	if !c.owned {
		return
	}
	if c.device != nil {
		c.device.Destroy()
		c.device = nil
	}
	if c.instance != nil {
		c.instance.Destroy()
		c.instance = nil
	}
}
