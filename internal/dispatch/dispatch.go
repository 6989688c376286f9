// Package dispatch serializes post, resize, compose, clear and screenshot
// calls for one display and routes them to the native swapchain path or
// to the software fallback.
package dispatch

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/compositor"
	"github.com/gogpu/vgpu/internal/device"
	"github.com/gogpu/vgpu/internal/fence"
	"github.com/gogpu/vgpu/internal/present"
	"github.com/gogpu/vgpu/internal/swapchain"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("dispatch: closed")

// ErrNotBound is returned by Screenshot before a surface is bound.
var ErrNotBound = errors.New("dispatch: no surface bound")

// Config configures a Dispatcher.
type Config struct {
	// Context resolves resource handles. Required.
	Context *device.Context

	// Engine is the native present path. Required when Native is set.
	Engine *present.Engine

	// Native selects the native swapchain path. Without it the display is
	// a CPU framebuffer and composition runs on the CPU.
	Native bool

	// Dedicated runs every call on one goroutine owned by the dispatcher
	// instead of on the caller's.
	Dedicated bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(nopHandler{})
	}
	return c
}

// Dispatcher is the single serialization point for display operations.
type Dispatcher struct {
	cfg Config
	ctx *device.Context
	eng *present.Engine
	log *slog.Logger

	// inline serialization
	mu sync.Mutex

	// dedicated serialization
	sendMu sync.RWMutex
	calls  chan func()
	wg     sync.WaitGroup
	closed bool

	// Fields below are only touched inside do.
	surface     swapchain.Surface
	width       uint32
	height      uint32
	needsRebind bool
	framebuffer *image.RGBA
	cpuTargets  map[uint32]*image.RGBA
	pending     map[uint32]*fence.Signal
}

// New creates a dispatcher. In dedicated mode it starts its goroutine.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Context == nil {
		return nil, errors.New("dispatch: nil device context")
	}
	if cfg.Native && cfg.Engine == nil {
		return nil, errors.New("dispatch: native path needs a present engine")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		ctx:        cfg.Context,
		eng:        cfg.Engine,
		log:        cfg.Logger,
		cpuTargets: make(map[uint32]*image.RGBA),
		pending:    make(map[uint32]*fence.Signal),
	}
	if cfg.Dedicated {
		d.calls = make(chan func())
		d.wg.Add(1)
		go d.loop()
	}
	d.ctx.OnTeardown(d.forget)
	return d, nil
}

func (d *Dispatcher) forget(handle uint32) {
	_ = d.do(func() {
		delete(d.cpuTargets, handle)
		delete(d.pending, handle)
	})
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for f := range d.calls {
		f()
	}
}

// do runs f serialized with every other call.
func (d *Dispatcher) do(f func()) error {
	if !d.cfg.Dedicated {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return ErrClosed
		}
		f()
		return nil
	}
	d.sendMu.RLock()
	if d.closed {
		d.sendMu.RUnlock()
		return ErrClosed
	}
	done := make(chan struct{})
	d.calls <- func() {
		defer close(done)
		f()
	}
	d.sendMu.RUnlock()
	<-done
	return nil
}

// Native reports whether the native swapchain path is in use.
func (d *Dispatcher) Native() bool { return d.cfg.Native }

// Bind records surface as the display and binds it. On the native path the
// negotiation error is returned; the caller decides whether it is fatal.
func (d *Dispatcher) Bind(surface swapchain.Surface, width, height uint32) error {
	var err error
	if derr := d.do(func() {
		d.surface, d.width, d.height = surface, width, height
		d.needsRebind = true
		err = d.rebind()
	}); derr != nil {
		return derr
	}
	return err
}

// rebind binds the recorded surface if the needs-rebind flag is set.
func (d *Dispatcher) rebind() error {
	if !d.needsRebind {
		return nil
	}
	if !d.cfg.Native {
		d.framebuffer = newBlack(d.width, d.height)
		d.needsRebind = false
		return nil
	}
	if d.surface == nil {
		return ErrNotBound
	}
	if err := d.eng.Bind(d.surface, d.width, d.height); err != nil {
		return err
	}
	d.needsRebind = false
	d.log.Debug("dispatch: rebound",
		slog.Uint64("width", uint64(d.width)), slog.Uint64("height", uint64(d.height)))
	return nil
}

// Resize records a new display size. The rebind happens on the next call
// that needs the display.
func (d *Dispatcher) Resize(width, height uint32) error {
	return d.do(func() {
		d.width, d.height = width, height
		d.needsRebind = true
	})
}

// Post shows resource handle on the display. stillBound is false when the
// display could not be (re)bound or the swapchain went stale; the next call
// rebinds.
func (d *Dispatcher) Post(handle uint32) (stillBound bool, sig *fence.Signal, err error) {
	derr := d.do(func() {
		if err = d.rebind(); err != nil {
			return
		}
		res := d.ctx.MustLookup(handle)
		if !d.cfg.Native {
			d.postSoftware(res)
			stillBound, sig = true, fence.Completed()
			return
		}
		if _, err = d.ctx.AcquireForPost(handle); err != nil {
			return
		}
		sig, err = d.eng.Post(res)
		if err != nil {
			d.returnSource(handle)
		}
		if errors.Is(err, present.ErrNeedsRebind) || errors.Is(err, present.ErrNotBound) {
			d.needsRebind = true
			err = nil
			return
		}
		stillBound = err == nil
	})
	if derr != nil {
		return false, nil, derr
	}
	return stillBound, sig, err
}

// returnSource hands a post source back to the guest when no frame will
// recycle it.
func (d *Dispatcher) returnSource(handle uint32) {
	if _, err := d.ctx.ReleaseFromHostComposing([]uint32{handle}, false); err != nil {
		d.log.Warn("dispatch: release of unposted source failed",
			slog.Uint64("handle", uint64(handle)), slog.Any("err", err))
	}
}

// Compose draws layers into target. Layer sources are resolved from their
// Source handles; unknown sources are skipped. accepted is false when the
// target is unsuitable.
func (d *Dispatcher) Compose(target uint32, layers []compositor.Layer) (accepted bool, sig *fence.Signal, err error) {
	if n := len(layers); n > compositor.MaxLayers {
		abort.Fatal("composition_layer_overflow", slog.Int("layers", n), slog.Int("max", compositor.MaxLayers))
	}
	derr := d.do(func() {
		if prev, ok := d.pending[target]; ok && !prev.Poll() {
			d.log.Info("dispatch: compose over unresolved compose", slog.Uint64("target", uint64(target)))
		}

		tres := d.ctx.MustLookup(target)
		sources := make([]*device.Resource, len(layers))
		handles := make([]uint32, 0, len(layers))
		for i, l := range layers {
			if l.Source == compositor.NoSource {
				continue
			}
			if r, ok := d.ctx.Lookup(l.Source); ok {
				sources[i] = r
				handles = append(handles, l.Source)
			}
		}

		if _, err = d.ctx.AcquireForHostComposing(handles, target); err != nil {
			return
		}
		if !d.cfg.Native {
			accepted = d.composeSoftware(tres, layers, sources)
			sig = fence.Completed()
			return
		}
		sig, err = d.eng.Compose(present.ComposeRequest{Target: tres, Layers: layers, Sources: sources})
		if errors.Is(err, present.ErrTargetUnsupported) {
			err = nil
			return
		}
		if err == nil {
			accepted = true
			d.pending[target] = sig
			sig.OnDone(func() { d.clearPending(target, sig) })
		}
	})
	if derr != nil {
		return false, nil, derr
	}
	return accepted, sig, err
}

// clearPending drops target's pending signal if it is still sig. It runs
// on a fence worker, so it goes through do like everything else.
func (d *Dispatcher) clearPending(target uint32, sig *fence.Signal) {
	go func() {
		_ = d.do(func() {
			if d.pending[target] == sig {
				delete(d.pending, target)
			}
		})
	}()
}

// Pending reports whether target has an unresolved compose.
func (d *Dispatcher) Pending(target uint32) bool {
	var busy bool
	_ = d.do(func() {
		if s, ok := d.pending[target]; ok {
			busy = !s.Poll()
		}
	})
	return busy
}

// Clear blanks the display.
func (d *Dispatcher) Clear() (*fence.Signal, error) {
	var (
		sig *fence.Signal
		err error
	)
	if derr := d.do(func() {
		if err = d.rebind(); err != nil {
			return
		}
		if !d.cfg.Native {
			d.framebuffer = newBlack(d.width, d.height)
			sig = fence.Completed()
			return
		}
		sig, err = d.eng.Clear()
		if errors.Is(err, present.ErrNeedsRebind) {
			d.needsRebind = true
		}
	}); derr != nil {
		return nil, derr
	}
	return sig, err
}

// Screenshot returns the display contents scaled to width x height. Zero
// sizes keep the display size.
func (d *Dispatcher) Screenshot(width, height uint32) (*image.RGBA, error) {
	var (
		img *image.RGBA
		err error
	)
	if derr := d.do(func() {
		if d.cfg.Native {
			img, err = d.eng.Screenshot()
			if err != nil {
				err = fmt.Errorf("dispatch: %w", err)
				return
			}
		} else {
			if d.framebuffer == nil {
				err = ErrNotBound
				return
			}
			img = cloneRGBA(d.framebuffer)
		}
		img = scaleTo(img, width, height)
	}); derr != nil {
		return nil, derr
	}
	return img, err
}

// Framebuffer returns a copy of the software display, or nil on the native
// path.
func (d *Dispatcher) Framebuffer() *image.RGBA {
	var img *image.RGBA
	_ = d.do(func() {
		if d.framebuffer != nil {
			img = cloneRGBA(d.framebuffer)
		}
	})
	return img
}

// Close stops the dedicated goroutine. Later calls return ErrClosed.
func (d *Dispatcher) Close() {
	if !d.cfg.Dedicated {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		return
	}
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return
	}
	d.closed = true
	close(d.calls)
	d.sendMu.Unlock()
	d.wg.Wait()
}
