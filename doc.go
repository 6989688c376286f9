// Package vgpu is the host side of a virtual GPU display pipeline.
//
// # Overview
//
// A guest VM renders into resources it registers with the host by handle.
// The host owns the real GPU: it allocates the backing memory, moves
// ownership of resources between the guest and itself, composites layers
// into guest render targets, and presents guest images on a window-system
// surface. The guest never sees a host GPU object, only handles, external
// memory and completion signals.
//
// # Quick Start
//
//	import "github.com/gogpu/vgpu"
//
//	host, err := vgpu.NewHost(vgpu.WithBackendName("vulkan"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//
//	alloc, err := host.SetupResource(1, vgpu.ImageDesc(640, 480, gputypes.TextureFormatRGBA8Unorm),
//	    vgpu.MemoryHostVisible|vgpu.MemoryHostCoherent)
//
//	if err := host.BindToSurface(surface, 640, 480); err != nil {
//	    log.Fatal(err)
//	}
//	ok, sig := host.Post(1)
//	_ = sig.Wait(ctx)
//
// # Signals
//
// Post, Compose and Clear return a [Signal] that completes when the GPU
// work they submitted has finished. A signal whose wait timed out still
// completes; [Signal.TimedOut] reports it.
//
// # Features
//
// [Features] toggles optional paths. Without NativeSwapchain the display is
// a CPU framebuffer and composition runs on the CPU. [FeaturesFromEnv]
// reads the VGPU_FEATURES environment variable.
//
// # Protocol Violations
//
// A guest that breaks the protocol (too many layers, unknown handles in an
// ownership transfer) terminates the process with a structured error
// record and exit status 134. Every other failure is returned as an error.
//
// # Logging
//
// vgpu is silent by default. See [SetLogger].
package vgpu
