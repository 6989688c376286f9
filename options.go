package vgpu

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// Option configures a Host during creation.
//
// Example:
//
//	// Vulkan device, features from the environment
//	host, err := vgpu.NewHost(vgpu.WithBackendName("vulkan"))
//
//	// Adopt a device the application already opened
//	host, err := vgpu.NewHost(vgpu.WithDevice(device, queue))
type Option func(*hostOptions)

// hostOptions holds optional configuration for Host creation.
type hostOptions struct {
	device   hal.Device
	queue    hal.Queue
	provider gpucontext.DeviceProvider
	backend  hal.Backend
	name     string
	prefer   string

	features    Features
	featuresSet bool

	framesInFlight int
	fenceWorkers   int
	waitTimeout    time.Duration
	dedicated      bool
	spirv          bool
	logger         *slog.Logger
}

// defaultOptions returns the default host options.
func defaultOptions() hostOptions {
	return hostOptions{
		name:           "vulkan",
		framesInFlight: 3,
		fenceWorkers:   4,
		waitTimeout:    5 * time.Second,
	}
}

// WithDevice adopts an already opened HAL device and queue. The host does
// not destroy adopted devices.
func WithDevice(device hal.Device, queue hal.Queue) Option {
	return func(o *hostOptions) {
		o.device = device
		o.queue = queue
	}
}

// WithProvider adopts the device of a gpucontext provider, for example a
// gogpu application sharing its GPU with the host.
func WithProvider(p gpucontext.DeviceProvider) Option {
	return func(o *hostOptions) {
		o.provider = p
	}
}

// WithBackend opens a device on backend instead of the default backend.
func WithBackend(b hal.Backend) Option {
	return func(o *hostOptions) {
		o.backend = b
	}
}

// WithBackendName selects the backend by name. See [BackendByName].
func WithBackendName(name string) Option {
	return func(o *hostOptions) {
		o.name = name
	}
}

// WithPreferredAdapter selects the adapter whose name contains substr.
// Without it the first discrete GPU wins, then integrated, then any.
func WithPreferredAdapter(substr string) Option {
	return func(o *hostOptions) {
		o.prefer = substr
	}
}

// WithFeatures sets the feature toggles. Without it the host reads them
// from the environment with [FeaturesFromEnv].
func WithFeatures(f Features) Option {
	return func(o *hostOptions) {
		o.features = f
		o.featuresSet = true
	}
}

// WithMaxFramesInFlight sets the size of the frame pool. Values below one
// are ignored.
func WithMaxFramesInFlight(n int) Option {
	return func(o *hostOptions) {
		if n > 0 {
			o.framesInFlight = n
		}
	}
}

// WithFenceWorkers sets the number of fence wait workers. Values below one
// are ignored.
func WithFenceWorkers(n int) Option {
	return func(o *hostOptions) {
		if n > 0 {
			o.fenceWorkers = n
		}
	}
}

// WithWaitTimeout bounds every individual fence wait. A wait that times
// out logs a warning and completes its signal anyway.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *hostOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithDedicatedDispatch runs every display operation on one goroutine
// owned by the host instead of on the caller's.
func WithDedicatedDispatch() Option {
	return func(o *hostOptions) {
		o.dedicated = true
	}
}

// WithSPIRV builds the compositor pipeline from SPIR-V compiled by naga
// instead of passing WGSL to the HAL.
func WithSPIRV() Option {
	return func(o *hostOptions) {
		o.spirv = true
	}
}

// WithLogger sets the logger for this host, overriding [SetLogger].
func WithLogger(l *slog.Logger) Option {
	return func(o *hostOptions) {
		o.logger = l
	}
}
