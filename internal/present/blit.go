package present

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/gpucore"
)

//go:embed shaders/blit.wgsl
var blitShaderSource string

// blitter copies a sampled image onto a swapchain image with one
// fullscreen draw.
type blitter struct {
	device hal.Device

	mu         sync.Mutex
	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	linear     hal.Sampler
	nearest    hal.Sampler
	pipelines  map[gputypes.TextureFormat]hal.RenderPipeline
}

func newBlitter(device hal.Device) (*blitter, error) {
	b := &blitter{device: device, pipelines: make(map[gputypes.TextureFormat]hal.RenderPipeline)}
	if err := b.init(); err != nil {
		b.destroy()
		return nil, err
	}
	return b, nil
}

func (b *blitter) init() error {
	var err error
	if b.shader, err = b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "blit_shader",
		Source: hal.ShaderSource{WGSL: blitShaderSource},
	}); err != nil {
		return fmt.Errorf("compile blit shader: %w", err)
	}

	if b.bindLayout, err = b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "blit_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	}); err != nil {
		return fmt.Errorf("create blit bind group layout: %w", err)
	}

	if b.pipeLayout, err = b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "blit_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{b.bindLayout},
	}); err != nil {
		return fmt.Errorf("create blit pipeline layout: %w", err)
	}

	if b.linear, err = b.createSampler("blit_linear", gputypes.FilterModeLinear); err != nil {
		return err
	}
	b.nearest, err = b.createSampler("blit_nearest", gputypes.FilterModeNearest)
	return err
}

func (b *blitter) createSampler(label string, filter gputypes.FilterMode) (hal.Sampler, error) {
	s, err := b.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s sampler: %w", label, err)
	}
	return s, nil
}

// useLinear reports whether a source of format with features may be
// sampled with linear filtering.
func useLinear(format gputypes.TextureFormat, features gpucore.FormatFeature) bool {
	return !gpucore.IsDepthStencil(format) && features.Has(gpucore.FeatureSampledLinear)
}

func (b *blitter) pipeline(format gputypes.TextureFormat) (hal.RenderPipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pipelines[format]; ok {
		return p, nil
	}
	p, err := b.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("blit_pipeline_%v", format),
		Layout: b.pipeLayout,
		Vertex: hal.VertexState{
			Module:     b.shader,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     b.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{{
				Format:    format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit pipeline for %v: %w", format, err)
	}
	b.pipelines[format] = p
	return p, nil
}

// bind creates the bind group sampling src. The caller destroys it once
// the draw has completed.
func (b *blitter) bind(src hal.TextureView, linear bool) (hal.BindGroup, error) {
	sampler := b.nearest
	if linear {
		sampler = b.linear
	}
	bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "blit_bg",
		Layout: b.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{
				TextureView: src.NativeHandle(),
			}},
			{Binding: 1, Resource: gputypes.SamplerBinding{
				Sampler: sampler.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create blit bind group: %w", err)
	}
	return bg, nil
}

// record draws src over dst inside its own render pass.
func (b *blitter) record(encoder hal.CommandEncoder, dst hal.TextureView, format gputypes.TextureFormat, bg hal.BindGroup) error {
	p, err := b.pipeline(format)
	if err != nil {
		return err
	}
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "blit_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       dst,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	rp.SetPipeline(p)
	rp.SetBindGroup(0, bg, nil)
	rp.Draw(3, 1, 0, 0)
	rp.End()
	return nil
}

func (b *blitter) destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f, p := range b.pipelines {
		b.device.DestroyRenderPipeline(p)
		delete(b.pipelines, f)
	}
	for _, s := range []*hal.Sampler{&b.nearest, &b.linear} {
		if *s != nil {
			b.device.DestroySampler(*s)
			*s = nil
		}
	}
	if b.pipeLayout != nil {
		b.device.DestroyPipelineLayout(b.pipeLayout)
		b.pipeLayout = nil
	}
	if b.bindLayout != nil {
		b.device.DestroyBindGroupLayout(b.bindLayout)
		b.bindLayout = nil
	}
	if b.shader != nil {
		b.device.DestroyShaderModule(b.shader)
		b.shader = nil
	}
}
