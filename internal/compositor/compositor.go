// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compositor

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/abort"
	"github.com/gogpu/vgpu/internal/gpucore"
)

//go:embed shaders/compose.wgsl
var composeShaderSource string

// layerUniformSize is the byte size of one LayerUniforms block.
const layerUniformSize = 80

// Unit quad, two triangles.
var (
	quadVertices = []float32{0, 0, 1, 0, 0, 1, 1, 1}
	quadIndices  = []uint16{0, 1, 2, 2, 1, 3}
)

// Config configures a Compositor.
type Config struct {
	// MaxFramesInFlight is the number of composition slots. Zero means 3.
	MaxFramesInFlight int

	// UniformAlignment is the device's minimum uniform offset alignment.
	// Zero means 256.
	UniformAlignment uint64

	// BatchUniformWrites uploads a slot's uniforms in one write instead
	// of one write per layer.
	BatchUniformWrites bool

	// SPIRV compiles the shader to SPIR-V up front instead of handing
	// WGSL to the backend.
	SPIRV bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFramesInFlight <= 0 {
		c.MaxFramesInFlight = 3
	}
	if c.UniformAlignment == 0 {
		c.UniformAlignment = 256
	}
	if c.Logger == nil {
		c.Logger = slog.New(nopHandler{})
	}
	return c
}

// slotState is what a slot last uploaded.
type slotState struct {
	comp       *Composition
	dstW, dstH uint32
}

// Compositor draws compositions with one fixed pipeline.
//
// Each frame-in-flight slot owns a region of MaxLayers uniform blocks in a
// single uniform buffer and a row of MaxLayers bind groups. SetComposition
// fills a slot; Record draws it. A slot must not be refilled while a
// submission recorded from it is in flight.
type Compositor struct {
	device hal.Device
	queue  hal.Queue
	cfg    Config
	log    *slog.Logger
	stride uint64

	mu sync.Mutex

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipelines  map[gputypes.TextureFormat]hal.RenderPipeline
	sampler    hal.Sampler

	uniforms hal.Buffer
	vertices hal.Buffer
	indices  hal.Buffer

	white     hal.Texture
	whiteView hal.TextureView

	bindGroups [][]hal.BindGroup
	slots      []slotState

	writes atomic.Uint64
}

// New builds the pipeline objects and the shared buffers.
func New(device hal.Device, queue hal.Queue, cfg Config) (*Compositor, error) {
	cfg = cfg.withDefaults()
	c := &Compositor{
		device:    device,
		queue:     queue,
		cfg:       cfg,
		log:       cfg.Logger,
		stride:    gpucore.AlignUp(layerUniformSize, cfg.UniformAlignment),
		pipelines: make(map[gputypes.TextureFormat]hal.RenderPipeline),
	}
	if err := c.init(); err != nil {
		c.Destroy()
		return nil, err
	}
	c.bindGroups = make([][]hal.BindGroup, cfg.MaxFramesInFlight)
	for i := range c.bindGroups {
		c.bindGroups[i] = make([]hal.BindGroup, MaxLayers)
	}
	c.slots = make([]slotState, cfg.MaxFramesInFlight)
	return c, nil
}

func (c *Compositor) init() error {
	src := hal.ShaderSource{WGSL: composeShaderSource}
	if c.cfg.SPIRV {
		words, err := compileSPIRV(composeShaderSource)
		if err != nil {
			return err
		}
		src = hal.ShaderSource{SPIRV: words}
	}
	shader, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "compose_shader",
		Source: src,
	})
	if err != nil {
		return fmt.Errorf("compile compose shader: %w", err)
	}
	c.shader = shader

	// Binding 0: LayerUniforms, 1: source texture, 2: sampler.
	bindLayout, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "compose_layer_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create compose bind group layout: %w", err)
	}
	c.bindLayout = bindLayout

	pipeLayout, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "compose_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{c.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create compose pipeline layout: %w", err)
	}
	c.pipeLayout = pipeLayout

	sampler, err := c.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "compose_sampler",
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
	})
	if err != nil {
		return fmt.Errorf("create compose sampler: %w", err)
	}
	c.sampler = sampler

	uniformSize := uint64(c.cfg.MaxFramesInFlight) * MaxLayers * c.stride
	if c.uniforms, err = c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "compose_uniforms",
		Size:  uniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create compose uniform buffer: %w", err)
	}

	vb := float32Bytes(quadVertices)
	if c.vertices, err = c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "compose_quad_vertices",
		Size:  uint64(len(vb)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create quad vertex buffer: %w", err)
	}
	c.queue.WriteBuffer(c.vertices, 0, vb)

	ib := uint16Bytes(quadIndices)
	if c.indices, err = c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "compose_quad_indices",
		Size:  uint64(len(ib)),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create quad index buffer: %w", err)
	}
	c.queue.WriteBuffer(c.indices, 0, ib)

	return c.createWhite()
}

// createWhite builds the 1x1 texture solid-color layers sample.
func (c *Compositor) createWhite() error {
	tex, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "compose_white",
		Size:          hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create white texture: %w", err)
	}
	c.white = tex
	c.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		[]byte{0xFF, 0xFF, 0xFF, 0xFF},
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: 4, RowsPerImage: 1},
		&hal.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
	)
	view, err := c.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "compose_white_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		return fmt.Errorf("create white view: %w", err)
	}
	c.whiteView = view
	return nil
}

// pipelineForLocked returns the pipeline rendering to format, creating it
// on first use. Must be called with mu held.
func (c *Compositor) pipelineForLocked(format gputypes.TextureFormat) (hal.RenderPipeline, error) {
	if p, ok := c.pipelines[format]; ok {
		return p, nil
	}
	premulBlend := gputypes.BlendStatePremultiplied()
	p, err := c.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("compose_pipeline_%v", format),
		Layout: c.pipeLayout,
		Vertex: hal.VertexState{
			Module:     c.shader,
			EntryPoint: "vs_main",
			Buffers: []gputypes.VertexBufferLayout{{
				ArrayStride: 8,
				StepMode:    gputypes.VertexStepModeVertex,
				Attributes: []gputypes.VertexAttribute{
					{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				},
			}},
		},
		Fragment: &hal.FragmentState{
			Module:     c.shader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{{
				Format:    format,
				Blend:     &premulBlend,
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
		return nil, fmt.Errorf("create compose pipeline for %v: %w", format, err)
	}
	c.pipelines[format] = p
	return p, nil
}

// SetComposition uploads comp into slot for a dstW x dstH target. It
// returns false without writing anything when the slot already holds an
// equal composition for the same target size.
//
// More than MaxLayers layers is a protocol violation and aborts.
func (c *Compositor) SetComposition(slot int, comp *Composition, dstW, dstH uint32) (bool, error) {
	if n := len(comp.Layers); n > MaxLayers {
		abort.Fatal("composition_layer_overflow", slog.Int("layers", n), slog.Int("max", MaxLayers))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.slots[slot]
	if st.comp != nil && st.dstW == dstW && st.dstH == dstH && st.comp.Equal(comp) {
		return false, nil
	}

	base := uint64(slot) * MaxLayers * c.stride
	region := make([]byte, MaxLayers*c.stride)
	if !c.cfg.BatchUniformWrites {
		c.queue.WriteBuffer(c.uniforms, base, region)
		c.writes.Add(1)
	}

	c.releaseSlotLocked(slot)
	for i, l := range comp.Layers {
		off := uint64(i) * c.stride
		block := region[off : off+layerUniformSize]
		encodeLayer(block, l, dstW, dstH)
		if !c.cfg.BatchUniformWrites {
			c.queue.WriteBuffer(c.uniforms, base+off, block)
			c.writes.Add(1)
		}

		bg, err := c.bindLayerLocked(l, base+off, fmt.Sprintf("compose_bg_%d_%d", slot, i))
		if err != nil {
			c.releaseSlotLocked(slot)
			st.comp = nil
			return false, err
		}
		c.bindGroups[slot][i] = bg
		c.writes.Add(1)
	}
	if c.cfg.BatchUniformWrites {
		c.queue.WriteBuffer(c.uniforms, base, region)
		c.writes.Add(1)
	}

	*st = slotState{comp: comp.Clone(), dstW: dstW, dstH: dstH}
	c.log.Debug("compositor: composition uploaded",
		slog.Int("slot", slot), slog.Int("layers", len(comp.Layers)))
	return true, nil
}

func (c *Compositor) bindLayerLocked(l Layer, offset uint64, label string) (hal.BindGroup, error) {
	view := l.View
	if l.IsSolid() {
		view = c.whiteView
	}
	bg, err := c.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label,
		Layout: c.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: c.uniforms.NativeHandle(), Offset: offset, Size: layerUniformSize,
			}},
			{Binding: 1, Resource: gputypes.TextureViewBinding{
				TextureView: view.NativeHandle(),
			}},
			{Binding: 2, Resource: gputypes.SamplerBinding{
				Sampler: c.sampler.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", label, err)
	}
	return bg, nil
}

func (c *Compositor) releaseSlotLocked(slot int) {
	for i, bg := range c.bindGroups[slot] {
		if bg != nil {
			c.device.DestroyBindGroup(bg)
			c.bindGroups[slot][i] = nil
		}
	}
}

// Record draws slot into target: one render pass cleared to opaque black
// and one indexed draw per layer.
func (c *Compositor) Record(slot int, encoder hal.CommandEncoder, target *RenderTarget) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pipeline, err := c.pipelineForLocked(target.Format)
	if err != nil {
		return err
	}
	comp := c.slots[slot].comp

	rp := encoder.BeginRenderPass(passDescriptor(target))
	rp.SetViewport(0, 0, float32(target.Width), float32(target.Height), 0, 1)
	rp.SetScissorRect(0, 0, target.Width, target.Height)
	if comp != nil && len(comp.Layers) > 0 {
		rp.SetPipeline(pipeline)
		rp.SetVertexBuffer(0, c.vertices, 0)
		rp.SetIndexBuffer(c.indices, gputypes.IndexFormatUint16, 0)
		for i := range comp.Layers {
			rp.SetBindGroup(0, c.bindGroups[slot][i], nil)
			rp.DrawIndexed(uint32(len(quadIndices)), 1, 0, 0, 0)
		}
	}
	rp.End()
	return nil
}

// Writes returns the number of descriptor and uniform writes issued.
func (c *Compositor) Writes() uint64 {
	return c.writes.Load()
}

// Slots returns the number of composition slots.
func (c *Compositor) Slots() int {
	return c.cfg.MaxFramesInFlight
}

// Invalidate forgets every slot's composition so the next SetComposition
// uploads unconditionally.
func (c *Compositor) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.releaseSlotLocked(i)
		c.slots[i] = slotState{}
	}
}

// Destroy releases all GPU objects in reverse creation order.
func (c *Compositor) Destroy() {
	if c.device == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.bindGroups {
		c.releaseSlotLocked(i)
	}
	for f, p := range c.pipelines {
		c.device.DestroyRenderPipeline(p)
		delete(c.pipelines, f)
	}
	if c.whiteView != nil {
		c.device.DestroyTextureView(c.whiteView)
		c.whiteView = nil
	}
	if c.white != nil {
		c.device.DestroyTexture(c.white)
		c.white = nil
	}
	for _, b := range []*hal.Buffer{&c.indices, &c.vertices, &c.uniforms} {
		if *b != nil {
			c.device.DestroyBuffer(*b)
			*b = nil
		}
	}
	if c.sampler != nil {
		c.device.DestroySampler(c.sampler)
		c.sampler = nil
	}
	if c.pipeLayout != nil {
		c.device.DestroyPipelineLayout(c.pipeLayout)
		c.pipeLayout = nil
	}
	if c.bindLayout != nil {
		c.device.DestroyBindGroupLayout(c.bindLayout)
		c.bindLayout = nil
	}
	if c.shader != nil {
		c.device.DestroyShaderModule(c.shader)
		c.shader = nil
	}
}

// encodeLayer writes the LayerUniforms block of l into dst.
func encodeLayer(dst []byte, l Layer, dstW, dstH uint32) {
	srcW, srcH := l.SourceWidth, l.SourceHeight
	if l.IsSolid() {
		srcW, srcH = 0, 0
	}
	pos, uv := LayerTransform(l.Dest, l.Crop, srcW, srcH, dstW, dstH, l.Transform)

	color := [4]float32{1, 1, 1, 1}
	if l.IsSolid() {
		color = l.Color
	}
	vals := [20]float32{
		pos.A, pos.B, pos.C, pos.D,
		pos.Tx, pos.Ty, 0, 0,
		uv.A, uv.B, uv.C, uv.D,
		uv.Tx, uv.Ty, l.Alpha, float32(l.Blend),
		color[0], color[1], color[2], color[3],
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func float32Bytes(vs []float32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func uint16Bytes(vs []uint16) []byte {
	// Padded to a 4-byte multiple for the copy.
	out := make([]byte, (len(vs)*2+3)&^3)
	for i, v := range vs {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// compileSPIRV compiles WGSL to SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile compose shader to SPIR-V: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}
