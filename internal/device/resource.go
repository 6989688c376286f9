package device

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/internal/gpucore"
)

// NoHandle is the reserved null resource handle.
const NoHandle uint32 = 0

// Kind tags the backing object of a resource.
type Kind uint8

const (
	KindImage Kind = iota + 1
	KindBuffer
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ResourceDesc describes a resource to allocate. Width, Height and Format
// apply to images, Size to buffers.
type ResourceDesc struct {
	Kind   Kind
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Size   uint64
}

// RowPitch is the byte distance between image rows in mapped memory.
func (d ResourceDesc) RowPitch() uint64 { return rowPitch(d.Width, d.Format) }

func (d ResourceDesc) validate() error {
	switch d.Kind {
	case KindImage:
		if d.Width == 0 || d.Height == 0 {
			return fmt.Errorf("%w: image extent %dx%d", ErrInvalidResource, d.Width, d.Height)
		}
	case KindBuffer:
		if d.Size == 0 {
			return fmt.Errorf("%w: zero-size buffer", ErrInvalidResource)
		}
	default:
		return fmt.Errorf("%w: kind %v", ErrInvalidResource, d.Kind)
	}
	return nil
}

// Allocation reports the external memory backing a resource.
type Allocation struct {
	// Size is the allocation size reported to the guest.
	Size uint64
	// MemoryTypeIndex is the selected memory type.
	MemoryTypeIndex uint32
	// Mapped is the host mapping; nil unless the type is host-visible.
	Mapped []byte
	// Handle is the exported memory handle, or InvalidHandle.
	Handle ExternalHandle
}

// Resource is one registered GPU resource. All fields are guarded by the
// owning Context's lock.
type Resource struct {
	Handle uint32
	Desc   ResourceDesc
	Alloc  Allocation

	Owner  gpucore.Owner
	Layout gpucore.Layout

	// restore is the layout to return to when released to the guest.
	restore gpucore.Layout
	refs    int

	Texture hal.Texture
	View    hal.TextureView
	Buffer  hal.Buffer

	mem *externalMemory
}

// IsImage reports whether the resource is image-backed.
func (r *Resource) IsImage() bool { return r.Desc.Kind == KindImage }

// Format returns the image format, or Undefined for buffers.
func (r *Resource) Format() gputypes.TextureFormat {
	if r.Desc.Kind != KindImage {
		return gputypes.TextureFormatUndefined
	}
	return r.Desc.Format
}

// Extent returns the image size.
func (r *Resource) Extent() (width, height uint32) {
	return r.Desc.Width, r.Desc.Height
}

// Refs returns the registration count.
func (r *Resource) Refs() int { return r.refs }

// RowPitch returns the byte stride between rows of the image's mapped
// memory.
func (r *Resource) RowPitch() uint64 {
	return rowPitch(r.Desc.Width, r.Desc.Format)
}
