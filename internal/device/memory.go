package device

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/internal/gpucore"
)

// Allocation granularity and row pitch used when reporting requirements.
const (
	allocationAlignment = 4096
	rowPitchAlignment   = 256
)

// Memory type bits allowed per resource kind. Images never land in the
// cached host type.
const (
	imageMemoryTypeBits  uint32 = 0b0111
	bufferMemoryTypeBits uint32 = 0b1111
)

// MemoryTypeFor returns the highest-index memory type allowed by typeBits
// whose properties include mask.
func MemoryTypeFor(types []MemoryType, typeBits uint32, mask gpucore.MemoryProperty) (uint32, bool) {
	for i := len(types) - 1; i >= 0; i-- {
		if i >= 32 || typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if types[i].Properties.Has(mask) {
			return uint32(i), true //nolint:gosec // bounded by the check above
		}
	}
	return 0, false
}

// Requirements are the allocation parameters of a resource.
type Requirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// requirementsFor computes the requirements of desc. Image rows are padded
// to the copy pitch so mapped memory can be uploaded directly.
func requirementsFor(desc ResourceDesc) (Requirements, error) {
	switch desc.Kind {
	case KindImage:
		bpp := gpucore.BytesPerPixel(desc.Format)
		if bpp == 0 {
			return Requirements{}, ErrUnsupportedFormat
		}
		pitch := gpucore.AlignUp(uint64(desc.Width)*uint64(bpp), rowPitchAlignment)
		return Requirements{
			Size:           gpucore.AlignUp(pitch*uint64(desc.Height), allocationAlignment),
			Alignment:      allocationAlignment,
			MemoryTypeBits: imageMemoryTypeBits,
		}, nil
	case KindBuffer:
		return Requirements{
			Size:           gpucore.AlignUp(desc.Size, allocationAlignment),
			Alignment:      allocationAlignment,
			MemoryTypeBits: bufferMemoryTypeBits,
		}, nil
	default:
		return Requirements{}, ErrInvalidResource
	}
}

// rawSize is the unpadded byte size of desc.
func rawSize(desc ResourceDesc) uint64 {
	if desc.Kind == KindBuffer {
		return desc.Size
	}
	return uint64(desc.Width) * uint64(desc.Height) * uint64(gpucore.BytesPerPixel(desc.Format))
}

// rowPitch is the padded image row size used for mapped memory.
func rowPitch(width uint32, format gputypes.TextureFormat) uint64 {
	return gpucore.AlignUp(uint64(width)*uint64(gpucore.BytesPerPixel(format)), rowPitchAlignment)
}
