package device

import (
	"strconv"

	"github.com/google/uuid"
)

// ExternalHandle is an exported memory handle the guest side can import.
// On Linux it is a file descriptor.
type ExternalHandle int

// InvalidHandle marks an allocation that could not be exported.
const InvalidHandle ExternalHandle = -1

// externalMemory is the backing store of one allocation.
//
// mapped is non-nil only for host-visible allocations. exported is the
// handle returned to the caller; it stays valid until release.
type externalMemory struct {
	name     string
	size     uint64
	mapped   []byte
	fd       int
	exported ExternalHandle
}

// memoryName returns a unique name for an allocation's backing file.
func memoryName(handle uint32) string {
	return "vgpu-" + uuid.NewString()[:8] + "-" + strconv.FormatUint(uint64(handle), 10)
}
