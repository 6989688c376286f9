package vgpu

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// BackendByName returns the HAL backend called name. "noop" is always
// available and renders nothing; "vulkan" needs a build without the nogpu
// tag.
func BackendByName(name string) (hal.Backend, error) {
	switch strings.ToLower(name) {
	case "noop":
		return noop.API{}, nil
	case "vulkan", "":
		if b, ok := hal.GetBackend(gputypes.BackendVulkan); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrBackend)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrBackend, name)
}
