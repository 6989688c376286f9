package fence

import (
	"time"

	"github.com/gogpu/wgpu/hal"
)

// HALFence waits for a HAL fence to reach a value.
type HALFence struct {
	device hal.Device
	fence  hal.Fence
	value  uint64
	label  string
}

// NewHALFence returns a waitable for fence reaching value on device.
func NewHALFence(device hal.Device, fence hal.Fence, value uint64, label string) *HALFence {
	return &HALFence{device: device, fence: fence, value: value, label: label}
}

// Wait implements Waitable.
func (f *HALFence) Wait(timeout time.Duration) (bool, error) {
	return f.device.Wait(f.fence, f.value, timeout)
}

// Label implements Waitable.
func (f *HALFence) Label() string {
	return f.label
}

// Value returns the fence value waited for.
func (f *HALFence) Value() uint64 {
	return f.value
}
