//go:build !nogpu

package vgpu

import (
	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)
