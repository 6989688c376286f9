package vgpu

import (
	"fmt"
	"os"
	"strings"
)

// FeaturesEnv is the environment variable read by [FeaturesFromEnv].
const FeaturesEnv = "VGPU_FEATURES"

// Features are the optional host paths.
type Features struct {
	// NativeSwapchain presents through a negotiated swapchain and composes
	// on the GPU. Without it the display is a CPU framebuffer.
	NativeSwapchain bool

	// DeferredCommands batches compositor uniform writes into one buffer
	// write per composition.
	DeferredCommands bool

	// ResourceRequirements reports allocation sizes aligned to the
	// object's memory requirements instead of the raw resource size.
	ResourceRequirements bool
}

// DefaultFeatures returns the features used when nothing overrides them.
func DefaultFeatures() Features {
	return Features{NativeSwapchain: true}
}

// FeaturesFromEnv applies VGPU_FEATURES to [DefaultFeatures].
//
// The variable is a comma-separated list of Name:on or Name:off entries,
// for example "NativeSwapchain:off,DeferredCommands:on". Names are
// matched case-insensitively.
func FeaturesFromEnv() (Features, error) {
	return ParseFeatures(DefaultFeatures(), os.Getenv(FeaturesEnv))
}

// ParseFeatures applies the toggles in s to base.
func ParseFeatures(base Features, s string) (Features, error) {
	f := base
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, state, ok := strings.Cut(entry, ":")
		if !ok {
			return base, fmt.Errorf("vgpu: feature %q: want Name:on or Name:off", entry)
		}
		var on bool
		switch strings.ToLower(strings.TrimSpace(state)) {
		case "on":
			on = true
		case "off":
		default:
			return base, fmt.Errorf("vgpu: feature %q: state must be on or off", entry)
		}
		p := f.field(strings.TrimSpace(name))
		if p == nil {
			return base, fmt.Errorf("vgpu: unknown feature %q", name)
		}
		*p = on
	}
	return f, nil
}

func (f *Features) field(name string) *bool {
	switch strings.ToLower(name) {
	case "nativeswapchain":
		return &f.NativeSwapchain
	case "deferredcommands":
		return &f.DeferredCommands
	case "resourcerequirements":
		return &f.ResourceRequirements
	}
	return nil
}

// String formats f in the VGPU_FEATURES syntax.
func (f Features) String() string {
	state := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return "NativeSwapchain:" + state(f.NativeSwapchain) +
		",DeferredCommands:" + state(f.DeferredCommands) +
		",ResourceRequirements:" + state(f.ResourceRequirements)
}
