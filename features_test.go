package vgpu

import "testing"

func TestParseFeatures(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Features
	}{
		{"empty keeps defaults", "", Features{NativeSwapchain: true}},
		{"off", "NativeSwapchain:off", Features{}},
		{"several", "DeferredCommands:on, ResourceRequirements:on", Features{NativeSwapchain: true, DeferredCommands: true, ResourceRequirements: true}},
		{"case insensitive", "nativeswapchain:OFF,deferredcommands:On", Features{DeferredCommands: true}},
		{"last wins", "DeferredCommands:on,DeferredCommands:off", Features{NativeSwapchain: true}},
		{"trailing comma", "DeferredCommands:on,", Features{NativeSwapchain: true, DeferredCommands: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeatures(DefaultFeatures(), tt.in)
			if err != nil {
				t.Fatalf("ParseFeatures(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFeatures(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFeatures_Errors(t *testing.T) {
	for _, in := range []string{"NativeSwapchain", "NativeSwapchain:yes", "Turbo:on"} {
		got, err := ParseFeatures(DefaultFeatures(), in)
		if err == nil {
			t.Errorf("ParseFeatures(%q) accepted", in)
		}
		if got != DefaultFeatures() {
			t.Errorf("ParseFeatures(%q) = %+v on error, want base", in, got)
		}
	}
}

func TestFeaturesFromEnv(t *testing.T) {
	t.Setenv(FeaturesEnv, "NativeSwapchain:off,ResourceRequirements:on")
	got, err := FeaturesFromEnv()
	if err != nil {
		t.Fatalf("FeaturesFromEnv: %v", err)
	}
	if want := (Features{ResourceRequirements: true}); got != want {
		t.Errorf("FeaturesFromEnv = %+v, want %+v", got, want)
	}
}

func TestFeatures_StringRoundTrip(t *testing.T) {
	f := Features{DeferredCommands: true}
	got, err := ParseFeatures(DefaultFeatures(), f.String())
	if err != nil {
		t.Fatalf("ParseFeatures(%q): %v", f.String(), err)
	}
	if got != f {
		t.Errorf("round trip = %+v, want %+v", got, f)
	}
}
