// Command vgpudemo drives a vgpu host against a headless surface.
package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/spf13/cobra"

	"github.com/gogpu/vgpu"
)

var (
	backendFlag  string
	featuresFlag string
	verboseFlag  bool
	widthFlag    uint32
	heightFlag   uint32
	outputFlag   string
	layersFlag   int

	rootCmd = &cobra.Command{
		Use:           "vgpudemo",
		Short:         "Exercise a vgpu host on a headless surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Print the selected adapter and features",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newHost()
			if err != nil {
				return err
			}
			defer host.Close()
			fmt.Printf("session:  %s\n", host.ID())
			fmt.Printf("adapter:  %s\n", host.Adapter())
			fmt.Printf("features: %s\n", host.Features())
			return nil
		},
	}

	presentCmd = &cobra.Command{
		Use:   "present",
		Short: "Post a gradient guest image and save a screenshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newHost()
			if err != nil {
				return err
			}
			defer host.Close()

			const source = 1
			desc := vgpu.ImageDesc(widthFlag, heightFlag, gputypes.TextureFormatRGBA8Unorm)
			alloc, err := host.SetupResource(source, desc, vgpu.MemoryHostVisible|vgpu.MemoryHostCoherent)
			if err != nil {
				return fmt.Errorf("setup source: %w", err)
			}
			fillGradient(alloc.Mapped, int(desc.RowPitch()), widthFlag, heightFlag)

			if err := host.BindToSurface(vgpu.NewHeadlessSurface(widthFlag, heightFlag), widthFlag, heightFlag); err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			bound, sig := host.Post(source)
			if !bound {
				return fmt.Errorf("post: display not bound")
			}
			if err := wait(sig); err != nil {
				return fmt.Errorf("post: %w", err)
			}
			return screenshot(host)
		},
	}

	composeCmd = &cobra.Command{
		Use:   "compose",
		Short: "Compose solid layers into a guest target, post it and save a screenshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if layersFlag < 0 || layersFlag > vgpu.MaxLayers {
				return fmt.Errorf("--layers must be between 0 and %d", vgpu.MaxLayers)
			}
			host, err := newHost()
			if err != nil {
				return err
			}
			defer host.Close()

			const target = 100
			if _, err := host.SetupResource(target, vgpu.ImageDesc(widthFlag, heightFlag, gputypes.TextureFormatRGBA8Unorm),
				vgpu.MemoryHostVisible|vgpu.MemoryHostCoherent); err != nil {
				return fmt.Errorf("setup target: %w", err)
			}
			accepted, sig := host.Compose(target, stagger(layersFlag, widthFlag, heightFlag))
			if !accepted {
				return fmt.Errorf("compose: target rejected")
			}
			if err := wait(sig); err != nil {
				return fmt.Errorf("compose: %w", err)
			}
			if err := host.ReleaseToGuest(true, target); err != nil {
				return err
			}

			if err := host.BindToSurface(vgpu.NewHeadlessSurface(widthFlag, heightFlag), widthFlag, heightFlag); err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			bound, sig := host.Post(target)
			if !bound {
				return fmt.Errorf("post: display not bound")
			}
			if err := wait(sig); err != nil {
				return fmt.Errorf("post: %w", err)
			}
			return screenshot(host)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "noop", "HAL backend (noop, vulkan)")
	rootCmd.PersistentFlags().StringVar(&featuresFlag, "features", "",
		"feature toggles, e.g. 'NativeSwapchain:off' (default from "+vgpu.FeaturesEnv+")")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log at debug level to stderr")

	for _, c := range []*cobra.Command{presentCmd, composeCmd} {
		c.Flags().Uint32Var(&widthFlag, "width", 320, "display width")
		c.Flags().Uint32Var(&heightFlag, "height", 240, "display height")
		c.Flags().StringVarP(&outputFlag, "output", "o", "vgpudemo.png", "screenshot file")
	}
	composeCmd.Flags().IntVar(&layersFlag, "layers", 4, "number of solid layers")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(presentCmd)
	rootCmd.AddCommand(composeCmd)
}

func newHost() (*vgpu.Host, error) {
	if verboseFlag {
		vgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	opts := []vgpu.Option{vgpu.WithBackendName(backendFlag)}
	if featuresFlag != "" {
		f, err := vgpu.ParseFeatures(vgpu.DefaultFeatures(), featuresFlag)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vgpu.WithFeatures(f))
	}
	return vgpu.NewHost(opts...)
}

func wait(sig *vgpu.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sig.Wait(ctx); err != nil {
		return err
	}
	if sig.TimedOut() {
		return fmt.Errorf("fence wait timed out")
	}
	return nil
}

func screenshot(host *vgpu.Host) error {
	img, err := host.Screenshot(0, 0)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	if err := savePNG(outputFlag, img); err != nil {
		return err
	}
	s := host.Stats()
	fmt.Printf("saved %s (%dx%d) posts=%d composes=%d submissions=%d\n",
		outputFlag, img.Bounds().Dx(), img.Bounds().Dy(),
		s.Present.Posts, s.Present.Composes, s.Device.Submissions)
	return nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// fillGradient writes an RGBA gradient into a pitched guest mapping.
func fillGradient(mapped []byte, pitch int, w, h uint32) {
	for y := range int(h) {
		row := mapped[y*pitch:]
		for x := range int(w) {
			row[x*4+0] = uint8(x * 255 / int(w))
			row[x*4+1] = uint8(y * 255 / int(h))
			row[x*4+2] = 0x80
			row[x*4+3] = 0xFF
		}
	}
}

// stagger returns n solid layers offset diagonally across the display.
func stagger(n int, w, h uint32) []vgpu.Layer {
	palette := [][4]float32{{1, 0, 0, 1}, {0, 1, 0, 1}, {0, 0, 1, 1}, {1, 1, 0, 1}}
	layers := make([]vgpu.Layer, 0, n)
	fw, fh := float32(w), float32(h)
	for i := range n {
		off := float32(i) / float32(n+1)
		layers = append(layers, vgpu.Layer{
			Dest:  vgpu.Rect{Left: off * fw, Top: off * fh, Right: off*fw + fw/2, Bottom: off*fh + fh/2},
			Blend: vgpu.BlendPremultiplied,
			Alpha: 0.75,
			Color: palette[i%len(palette)],
		})
	}
	return layers
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
