package commands

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/pathtracer"
	"github.com/gogpu/pathtracer/internal/config"
	"github.com/gogpu/pathtracer/internal/kernel"
)

var renderCmd = &cobra.Command{
	Use:   "render [scene]",
	Short: "Render a scene to an image file",
	Long: `Render a built-in scene (cornell, triangle) or a Wavefront OBJ file.

The image is written to --output as Radiance HDR (.hdr) or PFM (.pfm).
With --preview a tonemapped PNG, TIFF or BMP is written as well.`,
	Example: `  pathtracer render
  pathtracer render cornell --batches 16 --output cornell.hdr --preview cornell.png
  pathtracer render model.obj --width 1920 --height 1080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

func init() {
	d := config.Default()
	f := renderCmd.Flags()
	f.Int("width", d.Width, "image width in pixels")
	f.Int("height", d.Height, "image height in pixels")
	f.Int("batches", d.BatchCount, "number of sample batches (compute passes)")
	f.Int("workgroup-width", d.Workgroup.Width, "kernel workgroup width")
	f.Int("workgroup-height", d.Workgroup.Height, "kernel workgroup height")
	f.String("kernel", d.Kernel, "kernel file (.wgsl or .spv); empty uses the embedded kernel")
	f.StringP("output", "o", d.Output, "output image (.hdr or .pfm)")
	f.String("preview", d.Preview, "optional tonemapped preview (.png, .tif or .bmp)")
	f.Float32("exposure", d.Exposure, "preview exposure multiplier")
	f.String("backend", d.Backend, "GPU backend: vulkan or noop")
	f.Duration("submit-timeout", d.SubmitTimeout, "maximum wait for one submission")
	f.Int("memory-budget", d.MemoryBudgetMB, "device memory budget in MB (0 = unlimited)")
	f.Bool("fast-build", d.Build.FastBuild, "prefer fast acceleration structure builds over fast tracing")
	f.Bool("allow-compaction", d.Build.AllowCompaction, "compact acceleration structures after building")

	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Scene = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sc, err := pathtracer.LoadScene(cfg.Scene)
	if err != nil {
		return err
	}

	dev, err := pathtracer.OpenDevice(cfg.Backend)
	if err != nil {
		return err
	}
	defer dev.Close()

	session, err := pathtracer.NewSession(dev, sessionOptions(cfg))
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	img, err := session.Render(ctx, sc, nil)
	if err != nil {
		return err
	}
	if err := img.WriteFile(cfg.Output); err != nil {
		return err
	}
	if cfg.Preview != "" {
		if err := img.WritePreview(cfg.Preview, cfg.Exposure); err != nil {
			return err
		}
	}

	printSummary(cmd, cfg, dev.Name(), img)
	return nil
}

// sessionOptions converts the validated configuration to session options.
func sessionOptions(cfg *config.Config) pathtracer.Options {
	//nolint:gosec // G115: Validate guarantees positive sizes
	return pathtracer.Options{
		Width:             uint32(cfg.Width),
		Height:            uint32(cfg.Height),
		BatchCount:        uint32(cfg.BatchCount),
		WorkgroupWidth:    uint32(cfg.Workgroup.Width),
		WorkgroupHeight:   uint32(cfg.Workgroup.Height),
		Kernel:            cfg.Kernel,
		FastBuild:         cfg.Build.FastBuild,
		DisableCompaction: !cfg.Build.AllowCompaction,
		SubmitTimeout:     cfg.SubmitTimeout,
		MemoryBudgetMB:    cfg.MemoryBudgetMB,
	}
}

func printSummary(cmd *cobra.Command, cfg *config.Config, adapter string, img *pathtracer.Image) {
	p := message.NewPrinter(language.English)
	w := cmd.OutOrStdout()
	pixels := img.Width * img.Height
	st := img.Stats

	p.Fprintf(w, "Rendered %s on %s\n", cfg.Scene, adapter)
	p.Fprintf(w, "  image:     %d x %d (%d pixels) -> %s\n", img.Width, img.Height, pixels, cfg.Output)
	if cfg.Kernel == "" {
		spp := cfg.BatchCount * kernel.SamplesPerBatch
		p.Fprintf(w, "  samples:   %d per pixel, %d total\n", spp, int64(spp)*int64(pixels))
	}
	p.Fprintf(w, "  geometry:  %d triangles, %d instances\n", st.Triangles, st.Instances)
	p.Fprintf(w, "  time:      upload %v, build %v, %d passes (mean %v), total %v\n",
		st.Upload, st.Build, len(st.Dispatch.Passes), st.Dispatch.Mean(), st.Total)
	p.Fprintf(w, "  memory:    %d KB peak\n", st.Memory.PeakBytes/1024)
	if cfg.Preview != "" {
		fmt.Fprintf(w, "  preview:   %s\n", cfg.Preview)
	}
}
