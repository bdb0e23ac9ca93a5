package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/restir"
	"github.com/gogpu/restir/internal/config"
)

func newRunCmd() *cobra.Command {
	var (
		frames int
		output string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render frames and print per-frame statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("frames") {
				c.Demo.Frames = frames
			}
			if cmd.Flags().Changed("output") {
				c.Demo.Output = output
			}
			if err := c.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, c)
		},
	}
	cmd.Flags().IntVarP(&frames, "frames", "n", 16, "number of frames")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the averaged contribution as PNG")
	return cmd
}

func run(ctx context.Context, c config.Config) error {
	w, h := c.Demo.Width, c.Demo.Height
	room := newRoom(w, h)

	pass, err := restir.NewPass(room.scene, c.Options(), c.PassOptions()...)
	if err != nil {
		return err
	}
	defer pass.Close()

	p := message.NewPrinter(language.English)
	for i := range c.Demo.Frames {
		if err := pass.Execute(ctx, room.trace(w, h, uint64(i))); err != nil {
			return err
		}
		for _, st := range pass.Stats() {
			printStats(p, st)
		}
	}

	if c.Demo.Output == "" {
		return nil
	}
	img := renderImage(pass.Output(), c.Demo.Scale)
	if err := writePNG(c.Demo.Output, img); err != nil {
		return err
	}
	p.Printf("wrote %s (%d×%d)\n", c.Demo.Output, img.Bounds().Dx(), img.Bounds().Dy())
	return nil
}

func printStats(p *message.Printer, st restir.FrameStats) {
	r := st.Resample
	p.Printf("frame %d instance %d: %d entries in %d buckets (%s, %d collisions); accepted temporal %d, previous %d, current %d; rejected %d; skipped %d\n",
		st.Frame, st.Instance,
		st.Build.Total, st.Build.OccupiedBuckets, st.Build.Status, st.Build.Collisions,
		r.Temporal.Accepted, r.PreviousGrid.Accepted, r.CurrentGrid.Accepted,
		r.Temporal.Rejected()+r.PreviousGrid.Rejected()+r.CurrentGrid.Rejected(),
		r.Skipped,
	)
}

// renderImage tone-maps the averaged contribution and upsamples it by
// scale.
func renderImage(out restir.Output, scale int) image.Image {
	w, h := int(out.FrameDim[0]), int(out.FrameDim[1])
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, c := range out.Average {
		src.SetRGBA(i%w, i/w, color.RGBA{tonemap(c[0]), tonemap(c[1]), tonemap(c[2]), 0xff})
	}
	if scale <= 1 {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// tonemap applies Reinhard and gamma 2.2.
func tonemap(v float32) uint8 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 0
	}
	x := math.Pow(float64(v/(1+v)), 1/2.2)
	return uint8(min(255, math.Round(x*255)))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("restirdemo: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("restirdemo: encode %s: %w", path, err)
	}
	return f.Close()
}
