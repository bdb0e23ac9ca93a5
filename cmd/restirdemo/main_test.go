package main

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gogpu/restir"
	"github.com/gogpu/restir/internal/config"
)

func TestTonemap(t *testing.T) {
	require.Equal(t, uint8(0), tonemap(0))
	require.Equal(t, uint8(0), tonemap(-1))
	require.Equal(t, uint8(255), tonemap(1e9))
	require.Less(t, tonemap(0.1), tonemap(1))
}

func TestTraceFillsFrame(t *testing.T) {
	r := newRoom(16, 9)
	in := r.trace(16, 9, 0)
	require.Len(t, in.InitialSamples, 16*9)
	require.Equal(t, [2]uint32{16, 9}, in.FrameDim)

	visible := 0
	for i, ok := range in.VBuffer {
		if !ok {
			continue
		}
		visible++
		require.Greater(t, in.Depth[i], float32(0))
		require.True(t, in.InitialSamples[i].Valid)
	}
	require.Positive(t, visible, "camera looks at the room")
}

func TestRunWritesImage(t *testing.T) {
	restir.SetLogger(nil)
	c := config.Default()
	c.Demo.Width, c.Demo.Height = 16, 9
	c.Demo.Frames = 2
	c.Demo.Scale = 2
	c.ReSTIR.GridCapacity = 4096
	c.Demo.Output = filepath.Join(t.TempDir(), "room.png")

	require.NoError(t, run(context.Background(), c))

	f, err := os.Open(c.Demo.Output)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())
	require.Equal(t, 18, img.Bounds().Dy())
}
