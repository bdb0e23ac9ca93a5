// Package kernels implements the four compute passes of a ReSTIR GI frame:
// initial reservoirs (with the grid counting phase), hash grid build,
// spatiotemporal resampling and final sample extraction.
//
// The CPU programs in this package run on the parallel worker pool. The
// GPU programs in internal/gpu implement the same Programs interface.
package kernels

import (
	"context"
	"maps"
	"slices"
	"strconv"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/reservoir"
	"github.com/gogpu/restir/internal/resources"
)

// Define names understood by every program.
const (
	DefineRoughnessThreshold = "GI_ROUGHNESS_THRESHOLD"
	DefineTargetPdf          = "GI_TARGET_PDF"
)

// StaticConfig is the configuration baked into a program at build time.
// Changing any field requires a rebuild.
type StaticConfig struct {
	RoughnessThreshold float32
	TargetPdf          reservoir.TargetPdf

	// SceneDefines are passed through to the programs unchanged.
	SceneDefines map[string]string
}

// Defines returns the full define list of the configuration.
func (c StaticConfig) Defines() map[string]string {
	d := make(map[string]string, len(c.SceneDefines)+2)
	maps.Copy(d, c.SceneDefines)
	d[DefineRoughnessThreshold] = strconv.FormatFloat(float64(c.RoughnessThreshold), 'f', 6, 32)
	d[DefineTargetPdf] = strconv.Itoa(int(c.TargetPdf))
	return d
}

// DefineNames returns the sorted define names, for stable headers.
func (c StaticConfig) DefineNames() []string {
	return slices.Sorted(maps.Keys(c.Defines()))
}

// Equal reports whether two configurations produce the same programs.
func (c StaticConfig) Equal(o StaticConfig) bool {
	return maps.Equal(c.Defines(), o.Defines())
}

// RuntimeConfig holds the options read per frame without a rebuild.
type RuntimeConfig struct {
	NormalThreshold float32
	DepthThreshold  float32

	// MaxSpatialCandidates bounds the entries visited per grid lookup.
	MaxSpatialCandidates int

	// HistoryLimit caps the confidence of reused previous-frame reservoirs.
	HistoryLimit uint32

	// TemporalReuse enables reprojection into the previous reservoirs.
	TemporalReuse bool

	// HasHistory is false on the first frame after a reset, when the
	// previous parity holds nothing usable.
	HasHistory bool
}

// Frame carries everything one instance's passes read and write.
type Frame struct {
	Params frame.Params

	// Geometry maps positions to grid keys this frame; PrevGeometry is the
	// mapping the previous frame's grid was built with.
	Geometry     hashgrid.Geometry
	PrevGeometry hashgrid.Geometry

	Resources *resources.Manager

	Samples []reservoir.Sample

	// G-buffer. Empty slices fall back to the sample's own data. Depth is
	// the world-space distance from CameraPos to the visible point.
	Depth   []float32
	Normal  []mgl32.Vec3
	VBuffer []bool

	CameraPos     mgl32.Vec3
	PrevCameraPos mgl32.Vec3

	// PrevViewProj is the previous frame's non-jittered view-projection.
	PrevViewProj mgl32.Mat4

	Runtime RuntimeConfig
}

// PixelCount returns the number of pixels of the frame.
func (f *Frame) PixelCount() int {
	return int(f.Params.PixelCount())
}

// Hit reports whether pixel p has a primary hit.
func (f *Frame) Hit(p int) bool {
	if p < len(f.VBuffer) {
		return f.VBuffer[p]
	}
	return p < len(f.Samples) && f.Samples[p].Valid
}

// NormalAt returns the shading normal of pixel p.
func (f *Frame) NormalAt(p int, s *reservoir.Sample) mgl32.Vec3 {
	if p < len(f.Normal) {
		return f.Normal[p]
	}
	return s.VisibleNormal
}

// DepthAt returns the distance of pixel p's visible point from the camera.
func (f *Frame) DepthAt(p int, s *reservoir.Sample) float32 {
	if p < len(f.Depth) {
		return f.Depth[p]
	}
	return s.VisiblePos.Sub(f.CameraPos).Len()
}

// Programs is one built set of the four passes. Passes must be called in
// order; each returns only after its writes are visible to the next.
type Programs interface {
	Config() StaticConfig
	InitReservoirs(ctx context.Context, f *Frame) error
	BuildHashGrid(ctx context.Context, f *Frame) (hashgrid.BuildResult, error)
	Resample(ctx context.Context, f *Frame) (ResampleStats, error)
	FinalSample(ctx context.Context, f *Frame) error
	Release()
}

// ProgramBuilder builds Programs from a static configuration. It is
// re-invoked whenever the configuration changes.
type ProgramBuilder interface {
	Build(ctx context.Context, cfg StaticConfig) (Programs, error)
}
