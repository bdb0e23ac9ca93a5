package restir

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/kernels"
	"github.com/gogpu/restir/internal/reservoir"
)

type (
	// Sample is one path-traced candidate.
	Sample = reservoir.Sample

	// FinalSample is the per-pixel output of a frame.
	FinalSample = reservoir.FinalSample

	// BuildResult reports the outcome of one hash-grid build.
	BuildResult = hashgrid.BuildResult

	// ResampleStats counts resampling candidates by source and outcome.
	ResampleStats = kernels.ResampleStats
)

// Camera is the view the frame was rendered from.
type Camera interface {
	Position() mgl32.Vec3

	// ViewProjNoJitter is the view-projection matrix without the
	// sub-pixel jitter, used for reprojection.
	ViewProjNoJitter() mgl32.Mat4

	// FocalLength and FrameHeight are in millimetres.
	FocalLength() float32
	FrameHeight() float32
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max mgl32.Vec3
}

// Scene is the read-only scene state shared by every instance.
type Scene interface {
	Camera() Camera
	Bounds() AABB

	// Defines are forwarded to the programs unchanged.
	Defines() map[string]string
}

// ReconnectionData is the path tracer's per-pixel reconnection state. The
// engine does not interpret it.
type ReconnectionData struct {
	Throughput mgl32.Vec3
	PathLength uint32
	Flags      uint32
}

// Inputs holds one frame's per-pixel inputs in row-major order.
type Inputs struct {
	FrameDim [2]uint32

	InitialSamples   []Sample
	ReconnectionData []ReconnectionData

	// G-buffer. Empty slices fall back to each sample's visible point.
	//
	// Depth is the straight-line distance from the camera position to the
	// visible point, in world units; not view-space z or hardware depth.
	// The depth test compares it with |VisiblePos - camera| of candidates.
	Depth   []float32
	Normal  []mgl32.Vec3
	VBuffer []bool
}

// StaticCamera is a Camera with fixed values.
type StaticCamera struct {
	Pos        mgl32.Vec3
	ViewProj   mgl32.Mat4
	Focal      float32
	FilmHeight float32
}

func (c StaticCamera) Position() mgl32.Vec3         { return c.Pos }
func (c StaticCamera) ViewProjNoJitter() mgl32.Mat4 { return c.ViewProj }
func (c StaticCamera) FocalLength() float32         { return c.Focal }
func (c StaticCamera) FrameHeight() float32         { return c.FilmHeight }

// StaticScene is a Scene with fixed values.
type StaticScene struct {
	Cam          Camera
	Box          AABB
	SceneDefines map[string]string
}

func (s *StaticScene) Camera() Camera             { return s.Cam }
func (s *StaticScene) Bounds() AABB               { return s.Box }
func (s *StaticScene) Defines() map[string]string { return s.SceneDefines }
