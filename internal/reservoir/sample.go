// Package reservoir implements weighted reservoir sampling for reusing path
// samples across pixels and frames.
//
// A Reservoir keeps one selected Sample out of a stream of weighted
// candidates together with the running weight sum, the confidence count M
// and the unbiased contribution weight W. Merging two reservoirs is the
// streaming combination used by spatiotemporal resampling.
package reservoir

import (
	"github.com/go-gl/mathgl/mgl32"
)

// TargetPdf selects the function candidates are weighted against.
type TargetPdf uint32

const (
	// TargetIncomingRadiance weights a sample by the luminance of the
	// radiance arriving at the visible point.
	TargetIncomingRadiance TargetPdf = iota

	// TargetOutgoingRadiance additionally weights by the cosine between the
	// visible-point normal and the direction towards the sample point.
	TargetOutgoingRadiance
)

// String returns the human-readable name of the mode.
func (m TargetPdf) String() string {
	switch m {
	case TargetIncomingRadiance:
		return "incoming radiance"
	case TargetOutgoingRadiance:
		return "outgoing radiance"
	default:
		return "unknown"
	}
}

// Sample is one path-traced candidate: the primary visible point and the
// secondary vertex the path reconnects to.
type Sample struct {
	VisiblePos    mgl32.Vec3
	VisibleNormal mgl32.Vec3
	SamplePos     mgl32.Vec3
	SampleNormal  mgl32.Vec3

	// Radiance leaving SamplePos towards VisiblePos.
	Radiance mgl32.Vec3

	// SourcePdf is the solid-angle pdf the path tracer sampled the
	// direction with.
	SourcePdf float32

	// Roughness of the surface at the visible point.
	Roughness float32

	// Valid is false for miss or otherwise unusable samples.
	Valid bool
}

// Luminance returns the Rec. 709 luminance of c.
func Luminance(c mgl32.Vec3) float32 {
	return 0.2126*c[0] + 0.7152*c[1] + 0.0722*c[2]
}

// Evaluate returns the target pdf of s re-evaluated at a shading point with
// position pos and normal n.
func (m TargetPdf) Evaluate(s *Sample, pos, n mgl32.Vec3) float32 {
	if !s.Valid {
		return 0
	}
	lum := Luminance(s.Radiance)
	if lum <= 0 {
		return 0
	}
	if m == TargetIncomingRadiance {
		return lum
	}
	dir := s.SamplePos.Sub(pos)
	l := dir.Len()
	if l <= 0 {
		return 0
	}
	cos := n.Dot(dir.Mul(1 / l))
	if cos <= 0 {
		return 0
	}
	return lum * cos
}

// maxJacobian bounds the reconnection Jacobian; larger values come from
// grazing geometry and only add fireflies.
const maxJacobian = 10

// Jacobian returns the solid-angle Jacobian of moving the reconnection of s
// from its original visible point to dst. It returns 0 when the shift is
// not usable.
func Jacobian(s *Sample, dst mgl32.Vec3) float32 {
	oldDir := s.VisiblePos.Sub(s.SamplePos)
	newDir := dst.Sub(s.SamplePos)
	oldDist2 := oldDir.Dot(oldDir)
	newDist2 := newDir.Dot(newDir)
	if oldDist2 <= 0 || newDist2 <= 0 {
		return 0
	}

	// A zero sample normal (e.g. an environment hit) has no area measure;
	// the shift is then the identity.
	if s.SampleNormal.Dot(s.SampleNormal) == 0 {
		return 1
	}

	cosOld := abs32(s.SampleNormal.Dot(oldDir)) / sqrt32(oldDist2)
	cosNew := abs32(s.SampleNormal.Dot(newDir)) / sqrt32(newDist2)
	if cosOld <= 0 {
		return 0
	}
	j := (cosNew * oldDist2) / (cosOld * newDist2)
	if j > maxJacobian || j != j {
		return 0
	}
	return j
}
