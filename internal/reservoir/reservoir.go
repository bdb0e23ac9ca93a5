// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package reservoir

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Reservoir is the running summary of one selected sample out of a stream of
// weighted candidates.
//
// Invariants: WeightSum >= 0, and M >= 1 once the reservoir has seen a
// candidate.
type Reservoir struct {
	Sample Sample

	// WeightSum is the sum of all resampling weights streamed in.
	WeightSum float32

	// M is the confidence count: how many candidates were streamed in.
	M uint32

	// W is the unbiased contribution weight of Sample.
	W float32

	// TargetPdf caches the target pdf of Sample at the owning pixel.
	TargetPdf float32
}

// Initial builds a single-candidate reservoir from a path-traced sample. The
// resampling weight is p̂(s)/sourcePdf; invalid samples still produce a
// reservoir with M = 1 and zero weight.
func Initial(s Sample, mode TargetPdf) Reservoir {
	r := Reservoir{Sample: s, M: 1}
	if !s.Valid || s.SourcePdf <= 0 {
		r.Sample.Valid = false
		return r
	}
	p := mode.Evaluate(&s, s.VisiblePos, s.VisibleNormal)
	if p <= 0 {
		return r
	}
	r.WeightSum = p / s.SourcePdf
	r.TargetPdf = p
	r.W = r.WeightSum / p
	return r
}

// Update streams one candidate with resampling weight w and confidence m.
// The candidate replaces the current selection with probability
// w / WeightSum; u must be uniform in [0, 1).
func (r *Reservoir) Update(s *Sample, targetPdf, w float32, m uint32, u float32) bool {
	r.M += m
	if w <= 0 || w != w || math.IsInf(float64(w), 0) {
		return false
	}
	r.WeightSum += w
	if u*r.WeightSum < w {
		r.Sample = *s
		r.TargetPdf = targetPdf
		return true
	}
	return false
}

// Merge streams the reservoir o into r. targetPdf is the target pdf of
// o.Sample evaluated at r's shading point and jacobian the shift Jacobian
// to that point. It reports whether o's sample was selected.
func (r *Reservoir) Merge(o *Reservoir, targetPdf, jacobian, u float32) bool {
	w := targetPdf * jacobian * o.W * float32(o.M)
	return r.Update(&o.Sample, targetPdf, w, o.M, u)
}

// ClampM scales the reservoir down so that M <= limit. The weight sum is
// scaled by the same factor so W is unchanged.
func (r *Reservoir) ClampM(limit uint32) {
	if limit == 0 || r.M <= limit {
		return
	}
	r.WeightSum *= float32(limit) / float32(r.M)
	r.M = limit
}

// Finalize computes W = WeightSum / (z * TargetPdf). z is the MIS
// normalization: the sum of confidences of all sources that could have
// produced the selected sample.
func (r *Reservoir) Finalize(z uint32) {
	if z == 0 || r.TargetPdf <= 0 || !r.Sample.Valid {
		r.W = 0
		return
	}
	r.W = r.WeightSum / (float32(z) * r.TargetPdf)
}

// FinalSample is the per-pixel result handed to the shading stage: the
// reconnection vertex and its radiance already scaled by W.
type FinalSample struct {
	SamplePos    mgl32.Vec3
	SampleNormal mgl32.Vec3
	Contribution mgl32.Vec3
	W            float32
	Valid        bool
}

// Final extracts the shading input from a resampled reservoir. No filtering
// is applied beyond the weight.
func (r *Reservoir) Final() FinalSample {
	if !r.Sample.Valid || r.W <= 0 {
		return FinalSample{}
	}
	return FinalSample{
		SamplePos:    r.Sample.SamplePos,
		SampleNormal: r.Sample.SampleNormal,
		Contribution: r.Sample.Radiance.Mul(r.W),
		W:            r.W,
		Valid:        true,
	}
}
