// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package kernels

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/reservoir"
	"github.com/gogpu/restir/internal/resources"
)

// MaxSpatialCandidatesLimit bounds RuntimeConfig.MaxSpatialCandidates.
const MaxSpatialCandidatesLimit = 32

// source is one domain that contributed confidence to a pixel's reservoir,
// kept for the 1/Z normalization.
type source struct {
	pos mgl32.Vec3
	n   mgl32.Vec3
	m   uint32
}

type resampler struct {
	mode      reservoir.TargetPdf
	roughness float32
	rt        RuntimeConfig
	f         *Frame

	cur, prev         *resources.Set
	curGrid, prevGrid hashgrid.Grid
	pixels            int
}

func newResampler(cfg StaticConfig, f *Frame) *resampler {
	m := f.Resources
	cur := m.Write(f.Params.FrameCount)
	prev := m.Read(f.Params.FrameCount)

	rt := f.Runtime
	rt.MaxSpatialCandidates = min(max(rt.MaxSpatialCandidates, 0), MaxSpatialCandidatesLimit)

	return &resampler{
		mode:      cfg.TargetPdf,
		roughness: cfg.RoughnessThreshold,
		rt:        rt,
		f:         f,
		cur:       cur,
		prev:      prev,
		curGrid:   hashgrid.View(cur),
		prevGrid:  hashgrid.View(prev),
		pixels:    f.PixelCount(),
	}
}

// scratch is per-work-item memory reused across pixels.
type scratch struct {
	sources []source
}

func (r *resampler) newScratch() *scratch {
	return &scratch{sources: make([]source, 0, 2+2*MaxSpatialCandidatesLimit)}
}

// pixelState is the running state of one pixel's resampling.
type pixelState struct {
	p       int
	pos     mgl32.Vec3
	n       mgl32.Vec3
	d       float32
	rng     reservoir.RNG
	res     reservoir.Reservoir
	sources []source

	// temporalQ is the previous-frame pixel merged by reprojection, or -1.
	temporalQ int
}

func (ps *pixelState) merge(c *reservoir.Reservoir, mode reservoir.TargetPdf) {
	pHat := mode.Evaluate(&c.Sample, ps.pos, ps.n)
	j := reservoir.Jacobian(&c.Sample, ps.pos)
	ps.res.Merge(c, pHat, j, ps.rng.Float32())
	ps.sources = append(ps.sources, source{pos: c.Sample.VisiblePos, n: c.Sample.VisibleNormal, m: c.M})
}

// pixel resamples pixel p and writes the result to its resampled slot.
func (r *resampler) pixel(p int, sc *scratch, st *ResampleStats) {
	own := r.cur.Initial(p)
	out := r.cur.Resampled(p)
	s := &own.Sample

	if !r.f.Hit(p) || s.Roughness < r.roughness {
		*out = *own
		st.Skipped++
		return
	}

	ps := pixelState{
		p:       p,
		pos:     s.VisiblePos,
		n:       r.f.NormalAt(p, s),
		d:       r.f.DepthAt(p, s),
		rng:     reservoir.NewRNG(uint32(p), r.f.Params.FrameCount, r.f.Params.InstanceIndex),
		sources: sc.sources[:0],

		temporalQ: -1,
	}
	ps.merge(own, r.mode)

	if r.rt.HasHistory {
		if r.rt.TemporalReuse {
			r.temporal(&ps, &st.Temporal)
		}
		r.neighbours(&ps, r.prevGrid, r.f.PrevGeometry, true, &st.PreviousGrid)
	}
	r.neighbours(&ps, r.curGrid, r.f.Geometry, false, &st.CurrentGrid)

	var z uint32
	y := &ps.res.Sample
	for _, src := range ps.sources {
		if r.mode.Evaluate(y, src.pos, src.n) > 0 {
			z += src.m
		}
	}
	ps.res.Finalize(z)

	// The selected path now reconnects from this pixel's visible point.
	if ps.res.Sample.Valid {
		ps.res.Sample.VisiblePos = ps.pos
		ps.res.Sample.VisibleNormal = ps.n
		ps.res.Sample.Roughness = s.Roughness
	}
	*out = ps.res
	sc.sources = ps.sources
}

func (r *resampler) temporal(ps *pixelState, st *CandidateStats) {
	q, ok := r.reproject(ps.pos)
	if !ok {
		return
	}
	c := *r.prev.Resampled(q)
	o := r.test(ps, &c, r.f.PrevCameraPos)
	st.count(o)
	if o != accepted {
		return
	}
	c.ClampM(r.rt.HistoryLimit)
	ps.merge(&c, r.mode)
	ps.temporalQ = q
}

// neighbours visits up to MaxSpatialCandidates entries of the bucket
// holding the pixel's cell, starting at a random entry.
func (r *resampler) neighbours(ps *pixelState, grid hashgrid.Grid, geo hashgrid.Geometry, fromPrev bool, st *CandidateStats) {
	key := geo.Key(ps.pos)
	entries, ok := grid.Lookup(key)
	if !ok {
		return
	}
	n := len(entries)
	k := min(r.rt.MaxSpatialCandidates, n)
	if k == 0 {
		return
	}
	start := int(ps.rng.Uint32() % uint32(n))
	stride := max(1, n/k)

	cam := r.f.CameraPos
	if fromPrev {
		cam = r.f.PrevCameraPos
	}

	for i := range k {
		q := int(entries[(start+i*stride)%n])
		if q >= r.pixels {
			continue
		}
		if (!fromPrev && q == ps.p) || (fromPrev && q == ps.temporalQ) {
			continue
		}

		var c reservoir.Reservoir
		if fromPrev {
			c = *r.prev.Resampled(q)
		} else {
			c = *r.cur.Initial(q)
		}

		o := r.test(ps, &c, cam)
		if o == accepted && geo.Key(c.Sample.VisiblePos) != key {
			// A different cell sharing the bucket.
			o = rejectedChecksum
		}
		st.count(o)
		if o != accepted {
			continue
		}
		if fromPrev {
			c.ClampM(r.rt.HistoryLimit)
		}
		ps.merge(&c, r.mode)
	}
}

// test applies the geometric similarity tests. cam is the camera position
// of the frame the candidate was produced in.
func (r *resampler) test(ps *pixelState, c *reservoir.Reservoir, cam mgl32.Vec3) outcome {
	if !c.Sample.Valid || c.M == 0 {
		return rejectedInvalid
	}
	if ps.n.Dot(c.Sample.VisibleNormal) < r.rt.NormalThreshold {
		return rejectedNormal
	}
	dc := c.Sample.VisiblePos.Sub(cam).Len()
	if m := max(ps.d, dc); m > 0 && abs32(ps.d-dc)/m > r.rt.DepthThreshold {
		return rejectedDepth
	}
	return accepted
}

// reproject maps pos into a pixel of the previous frame.
func (r *resampler) reproject(pos mgl32.Vec3) (int, bool) {
	clip := r.f.PrevViewProj.Mul4x1(pos.Vec4(1))
	if clip[3] <= 0 {
		return 0, false
	}
	x, y := clip[0]/clip[3], clip[1]/clip[3]
	if x < -1 || x > 1 || y < -1 || y > 1 {
		return 0, false
	}

	w, h := int(r.f.Params.FrameDim[0]), int(r.f.Params.FrameDim[1])
	px := min(int((x*0.5+0.5)*float32(w)), w-1)
	py := min(int((0.5-y*0.5)*float32(h)), h-1)
	q := py*w + px
	if q < 0 || q >= r.pixels {
		return 0, false
	}
	return q, true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
