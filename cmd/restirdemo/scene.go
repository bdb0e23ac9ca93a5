package main

import (
	"math"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir"
)

// quad is an axis-aligned rectangle: the points p with (p-Origin)·Normal
// == 0 inside [Min, Max].
type quad struct {
	Origin    mgl32.Vec3
	Normal    mgl32.Vec3
	Min, Max  mgl32.Vec3
	Albedo    float32
	Roughness float32

	// Emission inside [LightMin, LightMax].
	Emission           float32
	LightMin, LightMax mgl32.Vec3
}

const (
	skyRadiance = 0.05
	missDist    = 100
	eps         = 1e-3
)

// room is a floor and a back wall carrying a rectangular light.
type room struct {
	quads []quad
	scene *restir.StaticScene
}

func newRoom(width, height uint32) *room {
	eye := mgl32.Vec3{0, 1.5, 6}
	const focal, film = 24, 24
	fovy := 2 * math.Atan(0.5*film/focal)
	proj := mgl32.Perspective(float32(fovy), float32(width)/float32(height), 0.1, 100)
	view := mgl32.LookAtV(eye, mgl32.Vec3{0, 1, 0}, mgl32.Vec3{0, 1, 0})

	return &room{
		quads: []quad{
			{
				Origin: mgl32.Vec3{}, Normal: mgl32.Vec3{0, 1, 0},
				Min: mgl32.Vec3{-5, 0, -5}, Max: mgl32.Vec3{5, 0, 5},
				Albedo: 0.7, Roughness: 1,
			},
			{
				Origin: mgl32.Vec3{0, 0, -5}, Normal: mgl32.Vec3{0, 0, 1},
				Min: mgl32.Vec3{-5, 0, -5}, Max: mgl32.Vec3{5, 5, -5},
				Albedo: 0.5, Roughness: 0.6,
				Emission: 8, LightMin: mgl32.Vec3{-1, 2, -5}, LightMax: mgl32.Vec3{1, 3.5, -5},
			},
		},
		scene: &restir.StaticScene{
			Cam: restir.StaticCamera{
				Pos:        eye,
				ViewProj:   proj.Mul4(view),
				Focal:      focal,
				FilmHeight: film,
			},
			Box:          restir.AABB{Min: mgl32.Vec3{-5, 0, -5}, Max: mgl32.Vec3{5, 5, 5}},
			SceneDefines: map[string]string{"USE_ENV_LIGHT": "", "SKY_RADIANCE": "0.05"},
		},
	}
}

func inside(p, lo, hi mgl32.Vec3) bool {
	for i := range 3 {
		if p[i] < lo[i]-eps || p[i] > hi[i]+eps {
			return false
		}
	}
	return true
}

// intersect returns the closest quad hit by the ray o + t*d.
func (r *room) intersect(o, d mgl32.Vec3) (hit mgl32.Vec3, q *quad, ok bool) {
	best := float32(math.MaxFloat32)
	for i := range r.quads {
		c := &r.quads[i]
		den := d.Dot(c.Normal)
		if den > -1e-6 && den < 1e-6 {
			continue
		}
		t := c.Origin.Sub(o).Dot(c.Normal) / den
		if t <= eps || t >= best {
			continue
		}
		p := o.Add(d.Mul(t))
		if !inside(p, c.Min, c.Max) {
			continue
		}
		best, hit, q, ok = t, p, c, true
	}
	return hit, q, ok
}

func (q *quad) emitted(p mgl32.Vec3) float32 {
	if q.Emission > 0 && inside(p, q.LightMin, q.LightMax) {
		return q.Emission
	}
	return 0
}

// cosineSample draws a direction around n with pdf cos/pi.
func cosineSample(n mgl32.Vec3, rng *rand.Rand) (mgl32.Vec3, float32) {
	u1, u2 := rng.Float64(), rng.Float64()
	r := math.Sqrt(u1)
	phi := 2 * math.Pi * u2
	x, y := float32(r*math.Cos(phi)), float32(r*math.Sin(phi))
	z := float32(math.Sqrt(max(0, 1-u1)))

	up := mgl32.Vec3{0, 1, 0}
	if abs(n[1]) > 0.9 {
		up = mgl32.Vec3{1, 0, 0}
	}
	t := up.Cross(n).Normalize()
	b := n.Cross(t)
	dir := t.Mul(x).Add(b.Mul(y)).Add(n.Mul(z)).Normalize()
	return dir, z / math.Pi
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// trace produces one frame of initial samples: a primary hit per pixel and
// one cosine-sampled bounce to the reconnection vertex.
func (r *room) trace(w, h uint32, frame uint64) restir.Inputs {
	n := int(w * h)
	in := restir.Inputs{
		FrameDim:         [2]uint32{w, h},
		InitialSamples:   make([]restir.Sample, n),
		ReconnectionData: make([]restir.ReconnectionData, n),
		Depth:            make([]float32, n),
		Normal:           make([]mgl32.Vec3, n),
		VBuffer:          make([]bool, n),
	}

	cam := r.scene.Cam
	inv := cam.ViewProjNoJitter().Inv()
	eye := cam.Position()
	rng := rand.New(rand.NewPCG(frame, 0x5EED))

	for py := range int(h) {
		for px := range int(w) {
			p := py*int(w) + px
			x := (float32(px)+0.5)/float32(w)*2 - 1
			y := 1 - (float32(py)+0.5)/float32(h)*2
			far := mgl32.TransformCoordinate(mgl32.Vec3{x, y, 1}, inv)
			dir := far.Sub(eye).Normalize()

			vis, q, ok := r.intersect(eye, dir)
			if !ok {
				continue
			}
			in.VBuffer[p] = true
			in.Depth[p] = vis.Sub(eye).Len()
			in.Normal[p] = q.Normal

			s := restir.Sample{
				VisiblePos:    vis,
				VisibleNormal: q.Normal,
				Roughness:     q.Roughness,
			}
			bounce, pdf := cosineSample(q.Normal, rng)
			s.SourcePdf = pdf

			origin := vis.Add(q.Normal.Mul(eps))
			if sp, sq, hit := r.intersect(origin, bounce); hit {
				s.SamplePos = sp
				s.SampleNormal = sq.Normal
				L := sq.emitted(sp) + sq.Albedo*skyRadiance
				s.Radiance = mgl32.Vec3{L, L, L * 0.9}
				in.ReconnectionData[p] = restir.ReconnectionData{
					Throughput: mgl32.Vec3{q.Albedo, q.Albedo, q.Albedo},
					PathLength: 2,
				}
			} else {
				s.SamplePos = origin.Add(bounce.Mul(missDist))
				s.Radiance = mgl32.Vec3{skyRadiance, skyRadiance, skyRadiance * 1.5}
				in.ReconnectionData[p] = restir.ReconnectionData{PathLength: 1}
			}
			s.Valid = pdf > 0
			in.InitialSamples[p] = s
		}
	}
	return in
}
