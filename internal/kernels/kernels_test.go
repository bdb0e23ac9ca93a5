package kernels

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/reservoir"
	"github.com/gogpu/restir/internal/resources"
)

const testCapacity = 1024

var defaultStatic = StaticConfig{RoughnessThreshold: 0.2, TargetPdf: reservoir.TargetIncomingRadiance}

// surface returns a sample on the z=0 plane facing a camera on +z. The
// reconnection vertex has no normal, so every shift is the identity.
func surface(pos mgl32.Vec3, radiance float32) reservoir.Sample {
	return reservoir.Sample{
		VisiblePos:    pos,
		VisibleNormal: mgl32.Vec3{0, 0, 1},
		SamplePos:     pos.Add(mgl32.Vec3{0, 0, 5}),
		Radiance:      mgl32.Vec3{radiance, radiance, radiance},
		SourcePdf:     1,
		Roughness:     1,
		Valid:         true,
	}
}

func newFrame(w, h uint32, samples []reservoir.Sample) *Frame {
	params := frame.Params{
		FrameDim:   [2]uint32{w, h},
		SceneBBMin: frame.PaddedMin(mgl32.Vec3{-50, -50, -50}),
		CellSize:   100,
	}
	geo := hashgrid.NewGeometry(params, testCapacity)
	cam := mgl32.Vec3{0, 0, 10}
	return &Frame{
		Params:        params,
		Geometry:      geo,
		PrevGeometry:  geo,
		Resources:     resources.NewManager(nil, testCapacity),
		Samples:       samples,
		CameraPos:     cam,
		PrevCameraPos: cam,
		PrevViewProj:  mgl32.Ident4(),
		Runtime: RuntimeConfig{
			NormalThreshold:      0.9,
			DepthThreshold:       0.1,
			MaxSpatialCandidates: 8,
			HistoryLimit:         20,
			TemporalReuse:        true,
		},
	}
}

// runFrame runs all four passes of frame f.Params.FrameCount.
func runFrame(t *testing.T, prog Programs, f *Frame) ResampleStats {
	t.Helper()
	ctx := context.Background()

	f.Resources.BeginFrame(f.PixelCount(), f.Params.FrameCount)
	if err := prog.InitReservoirs(ctx, f); err != nil {
		t.Fatalf("InitReservoirs: %v", err)
	}
	if _, err := prog.BuildHashGrid(ctx, f); err != nil {
		t.Fatalf("BuildHashGrid: %v", err)
	}
	st, err := prog.Resample(ctx, f)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if err := prog.FinalSample(ctx, f); err != nil {
		t.Fatalf("FinalSample: %v", err)
	}
	return st
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) <= 1e-4*math.Max(1, math.Abs(float64(b)))
}

// =============================================================================
// Static configuration
// =============================================================================

func TestStaticConfigDefines(t *testing.T) {
	cfg := StaticConfig{
		RoughnessThreshold: 0.2,
		TargetPdf:          reservoir.TargetOutgoingRadiance,
		SceneDefines:       map[string]string{"USE_ENV_LIGHT": "1"},
	}

	d := cfg.Defines()
	if d[DefineRoughnessThreshold] != "0.200000" {
		t.Errorf("%s = %q, want 0.200000", DefineRoughnessThreshold, d[DefineRoughnessThreshold])
	}
	if d[DefineTargetPdf] != "1" {
		t.Errorf("%s = %q, want 1", DefineTargetPdf, d[DefineTargetPdf])
	}
	if d["USE_ENV_LIGHT"] != "1" {
		t.Error("scene defines not passed through")
	}

	names := cfg.DefineNames()
	if len(names) != 3 || names[0] != DefineRoughnessThreshold {
		t.Errorf("DefineNames() = %v", names)
	}
}

func TestStaticConfigEqual(t *testing.T) {
	a := StaticConfig{RoughnessThreshold: 0.2}
	b := StaticConfig{RoughnessThreshold: 0.2, SceneDefines: map[string]string{}}
	if !a.Equal(b) {
		t.Error("nil and empty scene defines should be equal")
	}
	b.TargetPdf = reservoir.TargetOutgoingRadiance
	if a.Equal(b) {
		t.Error("target pdf change not detected")
	}
}

func TestCPUBuilderBakesConfig(t *testing.T) {
	b := &CPUBuilder{}
	prog, err := b.Build(context.Background(), defaultStatic)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer prog.Release()
	if !prog.Config().Equal(defaultStatic) {
		t.Errorf("Config() = %+v, want %+v", prog.Config(), defaultStatic)
	}
}

// =============================================================================
// Initial reservoirs
// =============================================================================

func TestInitReservoirsEveryPixel(t *testing.T) {
	samples := make([]reservoir.Sample, 6)
	for i := range samples {
		samples[i] = surface(mgl32.Vec3{float32(i), 0, 0}, 1)
	}
	samples[2].Valid = false
	samples = samples[:5] // pixel 5 has no sample at all

	f := newFrame(3, 2, samples)
	prog := NewCPUPrograms(nil, 2, defaultStatic)
	f.Resources.BeginFrame(6, 0)
	if err := prog.InitReservoirs(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	cur := f.Resources.Write(0)
	var counted uint32
	for _, c := range cur.Counter.Snapshot() {
		counted += c
	}
	if counted != 6 {
		t.Errorf("counted %d entries, want 6", counted)
	}

	for p := range 6 {
		if cur.Initial(p).M != 1 {
			t.Errorf("pixel %d: M = %d, want 1", p, cur.Initial(p).M)
		}
		if f.Resources.Append[p].Payload != uint32(p) {
			t.Errorf("append[%d].Payload = %d", p, f.Resources.Append[p].Payload)
		}
	}
	if cur.Initial(2).W != 0 || cur.Initial(5).W != 0 {
		t.Error("invalid samples must have zero weight")
	}
	if cur.Initial(0).W != 1 {
		t.Errorf("W = %v, want 1", cur.Initial(0).W)
	}
}

func TestPassesHonorCancellation(t *testing.T) {
	f := newFrame(1, 1, []reservoir.Sample{surface(mgl32.Vec3{}, 1)})
	prog := NewCPUPrograms(nil, 0, defaultStatic)
	f.Resources.BeginFrame(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := prog.InitReservoirs(ctx, f); err == nil {
		t.Error("InitReservoirs ignored a cancelled context")
	}
	if _, err := prog.Resample(ctx, f); err == nil {
		t.Error("Resample ignored a cancelled context")
	}
}

// =============================================================================
// Resampling
// =============================================================================

func TestTwoPixelsSelectProportionalToWeight(t *testing.T) {
	samples := []reservoir.Sample{
		surface(mgl32.Vec3{-0.5, 0, 0}, 1),
		surface(mgl32.Vec3{0.5, 0, 0}, 3),
	}
	f := newFrame(2, 1, samples)

	pool := parallel.NewWorkerPool(2)
	defer pool.Close()
	prog := NewCPUPrograms(pool, 1, defaultStatic)

	const trials = 4000
	picked := 0
	for i := range trials {
		f.Params.FrameCount = uint32(i)
		runFrame(t, prog, f)

		r := f.Resources.Write(f.Params.FrameCount).Resampled(0)
		if r.M != 2 {
			t.Fatalf("trial %d: M = %d, want 2", i, r.M)
		}
		if r.Sample.Radiance[0] == 3 {
			picked++
			if !approx(r.W, 4.0/6.0) {
				t.Fatalf("W = %v, want 2/3", r.W)
			}
		} else if !approx(r.W, 2) {
			t.Fatalf("W = %v, want 2", r.W)
		}
	}

	got := float64(picked) / trials
	if math.Abs(got-0.75) > 0.03 {
		t.Errorf("P(select neighbour) = %.3f, want 0.75", got)
	}
}

func TestBothPixelsRetrievableFromOneBucket(t *testing.T) {
	samples := []reservoir.Sample{
		surface(mgl32.Vec3{-0.5, 0, 0}, 1),
		surface(mgl32.Vec3{0.5, 0, 0}, 1),
	}
	f := newFrame(2, 1, samples)
	runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)

	grid := hashgrid.View(f.Resources.Write(0))
	entries, ok := grid.Lookup(f.Geometry.Key(samples[0].VisiblePos))
	if !ok || len(entries) != 2 {
		t.Fatalf("Lookup = %v, %v; want both pixels", entries, ok)
	}
}

func TestRejectionNeverMerges(t *testing.T) {
	tests := []struct {
		name      string
		neighbour reservoir.Sample
		check     func(CandidateStats) uint64
	}{
		{
			name: "normal",
			neighbour: func() reservoir.Sample {
				s := surface(mgl32.Vec3{0.5, 0, 0}, 1000)
				s.VisibleNormal = mgl32.Vec3{0, 0, -1}
				return s
			}(),
			check: func(c CandidateStats) uint64 { return c.RejectedNormal },
		},
		{
			name:      "depth",
			neighbour: surface(mgl32.Vec3{0, 0, -10}, 1000),
			check:     func(c CandidateStats) uint64 { return c.RejectedDepth },
		},
		{
			name: "invalid",
			neighbour: func() reservoir.Sample {
				s := surface(mgl32.Vec3{0.5, 0, 0}, 1000)
				s.Valid = false
				return s
			}(),
			check: func(c CandidateStats) uint64 { return c.RejectedInvalid },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := []reservoir.Sample{surface(mgl32.Vec3{-0.5, 0, 0}, 1), tt.neighbour}
			// The invalid neighbour still needs a primary hit to be visited.
			f := newFrame(2, 1, samples)
			f.VBuffer = []bool{true, true}
			prog := NewCPUPrograms(nil, 0, defaultStatic)

			for i := range 200 {
				f.Params.FrameCount = uint32(i)
				st := runFrame(t, prog, f)
				if tt.check(st.CurrentGrid) == 0 {
					t.Fatalf("frame %d: rejection not counted: %+v", i, st.CurrentGrid)
				}
				r := f.Resources.Write(f.Params.FrameCount).Resampled(0)
				if r.Sample.Radiance[0] == 1000 || r.M != 1 {
					t.Fatalf("frame %d: rejected candidate merged (M = %d)", i, r.M)
				}
			}
		})
	}
}

func TestForeignCellInOwnersBucketIsRejected(t *testing.T) {
	// Two buckets of unit cells: find a nearby cell sharing the bucket of
	// the cell at the origin, close enough to pass the depth test.
	geo := hashgrid.Geometry{Min: mgl32.Vec3{}, CellSize: 1, Capacity: 2}
	owner := mgl32.Vec3{0.5, 0.5, 0}
	var (
		foreign mgl32.Vec3
		found   bool
	)
	for x := -2; x <= 2 && !found; x++ {
		for y := -2; y <= 2 && !found; y++ {
			p := mgl32.Vec3{float32(x) + 0.5, float32(y) + 0.5, 0}
			if (x != 0 || y != 0) && geo.Key(p).Bucket == geo.Key(owner).Bucket {
				foreign, found = p, true
			}
		}
	}
	if !found {
		t.Fatal("no colliding cell near the origin")
	}

	samples := []reservoir.Sample{surface(owner, 1), surface(foreign, 1000)}
	f := newFrame(2, 1, samples)
	f.VBuffer = []bool{true, true}
	f.Geometry, f.PrevGeometry = geo, geo

	// The inline pool registers pixel 0 first, so its cell owns the bucket.
	st := runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)
	if st.CurrentGrid.RejectedChecksum != 1 {
		t.Errorf("CurrentGrid = %+v, want one checksum rejection", st.CurrentGrid)
	}
	if st.CurrentGrid.Accepted != 0 {
		t.Errorf("CurrentGrid.Accepted = %d, want 0", st.CurrentGrid.Accepted)
	}

	set := f.Resources.Write(0)
	if r := set.Resampled(0); r.M != 1 || r.Sample.Radiance[0] == 1000 {
		t.Errorf("owner merged the foreign cell: M = %d, radiance %v", r.M, r.Sample.Radiance)
	}
	if r := set.Resampled(1); r.M != 1 {
		t.Errorf("foreign pixel M = %d, want 1: its lookup must fail", r.M)
	}
}

func TestDepthIsDistanceFromCamera(t *testing.T) {
	// Points far off-axis: their view-space z (10) differs from their
	// camera distance (~12.8) by more than the depth threshold.
	samples := []reservoir.Sample{
		surface(mgl32.Vec3{-8, 0, 0}, 1),
		surface(mgl32.Vec3{8, 0, 0}, 1),
	}
	cam := mgl32.Vec3{0, 0, 10}
	dist := samples[0].VisiblePos.Sub(cam).Len()

	tests := []struct {
		name     string
		depth    []float32
		accepted bool
	}{
		{"camera distance", []float32{dist, dist}, true},
		{"view-space z", []float32{10, 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFrame(2, 1, samples)
			f.Depth = tt.depth
			st := runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)

			if got := st.CurrentGrid.Accepted > 0; got != tt.accepted {
				t.Errorf("accepted = %v, want %v (%+v)", got, tt.accepted, st.CurrentGrid)
			}
			if !tt.accepted && st.CurrentGrid.RejectedDepth == 0 {
				t.Errorf("want depth rejections, got %+v", st.CurrentGrid)
			}
		})
	}
}

func TestSmoothSurfacesKeepInitialReservoir(t *testing.T) {
	samples := []reservoir.Sample{
		surface(mgl32.Vec3{-0.5, 0, 0}, 1),
		surface(mgl32.Vec3{0.5, 0, 0}, 3),
	}
	samples[0].Roughness = 0.1
	samples[1].Roughness = 0.1

	f := newFrame(2, 1, samples)
	st := runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)
	if st.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", st.Skipped)
	}

	cur := f.Resources.Write(0)
	for p := range 2 {
		if *cur.Resampled(p) != *cur.Initial(p) {
			t.Errorf("pixel %d: resampled reservoir differs from initial", p)
		}
	}
}

func TestMissPixelsAreNotResampled(t *testing.T) {
	samples := []reservoir.Sample{surface(mgl32.Vec3{}, 1), surface(mgl32.Vec3{0.2, 0, 0}, 1)}
	f := newFrame(2, 1, samples)
	f.VBuffer = []bool{false, true}

	st := runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)
	if st.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", st.Skipped)
	}
}

func TestTemporalHistoryIsClamped(t *testing.T) {
	f := newFrame(1, 1, []reservoir.Sample{surface(mgl32.Vec3{}, 1)})
	prog := NewCPUPrograms(nil, 0, defaultStatic)

	var last ResampleStats
	for i := range 30 {
		f.Params.FrameCount = uint32(i)
		f.Runtime.HasHistory = i > 0
		last = runFrame(t, prog, f)

		r := f.Resources.Write(f.Params.FrameCount).Resampled(0)
		want := uint32(min(i+1, 21))
		if r.M != want {
			t.Fatalf("frame %d: M = %d, want %d", i, r.M, want)
		}
		if !approx(r.W, 1) {
			t.Fatalf("frame %d: W = %v, want 1", i, r.W)
		}
	}
	if last.Temporal.Accepted != 1 {
		t.Errorf("temporal accepted = %d, want 1", last.Temporal.Accepted)
	}
	if last.PreviousGrid.Accepted != 0 {
		t.Error("reprojected pixel must not be merged again from the previous grid")
	}
}

func TestTemporalDisabled(t *testing.T) {
	f := newFrame(1, 1, []reservoir.Sample{surface(mgl32.Vec3{}, 1)})
	f.Runtime.TemporalReuse = false
	prog := NewCPUPrograms(nil, 0, defaultStatic)

	for i := range 3 {
		f.Params.FrameCount = uint32(i)
		f.Runtime.HasHistory = i > 0
		st := runFrame(t, prog, f)
		if st.Temporal.Accepted != 0 {
			t.Fatal("temporal candidate used while disabled")
		}
	}

	// The previous grid still offers the pixel's own history.
	r := f.Resources.Write(2).Resampled(0)
	if r.M != 3 {
		t.Errorf("M = %d, want 3", r.M)
	}
}

// =============================================================================
// Final sample
// =============================================================================

func TestFinalSample(t *testing.T) {
	samples := []reservoir.Sample{surface(mgl32.Vec3{}, 2), {}}
	f := newFrame(2, 1, samples)
	f.VBuffer = []bool{true, false}
	runFrame(t, NewCPUPrograms(nil, 0, defaultStatic), f)

	got := f.Resources.Final[0]
	if !got.Valid {
		t.Fatal("final sample of a lit pixel is invalid")
	}
	if !got.Contribution.ApproxEqual(mgl32.Vec3{2, 2, 2}) {
		t.Errorf("Contribution = %v, want (2,2,2)", got.Contribution)
	}
	if f.Resources.Final[1].Valid {
		t.Error("miss pixel produced a valid final sample")
	}
}
