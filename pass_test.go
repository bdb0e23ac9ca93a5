package restir

import (
	"context"
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gogpu/restir/internal/kernels"
)

func newTestPass(t *testing.T, scene Scene, opts Options, options ...PassOption) *Pass {
	t.Helper()
	base := []PassOption{WithWorkers(2), WithGridCapacity(testCapacity)}
	p, err := NewPass(scene, opts, append(base, options...)...)
	if err != nil {
		t.Fatalf("NewPass: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// gatherValue returns the summed value of a counter family.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var v float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue()
		}
	}
	return v
}

// =============================================================================
// Scene handling
// =============================================================================

func TestExecuteWithoutSceneClearsOutput(t *testing.T) {
	p := newTestPass(t, testScene(), testOptions())
	ctx := context.Background()

	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out := p.Output(); out.Average[0] == (mgl32.Vec3{}) {
		t.Fatal("lit frame produced a black average")
	}

	if err := p.SetScene(nil); err != nil {
		t.Fatalf("SetScene(nil): %v", err)
	}
	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Errorf("Execute without scene = %v, want nil", err)
	}
	out := p.Output()
	if out.Instances != nil {
		t.Error("Instances not cleared")
	}
	for px, c := range out.Average {
		if c != (mgl32.Vec3{}) {
			t.Errorf("pixel %d: Average = %v, want zero", px, c)
		}
	}
}

func TestNewPassAcceptsNilScene(t *testing.T) {
	p := newTestPass(t, nil, DefaultOptions())
	if len(p.Instances()) != 0 {
		t.Error("instances created without a scene")
	}
	if err := p.Execute(context.Background(), Inputs{}); err != nil {
		t.Errorf("Execute = %v, want nil", err)
	}
}

func TestSetSceneResetsFrameCount(t *testing.T) {
	p := newTestPass(t, testScene(), testOptions())
	ctx := context.Background()
	for range 3 {
		if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if p.FrameCount() != 3 {
		t.Fatalf("FrameCount = %d, want 3", p.FrameCount())
	}
	old := p.Instances()[0]

	if err := p.SetScene(testScene()); err != nil {
		t.Fatalf("SetScene: %v", err)
	}
	if p.FrameCount() != 0 {
		t.Errorf("FrameCount = %d after SetScene, want 0", p.FrameCount())
	}
	if p.Instances()[0] == old {
		t.Error("SetScene kept the old instance")
	}
	if p.Instances()[0].FrameCount() != 0 {
		t.Error("new instance starts with history")
	}
}

// =============================================================================
// Instances
// =============================================================================

func TestExecuteRunsEveryInstance(t *testing.T) {
	o := testOptions()
	o.NumInstances = 3
	p := newTestPass(t, testScene(), o)

	if err := p.Execute(context.Background(), twoPixelInputs(2)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	out := p.Output()
	if len(out.Instances) != 3 {
		t.Fatalf("len(Instances) = %d, want 3", len(out.Instances))
	}
	if out.FrameDim != [2]uint32{2, 1} || len(out.Average) != 2 {
		t.Fatalf("Output dim = %v, len(Average) = %d", out.FrameDim, len(out.Average))
	}
	for px, c := range out.Average {
		if !near(c[0], 2) {
			t.Errorf("pixel %d: Average = %v, want (2,2,2)", px, c)
		}
	}
	for i, st := range p.Stats() {
		if st.Instance != i || st.Build.Total != 2 {
			t.Errorf("instance %d stats = %+v", i, st)
		}
	}
	for i, inst := range p.Instances() {
		if inst.params.InstanceIndex != uint32(i) || inst.params.NumInstances != 3 {
			t.Errorf("instance %d params = %+v", i, inst.params)
		}
	}
}

func TestInstanceCountChangeRecreatesInstances(t *testing.T) {
	p := newTestPass(t, testScene(), testOptions())
	ctx := context.Background()
	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	o := p.Options()
	o.NumInstances = 2
	c, err := p.SetOptions(o)
	if err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if c != ChangeInstances {
		t.Errorf("change = %s, want instances", c)
	}
	if len(p.Instances()) != 1 {
		t.Error("instances recreated before the next Execute")
	}
	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(p.Output().Instances) != 2 {
		t.Errorf("len(Instances) = %d, want 2", len(p.Output().Instances))
	}
}

// =============================================================================
// Options
// =============================================================================

func TestOptionsChangedIsReadOnce(t *testing.T) {
	p := newTestPass(t, testScene(), testOptions())
	if p.OptionsChanged() {
		t.Error("OptionsChanged set before any change")
	}

	o := p.Options()
	o.DepthThreshold = 0.3
	if _, err := p.SetOptions(o); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if !p.OptionsChanged() {
		t.Error("OptionsChanged not set after a change")
	}
	if p.OptionsChanged() {
		t.Error("OptionsChanged not cleared by the first read")
	}

	if c, _ := p.SetOptions(o); c != ChangeNone {
		t.Errorf("identical options change = %s, want none", c)
	}
	if p.OptionsChanged() {
		t.Error("identical options latched OptionsChanged")
	}
}

func TestSetOptionsRejectsInvalid(t *testing.T) {
	p := newTestPass(t, testScene(), testOptions())
	o := p.Options()
	o.NumInstances = 7
	if _, err := p.SetOptions(o); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("error = %v, want ErrInvalidOptions", err)
	}
	if p.Options().NumInstances != 1 {
		t.Error("invalid options were installed")
	}
}

func TestStaticChangeRebuildsEveryInstance(t *testing.T) {
	builders := map[int]*countingBuilder{}
	o := testOptions()
	o.NumInstances = 2
	p := newTestPass(t, testScene(), o, func(c *passConfig) {
		c.newBuilder = func(i int) (kernels.ProgramBuilder, error) {
			b := &countingBuilder{}
			builders[i] = b
			return b, nil
		}
	})
	ctx := context.Background()
	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	o.TargetPdf = OutgoingRadiance
	if _, err := p.SetOptions(o); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i, b := range builders {
		if b.builds != 2 || b.last.TargetPdf != OutgoingRadiance {
			t.Errorf("instance %d: builds = %d, last = %+v", i, b.builds, b.last)
		}
	}
}

func TestDefines(t *testing.T) {
	scene := testScene()
	scene.SceneDefines = map[string]string{"USE_ENV_LIGHT": "1"}
	p := newTestPass(t, scene, testOptions())

	d := p.Defines()
	for _, name := range []string{"GI_ROUGHNESS_THRESHOLD", "GI_TARGET_PDF", "USE_ENV_LIGHT"} {
		if _, ok := d[name]; !ok {
			t.Errorf("Defines() missing %s: %v", name, d)
		}
	}
	if d["GI_TARGET_PDF"] != "0" {
		t.Errorf("GI_TARGET_PDF = %q, want 0", d["GI_TARGET_PDF"])
	}
}

// =============================================================================
// Telemetry
// =============================================================================

func TestPassRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := testOptions()
	o.NumInstances = 2
	p := newTestPass(t, testScene(), o, WithMetrics(reg))

	ctx := context.Background()
	for range 2 {
		if err := p.Execute(ctx, twoPixelInputs(1)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if got := gatherValue(t, reg, "restir_frames_total"); got != 4 {
		t.Errorf("restir_frames_total = %v, want 4", got)
	}
	if got := gatherValue(t, reg, "restir_candidates_total"); got == 0 {
		t.Error("restir_candidates_total not recorded")
	}
}

func TestPassEmitsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p := newTestPass(t, testScene(), testOptions(), WithTracerProvider(tp))
	if err := p.Execute(context.Background(), twoPixelInputs(1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{
		"WorldSpaceReSTIR.InitReservoir",
		"WorldSpaceReSTIR.BuildHashGrid",
		"WorldSpaceReSTIR.Resample",
		"WorldSpaceReSTIR.FinalSample",
	}
	ended := rec.Ended()
	if len(ended) != len(want) {
		t.Fatalf("got %d spans, want %d", len(ended), len(want))
	}
	for i, s := range ended {
		if s.Name() != want[i] {
			t.Errorf("span %d = %q, want %q", i, s.Name(), want[i])
		}
	}
}

func TestExecuteAfterClose(t *testing.T) {
	p, err := NewPass(testScene(), testOptions(), WithGridCapacity(testCapacity))
	if err != nil {
		t.Fatalf("NewPass: %v", err)
	}
	p.Close()
	p.Close()
	if err := p.Execute(context.Background(), twoPixelInputs(1)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Execute after Close = %v, want ErrInvalidState", err)
	}
}
