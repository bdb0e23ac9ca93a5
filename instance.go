// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package restir

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/kernels"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/telemetry"
)

// shared is the state every instance of a pass reads. Options are replaced
// atomically; generation is bumped after every static change and is the
// signal instances rebuild their programs on.
type shared struct {
	opts       atomic.Pointer[Options]
	generation atomic.Uint64

	cfg    passConfig
	rec    *telemetry.Recorder
	tracer *telemetry.Tracer
}

func newShared(opts Options, cfg passConfig) *shared {
	sh := &shared{cfg: cfg, tracer: telemetry.NewTracer(cfg.tracer)}
	if cfg.registerer != nil {
		sh.rec = telemetry.NewRecorder(cfg.registerer)
	}
	sh.opts.Store(&opts)
	return sh
}

// frameState is the position of an instance in its frame lifecycle.
type frameState uint8

const (
	stateIdle frameState = iota
	stateBegun
	stateInitialized
	stateGridBuilt
	stateResampled
	stateShaded
)

func (s frameState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateBegun:
		return "Begun"
	case stateInitialized:
		return "Initialized"
	case stateGridBuilt:
		return "GridBuilt"
	case stateResampled:
		return "Resampled"
	case stateShaded:
		return "Shaded"
	default:
		return fmt.Sprintf("frameState(%d)", uint8(s))
	}
}

// FrameStats summarizes the most recent frame of one instance.
type FrameStats struct {
	Instance int
	Frame    uint32

	// Reallocated is set when the frame size changed the buffers.
	Reallocated bool

	Build    BuildResult
	Resample ResampleStats
}

// Instance is one independent GI estimator with its own reservoirs, grids
// and random stream. An Instance is not safe for concurrent use.
type Instance struct {
	index, count int
	scene        Scene
	sh           *shared
	be           backend

	// pool is set when the instance owns its worker pool.
	pool *parallel.WorkerPool

	programs   kernels.Programs
	generation uint64

	state      frameState
	frameCount uint32
	params     frame.Params
	runtime    kernels.RuntimeConfig

	geometry      hashgrid.Geometry
	prevGeometry  hashgrid.Geometry
	prevCameraPos mgl32.Vec3
	prevViewProj  mgl32.Mat4
	hasHistory    bool

	reconnection []ReconnectionData
	stats        FrameStats
}

// NewInstance creates a standalone instance with its own worker pool.
// Use Pass to run several instances over the same scene.
func NewInstance(scene Scene, opts Options, options ...PassOption) (*Instance, error) {
	if scene == nil {
		return nil, ErrNoScene
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := defaultPassConfig()
	for _, o := range options {
		o(&cfg)
	}
	pool := parallel.NewWorkerPool(cfg.workers)
	sh := newShared(opts, cfg)

	be, err := cfg.newBackend(0, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	inst := newInstance(sh, be, scene, 0, 1)
	inst.pool = pool
	return inst, nil
}

func newInstance(sh *shared, be backend, scene Scene, index, count int) *Instance {
	Logger().Info("restir: instance created",
		"instance", index, "instances", count, "gpu", be.gpu, "gridCapacity", be.res.Capacity())
	return &Instance{
		index: index,
		count: count,
		scene: scene,
		sh:    sh,
		be:    be,
	}
}

// Index returns the instance's position within its pass.
func (i *Instance) Index() int { return i.index }

// FrameCount returns the number of completed frames.
func (i *Instance) FrameCount() uint32 { return i.frameCount }

// Stats returns the statistics of the most recent frame.
func (i *Instance) Stats() FrameStats { return i.stats }

// FinalSamples returns the output of the last completed Update. The slice
// is reused by the next frame.
func (i *Instance) FinalSamples() []FinalSample {
	n := i.be.res.PixelCount()
	return i.be.res.Final[:n]
}

// ReconnectionData returns the reconnection data passed to the last
// Update.
func (i *Instance) ReconnectionData() []ReconnectionData { return i.reconnection }

// Options returns the options the instance reads.
func (i *Instance) Options() Options { return *i.sh.opts.Load() }

// SetOptions replaces the options of a standalone instance and reports the
// kind of change. Static changes rebuild the programs at the next
// BeginFrame. NumInstances is ignored by a standalone instance.
func (i *Instance) SetOptions(o Options) (Change, error) {
	return i.sh.setOptions(o)
}

func (sh *shared) setOptions(o Options) (Change, error) {
	if err := o.Validate(); err != nil {
		return ChangeNone, err
	}
	c := sh.opts.Load().Diff(o)
	if c == ChangeNone {
		return c, nil
	}
	sh.opts.Store(&o)
	if c.Has(ChangeStatic) {
		sh.generation.Add(1)
	}
	Logger().Debug("restir: options changed", "change", c.String())
	return c, nil
}

// rebuild builds programs for the current static options.
func (i *Instance) rebuild(ctx context.Context, opts *Options, gen uint64) error {
	cfg := StaticConfigFrom(*opts, i.scene.Defines())
	if i.programs != nil && i.programs.Config().Equal(cfg) {
		i.generation = gen
		return nil
	}
	p, err := i.be.builder.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("restir: build programs: %w", err)
	}
	if i.programs != nil {
		i.programs.Release()
		i.sh.rec.ProgramRebuilt()
	}
	i.programs = p
	i.generation = gen
	Logger().Info("restir: programs built",
		"instance", i.index, "roughnessThreshold", cfg.RoughnessThreshold, "targetPdf", cfg.TargetPdf.String())
	return nil
}

// BeginFrame prepares a frame of the given size: it rebuilds stale
// programs, sizes and clears the write parity and fills the frame
// parameters from the scene.
func (i *Instance) BeginFrame(ctx context.Context, dim [2]uint32) error {
	if i.state != stateIdle {
		return fmt.Errorf("%w: BeginFrame in state %s", ErrInvalidState, i.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	gen := i.sh.generation.Load()
	opts := i.sh.opts.Load()
	if i.programs == nil || gen != i.generation {
		if err := i.rebuild(ctx, opts, gen); err != nil {
			return err
		}
	}

	res := i.be.res
	n := int(dim[0] * dim[1])
	realloc := res.BeginFrame(n, i.frameCount)
	if realloc {
		Logger().Debug("restir: buffers allocated",
			"instance", i.index, "pixels", n, "bytes", res.Bytes())
		// History indexes pixels of the previous resolution.
		i.hasHistory = false
	}

	cam := i.scene.Camera()
	b := i.scene.Bounds()
	i.params = frame.Params{
		FrameDim:      dim,
		FrameCount:    i.frameCount,
		InstanceIndex: uint32(i.index),
		SceneBBMin:    frame.PaddedMin(b.Min),
		CellSize:      frame.CellSize(b.Min, b.Max, opts.SceneGridDimension),
		FovY:          frame.FovYFromFocalLength(cam.FocalLength(), cam.FrameHeight()),
		NumInstances:  uint32(i.count),
	}
	i.geometry = hashgrid.NewGeometry(i.params, res.Capacity())
	if !i.hasHistory {
		i.prevGeometry = i.geometry
		i.prevCameraPos = cam.Position()
		i.prevViewProj = cam.ViewProjNoJitter()
	}

	cfg := i.sh.cfg
	i.runtime = kernels.RuntimeConfig{
		NormalThreshold:      opts.NormalThreshold,
		DepthThreshold:       opts.DepthThreshold,
		MaxSpatialCandidates: cfg.maxSpatialCandidates,
		HistoryLimit:         cfg.historyLimit,
		TemporalReuse:        cfg.temporalReuse,
		HasHistory:           i.hasHistory,
	}
	i.stats = FrameStats{Instance: i.index, Frame: i.frameCount, Reallocated: realloc}
	i.state = stateBegun
	return nil
}

// Update runs the four passes over in. A cancelled ctx abandons the frame
// between passes and returns the instance to Idle.
func (i *Instance) Update(ctx context.Context, in Inputs) error {
	if i.state != stateBegun {
		return fmt.Errorf("%w: Update in state %s", ErrInvalidState, i.state)
	}

	f := &kernels.Frame{
		Params:        i.params,
		Geometry:      i.geometry,
		PrevGeometry:  i.prevGeometry,
		Resources:     i.be.res,
		Samples:       in.InitialSamples,
		Depth:         in.Depth,
		Normal:        in.Normal,
		VBuffer:       in.VBuffer,
		CameraPos:     i.scene.Camera().Position(),
		PrevCameraPos: i.prevCameraPos,
		PrevViewProj:  i.prevViewProj,
		Runtime:       i.runtime,
	}
	i.reconnection = in.ReconnectionData
	prog := i.programs

	err := i.runPass(ctx, telemetry.PassInitReservoir, func(ctx context.Context) error {
		return prog.InitReservoirs(ctx, f)
	})
	if err != nil {
		return err
	}
	i.state = stateInitialized

	err = i.runPass(ctx, telemetry.PassBuildHashGrid, func(ctx context.Context) error {
		res, err := prog.BuildHashGrid(ctx, f)
		if err != nil {
			return err
		}
		i.observeBuild(res)
		return nil
	})
	if err != nil {
		return err
	}
	i.state = stateGridBuilt

	err = i.runPass(ctx, telemetry.PassResample, func(ctx context.Context) error {
		st, err := prog.Resample(ctx, f)
		if err != nil {
			return err
		}
		i.stats.Resample = st
		i.sh.rec.ObserveResample(st)
		return nil
	})
	if err != nil {
		return err
	}
	i.state = stateResampled

	err = i.runPass(ctx, telemetry.PassFinalSample, func(ctx context.Context) error {
		return prog.FinalSample(ctx, f)
	})
	if err != nil {
		return err
	}
	i.state = stateShaded
	return nil
}

func (i *Instance) runPass(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := i.sh.tracer.StartPass(ctx, name, i.index, i.frameCount)
	start := time.Now()
	err := fn(ctx)
	i.sh.rec.ObservePass(name, time.Since(start))
	telemetry.EndPass(span, err)
	if err != nil {
		i.state = stateIdle
		return fmt.Errorf("restir: %s: %w", name, err)
	}
	return nil
}

func (i *Instance) observeBuild(res BuildResult) {
	i.stats.Build = res
	i.sh.rec.ObserveBuild(res)
	if res.Status == hashgrid.BuildCapacityExceeded {
		Logger().Warn("restir: hash grid capacity exceeded",
			"instance", i.index, "frame", i.frameCount,
			"collisions", res.Collisions, "occupied", res.OccupiedBuckets)
	}
	if res.Dropped > 0 {
		Logger().Warn("restir: grid entries dropped", "instance", i.index, "dropped", res.Dropped)
	}
}

// EndFrame records the camera for the next frame's reprojection and
// advances the frame counter.
func (i *Instance) EndFrame(_ context.Context) error {
	if i.state != stateShaded {
		return fmt.Errorf("%w: EndFrame in state %s", ErrInvalidState, i.state)
	}
	cam := i.scene.Camera()
	i.prevCameraPos = cam.Position()
	i.prevViewProj = cam.ViewProjNoJitter()
	i.prevGeometry = i.geometry
	i.hasHistory = true
	i.frameCount++
	i.sh.rec.FrameDone()
	i.state = stateIdle
	return nil
}

// runFrame runs BeginFrame, Update and EndFrame.
func (i *Instance) runFrame(ctx context.Context, in Inputs) error {
	if err := i.BeginFrame(ctx, in.FrameDim); err != nil {
		return err
	}
	if err := i.Update(ctx, in); err != nil {
		return err
	}
	return i.EndFrame(ctx)
}

// Close releases the programs and any device buffers.
func (i *Instance) Close() {
	if i.programs != nil {
		i.programs.Release()
		i.programs = nil
	}
	i.be.close()
	if i.pool != nil {
		i.pool.Close()
		i.pool = nil
	}
	i.state = stateIdle
}
