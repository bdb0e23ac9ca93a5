// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package restir

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/restir/internal/parallel"
)

// Output is the result of the last Execute.
type Output struct {
	FrameDim [2]uint32

	// Instances holds each instance's final samples. The slices are
	// reused by the next Execute.
	Instances [][]FinalSample

	// Average is the per-pixel contribution averaged over the instances.
	Average []mgl32.Vec3
}

// Pass drives NumInstances instances over one scene. SetOptions may be
// called from any goroutine; the other methods are serialized.
type Pass struct {
	mu sync.Mutex

	sh   *shared
	pool *parallel.WorkerPool

	scene     Scene
	instances []*Instance
	gpu       bool

	frameCount     uint32
	optionsChanged atomic.Bool
	output         Output
	closed         bool
}

// NewPass creates a pass. scene may be nil; Execute then clears the
// output until SetScene provides one.
func NewPass(scene Scene, opts Options, options ...PassOption) (*Pass, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := defaultPassConfig()
	for _, o := range options {
		o(&cfg)
	}
	p := &Pass{
		sh:   newShared(opts, cfg),
		pool: parallel.NewWorkerPool(cfg.workers),
	}
	if err := p.SetScene(scene); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// SetScene replaces the scene, resets the frame counter and recreates the
// instances.
func (p *Pass) SetScene(scene Scene) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.scene = scene
	p.frameCount = 0
	return p.createInstances()
}

// createInstances replaces the instances with NumInstances new ones.
func (p *Pass) createInstances() error {
	p.releaseInstances()
	if p.scene == nil {
		return nil
	}
	n := int(p.sh.opts.Load().NumInstances)
	insts := make([]*Instance, 0, n)
	for i := range n {
		be, err := p.sh.cfg.newBackend(i, p.pool)
		if err != nil {
			for _, inst := range insts {
				inst.Close()
			}
			return fmt.Errorf("restir: create instance %d: %w", i, err)
		}
		p.gpu = be.gpu
		insts = append(insts, newInstance(p.sh, be, p.scene, i, n))
	}
	p.instances = insts
	return nil
}

func (p *Pass) releaseInstances() {
	for _, inst := range p.instances {
		inst.Close()
	}
	p.instances = nil
	p.output.Instances = nil
}

// Options returns the current options.
func (p *Pass) Options() Options { return *p.sh.opts.Load() }

// SetOptions validates and installs o and reports the kind of change.
// Runtime changes apply at the next frame. Static changes rebuild the
// programs at the next BeginFrame; a new NumInstances recreates the
// instances at the next Execute.
func (p *Pass) SetOptions(o Options) (Change, error) {
	c, err := p.sh.setOptions(o)
	if err != nil || c == ChangeNone {
		return c, err
	}
	p.optionsChanged.Store(true)
	return c, nil
}

// OptionsChanged reports whether the options changed since the last call.
func (p *Pass) OptionsChanged() bool {
	return p.optionsChanged.Swap(false)
}

// Defines returns the define list the programs are built with.
func (p *Pass) Defines() map[string]string {
	p.mu.Lock()
	var sceneDefines map[string]string
	if p.scene != nil {
		sceneDefines = p.scene.Defines()
	}
	p.mu.Unlock()
	return StaticConfigFrom(p.Options(), sceneDefines).Defines()
}

// FrameCount returns the number of frames executed since the last
// SetScene.
func (p *Pass) FrameCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameCount
}

// Instances returns the current instances.
func (p *Pass) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.instances...)
}

// Stats returns every instance's most recent frame statistics.
func (p *Pass) Stats() []FrameStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := make([]FrameStats, len(p.instances))
	for i, inst := range p.instances {
		st[i] = inst.Stats()
	}
	return st
}

// Execute runs one frame of every instance. Without a scene it clears the
// output and returns nil.
func (p *Pass) Execute(ctx context.Context, in Inputs) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: pass closed", ErrInvalidState)
	}
	if p.scene == nil {
		p.clearOutput()
		return nil
	}
	if n := int(p.sh.opts.Load().NumInstances); n != len(p.instances) {
		if err := p.createInstances(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.gpu {
		// Instances share one device queue.
		g.SetLimit(1)
	}
	for _, inst := range p.instances {
		g.Go(func() error {
			return inst.runFrame(gctx, in)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.collectOutput(in.FrameDim)
	p.frameCount++
	return nil
}

func (p *Pass) clearOutput() {
	p.output.Instances = nil
	clear(p.output.Average)
}

func (p *Pass) collectOutput(dim [2]uint32) {
	n := int(dim[0] * dim[1])
	o := &p.output
	o.FrameDim = dim
	o.Instances = o.Instances[:0]
	if cap(o.Average) < n {
		o.Average = make([]mgl32.Vec3, n)
	}
	o.Average = o.Average[:n]
	clear(o.Average)

	for _, inst := range p.instances {
		fs := inst.FinalSamples()
		o.Instances = append(o.Instances, fs)
		for px := range min(n, len(fs)) {
			o.Average[px] = o.Average[px].Add(fs[px].Contribution)
		}
	}
	if k := len(p.instances); k > 1 {
		inv := 1 / float32(k)
		for px := range o.Average {
			o.Average[px] = o.Average[px].Mul(inv)
		}
	}
}

// Output returns the result of the last Execute. The slices are reused by
// the next Execute.
func (p *Pass) Output() Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Close releases every instance and stops the worker pool.
func (p *Pass) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.releaseInstances()
	p.pool.Close()
	p.closed = true
}
