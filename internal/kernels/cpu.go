package kernels

import (
	"context"
	"sync"

	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/reservoir"
	"github.com/gogpu/restir/internal/resources"
)

// CPUBuilder builds programs that run on a worker pool.
type CPUBuilder struct {
	Pool *parallel.WorkerPool

	// Chunk is the number of pixels per work item; 0 selects
	// parallel.DefaultChunk.
	Chunk int
}

var _ ProgramBuilder = (*CPUBuilder)(nil)

// Build bakes cfg into a new set of CPU programs.
func (b *CPUBuilder) Build(_ context.Context, cfg StaticConfig) (Programs, error) {
	return NewCPUPrograms(b.Pool, b.Chunk, cfg), nil
}

// CPUPrograms runs the passes with parallel.Dispatch. The static
// configuration is copied at construction and never changes.
type CPUPrograms struct {
	cfg     StaticConfig
	pool    *parallel.WorkerPool
	chunk   int
	builder *hashgrid.Builder
}

var _ Programs = (*CPUPrograms)(nil)

// NewCPUPrograms creates CPU programs for cfg.
func NewCPUPrograms(pool *parallel.WorkerPool, chunk int, cfg StaticConfig) *CPUPrograms {
	if chunk <= 0 {
		chunk = parallel.DefaultChunk
	}
	return &CPUPrograms{
		cfg:     cfg,
		pool:    pool,
		chunk:   chunk,
		builder: hashgrid.NewBuilder(pool),
	}
}

// Config returns the baked configuration.
func (c *CPUPrograms) Config() StaticConfig { return c.cfg }

// Release is a no-op for CPU programs.
func (c *CPUPrograms) Release() {}

// InitReservoirs turns every pixel's sample into a single-candidate
// reservoir at the write parity's initial slot and registers it with the
// grid counting phase. Every pixel produces exactly one reservoir and one
// append entry, valid or not.
func (c *CPUPrograms) InitReservoirs(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := f.Resources
	cur := m.Write(f.Params.FrameCount)
	mode := c.cfg.TargetPdf

	parallel.Dispatch(c.pool, f.PixelCount(), c.chunk, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			var s reservoir.Sample
			if p < len(f.Samples) {
				s = f.Samples[p]
			}
			cur.Reservoirs[p] = reservoir.Initial(s, mode)

			k := f.Geometry.Key(s.VisiblePos)
			e := resources.AppendEntry{Bucket: k.Bucket, Checksum: k.Checksum, Payload: uint32(p)}
			m.Append[p] = e
			hashgrid.Register(cur.Counter, cur.Checksum, e)
		}
	})
	return nil
}

// BuildHashGrid runs the prefix sum and scatter phases over the entries
// registered by InitReservoirs.
func (c *CPUPrograms) BuildHashGrid(ctx context.Context, f *Frame) (hashgrid.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return hashgrid.BuildResult{}, err
	}
	m := f.Resources
	cur := m.Write(f.Params.FrameCount)
	return c.builder.Build(cur, m.Append[:f.PixelCount()]), nil
}

// Resample merges every pixel's reservoir with its temporal and world-space
// neighbours.
func (c *CPUPrograms) Resample(ctx context.Context, f *Frame) (ResampleStats, error) {
	if err := ctx.Err(); err != nil {
		return ResampleStats{}, err
	}
	r := newResampler(c.cfg, f)

	var (
		mu    sync.Mutex
		total ResampleStats
	)
	parallel.Dispatch(c.pool, f.PixelCount(), c.chunk, func(lo, hi int) {
		var local ResampleStats
		sc := r.newScratch()
		for p := lo; p < hi; p++ {
			r.pixel(p, sc, &local)
		}
		mu.Lock()
		total.Add(local)
		mu.Unlock()
	})
	return total, nil
}

// FinalSample extracts the shading input of every pixel.
func (c *CPUPrograms) FinalSample(ctx context.Context, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := f.Resources
	cur := m.Write(f.Params.FrameCount)

	parallel.Dispatch(c.pool, f.PixelCount(), c.chunk, func(lo, hi int) {
		for p := lo; p < hi; p++ {
			m.Final[p] = cur.Resampled(p).Final()
		}
	})
	return nil
}
