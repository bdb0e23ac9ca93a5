// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/kernels"
	"github.com/gogpu/restir/internal/reservoir"
)

// DefaultBlockSize is the number of buckets one prefix-sum invocation
// scans.
const DefaultBlockSize = 1024

// Builder builds GPU programs on one device. The device buffers belong to
// the builder and outlive the programs, so a rebuild keeps the reservoir
// history.
type Builder struct {
	device hal.Device
	queue  hal.Queue

	// Compile turns a WGSL module into SPIR-V. nil selects naga.Compile.
	Compile func(string) ([]byte, error)

	// BlockSize is the prefix-sum block size; 0 selects DefaultBlockSize.
	BlockSize int

	mu   sync.Mutex
	bufs *deviceBuffers
}

var _ kernels.ProgramBuilder = (*Builder)(nil)

// NewBuilder creates a builder for a HAL device and queue.
func NewBuilder(device hal.Device, queue hal.Queue) *Builder {
	return &Builder{device: device, queue: queue}
}

// FromProvider creates a builder from a device provider exposing
// HalDevice() any and HalQueue() any, such as a gogpu application.
func FromProvider(provider any) (*Builder, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("restir gpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("restir gpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("restir gpu: provider HalQueue is not hal.Queue")
	}
	slogger().Info("restir gpu: using shared GPU device")
	return NewBuilder(device, queue), nil
}

func (b *Builder) compile() func(string) ([]byte, error) {
	if b.Compile != nil {
		return b.Compile
	}
	return naga.Compile
}

func (b *Builder) blockSize() uint32 {
	if b.BlockSize > 0 {
		return uint32(b.BlockSize)
	}
	return DefaultBlockSize
}

// Build compiles every stage against cfg.
func (b *Builder) Build(ctx context.Context, cfg kernels.StaticConfig) (kernels.Programs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := NewDispatcher(b.device, b.queue, b.compile())
	if err := d.Init(cfg); err != nil {
		return nil, err
	}
	return &Programs{cfg: cfg, d: d, b: b}, nil
}

// buffers returns the device buffers for the frame, reallocating them
// when the frame size or grid capacity changed.
func (b *Builder) buffers(pixels, capacity uint32) (*deviceBuffers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bs := b.blockSize()
	if b.bufs.matches(pixels, capacity, bs) {
		return b.bufs, nil
	}
	destroyBuffers(b.device, b.bufs)
	b.bufs = nil

	bufs, err := allocateBuffers(b.device, b.queue, pixels, capacity, bs)
	if err != nil {
		return nil, err
	}
	b.bufs = bufs
	return bufs, nil
}

// Close releases the device buffers. Programs built by b must not run
// afterwards.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	destroyBuffers(b.device, b.bufs)
	b.bufs = nil
}

// Programs runs the passes on the device. Reservoirs and grids stay
// device-resident; only the build and resampling counters and the final
// samples are read back.
type Programs struct {
	cfg kernels.StaticConfig
	d   *Dispatcher
	b   *Builder

	bufs *deviceBuffers
	dc   dispatchConfig

	scratch []byte
}

var _ kernels.Programs = (*Programs)(nil)

// Config returns the baked configuration.
func (p *Programs) Config() kernels.StaticConfig { return p.cfg }

// Release destroys the pipelines.
func (p *Programs) Release() { p.d.Close() }

func parities(f *kernels.Frame) (write, read int) {
	return int(frame.WriteParity(f.Params.FrameCount)), int(frame.ReadParity(f.Params.FrameCount))
}

func (p *Programs) dispatch(f *kernels.Frame, stages []stageDispatch, rb *readback) error {
	if p.bufs == nil {
		return fmt.Errorf("restir gpu: InitReservoirs must run first")
	}
	write, read := parities(f)
	return p.d.run(p.bufs, p.dc, stages, write, read, rb)
}

// InitReservoirs uploads the frame's samples, clears the write parity's
// grid and builds the initial reservoirs with the counting phase.
func (p *Programs) InitReservoirs(ctx context.Context, f *kernels.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := uint32(f.PixelCount())
	bufs, err := p.b.buffers(n, f.Geometry.Capacity)
	if err != nil {
		return err
	}
	p.bufs = bufs
	p.dc = newDispatchConfig(f, bufs.blockSize)

	p.b.queue.WriteBuffer(bufs.Samples, 0, packSamples(f))
	p.b.queue.WriteBuffer(bufs.Stats, 0, make([]byte, statsWords*4))

	return p.dispatch(f, []stageDispatch{
		{StageClearGrid, max(3*f.Geometry.Capacity, n)},
		{StageInitReservoirs, n},
	}, nil)
}

// BuildHashGrid runs the prefix sum and scatter stages and reads back the
// build counters.
func (p *Programs) BuildHashGrid(ctx context.Context, f *kernels.Frame) (hashgrid.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return hashgrid.BuildResult{}, err
	}
	blocks := p.dc.NumBlocks
	stats, err := p.readStats(f, []stageDispatch{
		{StagePrefixReduce, blocks},
		{StagePrefixScanBlocks, 1},
		{StagePrefixDownsweep, blocks},
		{StageScatter, p.dc.PixelCount},
		{StageCountCollisions, p.dc.PixelCount},
	})
	if err != nil {
		return hashgrid.BuildResult{}, err
	}
	return hashgrid.NewBuildResult(
		stats[statDropped], stats[statCollisions], stats[statOccupied], stats[statTotal], p.dc.Capacity,
	), nil
}

// Resample runs the resampling stage and reads back its counters.
func (p *Programs) Resample(ctx context.Context, f *kernels.Frame) (kernels.ResampleStats, error) {
	if err := ctx.Err(); err != nil {
		return kernels.ResampleStats{}, err
	}
	stats, err := p.readStats(f, []stageDispatch{{StageResample, p.dc.PixelCount}})
	if err != nil {
		return kernels.ResampleStats{}, err
	}
	return unpackResampleStats(stats), nil
}

// FinalSample runs the extraction stage and reads the result into the
// frame's resources.
func (p *Programs) FinalSample(ctx context.Context, f *kernels.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := int(p.dc.PixelCount)
	out := f.Resources.Final
	if len(out) < n {
		return fmt.Errorf("restir gpu: final sample buffer holds %d pixels, need %d", len(out), n)
	}
	size := uint64(n) * finalBytes
	data := p.scratchBytes(size)
	err := p.dispatch(f, []stageDispatch{{StageFinalSample, uint32(n)}}, &readback{
		src: p.bufs.Final, size: size, dst: data,
	})
	if err != nil {
		return err
	}
	unpackFinal(data, out[:n])
	return nil
}

func (p *Programs) readStats(f *kernels.Frame, stages []stageDispatch) ([statsWords]uint32, error) {
	var stats [statsWords]uint32
	if p.bufs == nil {
		return stats, fmt.Errorf("restir gpu: InitReservoirs must run first")
	}
	data := p.scratchBytes(statsWords * 4)
	if err := p.dispatch(f, stages, &readback{src: p.bufs.Stats, size: statsWords * 4, dst: data}); err != nil {
		return stats, err
	}
	for i := range stats {
		stats[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return stats, nil
}

func (p *Programs) scratchBytes(size uint64) []byte {
	if uint64(cap(p.scratch)) < size {
		p.scratch = make([]byte, size)
	}
	return p.scratch[:size]
}

// =============================================================================
// Packing
// =============================================================================

func putVec3(b []byte, v mgl32.Vec3) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(v[2]))
}

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func putBool(b []byte, v bool) {
	var u uint32
	if v {
		u = 1
	}
	binary.LittleEndian.PutUint32(b, u)
}

func getVec3(b []byte) mgl32.Vec3 {
	return mgl32.Vec3{getF32(b[0:]), getF32(b[4:]), getF32(b[8:])}
}

func getF32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// packSamples serializes every pixel's sample together with its G-buffer
// data in the layout of the WGSL Sample struct.
func packSamples(f *kernels.Frame) []byte {
	n := f.PixelCount()
	buf := make([]byte, n*sampleBytes)
	for i := range n {
		var s reservoir.Sample
		if i < len(f.Samples) {
			s = f.Samples[i]
		}
		b := buf[i*sampleBytes : (i+1)*sampleBytes]
		putVec3(b[0:], s.VisiblePos)
		putF32(b[12:], s.Roughness)
		putVec3(b[16:], s.VisibleNormal)
		putF32(b[28:], s.SourcePdf)
		putVec3(b[32:], s.SamplePos)
		putBool(b[44:], s.Valid)
		putVec3(b[48:], s.SampleNormal)
		putBool(b[60:], f.Hit(i))
		putVec3(b[64:], s.Radiance)
		putF32(b[76:], f.DepthAt(i, &s))
		putVec3(b[80:], f.NormalAt(i, &s))
	}
	return buf
}

// unpackFinal decodes WGSL FinalSample structs.
func unpackFinal(data []byte, out []reservoir.FinalSample) {
	for i := range out {
		b := data[i*finalBytes : (i+1)*finalBytes]
		out[i] = reservoir.FinalSample{
			SamplePos:    getVec3(b[0:]),
			W:            getF32(b[12:]),
			SampleNormal: getVec3(b[16:]),
			Valid:        binary.LittleEndian.Uint32(b[28:]) != 0,
			Contribution: getVec3(b[32:]),
		}
	}
}

func unpackCandidates(w []uint32) kernels.CandidateStats {
	return kernels.CandidateStats{
		Accepted:         uint64(w[0]),
		RejectedNormal:   uint64(w[1]),
		RejectedDepth:    uint64(w[2]),
		RejectedChecksum: uint64(w[3]),
		RejectedInvalid:  uint64(w[4]),
	}
}

// unpackResampleStats decodes the candidate counters of the stats buffer.
func unpackResampleStats(stats [statsWords]uint32) kernels.ResampleStats {
	const outcomes = 5
	c := stats[statCandidates:]
	return kernels.ResampleStats{
		Temporal:     unpackCandidates(c[0*outcomes:]),
		PreviousGrid: unpackCandidates(c[1*outcomes:]),
		CurrentGrid:  unpackCandidates(c[2*outcomes:]),
		Skipped:      uint64(stats[statSkipped]),
	}
}
