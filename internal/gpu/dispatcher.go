// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/restir/internal/kernels"
)

// =============================================================================
// Stage
// =============================================================================

// Stage identifies one compute kernel of the ReSTIR pipeline.
type Stage int

const (
	// StageClearGrid resets the write parity's grid and cell storage.
	StageClearGrid Stage = iota

	// StageInitReservoirs builds the initial reservoirs and counts every
	// pixel into its bucket.
	StageInitReservoirs

	// StagePrefixReduce sums the bucket counters of every block.
	StagePrefixReduce

	// StagePrefixScanBlocks scans the block sums on a single invocation.
	StagePrefixScanBlocks

	// StagePrefixDownsweep writes the start offset of every bucket.
	StagePrefixDownsweep

	// StageScatter compacts pixel indices into cell storage.
	StageScatter

	// StageCountCollisions counts the distinct cells that lost their
	// bucket.
	StageCountCollisions

	// StageResample runs spatiotemporal resampling.
	StageResample

	// StageFinalSample extracts the per-pixel shading input.
	StageFinalSample

	// StageCount is the number of stages.
	StageCount
)

// String returns the shader name of the stage.
func (s Stage) String() string {
	switch s {
	case StageClearGrid:
		return "clear_grid"
	case StageInitReservoirs:
		return "init_reservoirs"
	case StagePrefixReduce:
		return "prefix_reduce"
	case StagePrefixScanBlocks:
		return "prefix_scan_blocks"
	case StagePrefixDownsweep:
		return "prefix_downsweep"
	case StageScatter:
		return "scatter"
	case StageCountCollisions:
		return "count_collisions"
	case StageResample:
		return "resample"
	case StageFinalSample:
		return "final_sample"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

const (
	workgroupSize = 256
	maxWorkgroups = 65535
	fenceTimeout  = 5 * time.Second
	minBufSize    = 4
)

// Sizes of the WGSL structs in common.wgsl.
const (
	configBytes    = 176
	sampleBytes    = 96
	reservoirBytes = 96
	appendBytes    = 12
	finalBytes     = 48
	statsWords     = 32
)

// Stats buffer layout.
const (
	statCollisions = 0
	statOccupied   = 1
	statTotal      = 2
	statSkipped    = 3
	statCandidates = 4
	statDropped    = 19
)

const (
	flagTemporalReuse = 1 << 0
	flagHasHistory    = 1 << 1
)

// =============================================================================
// dispatchConfig
// =============================================================================

// dispatchConfig is the uniform shared by every stage of one frame.
type dispatchConfig struct {
	FrameDim      [2]uint32
	FrameCount    uint32
	InstanceIndex uint32

	BBMin        mgl32.Vec3
	CellSize     float32
	PrevBBMin    mgl32.Vec3
	PrevCellSize float32

	CameraPos       mgl32.Vec3
	NormalThreshold float32
	PrevCameraPos   mgl32.Vec3
	DepthThreshold  float32
	PrevViewProj    mgl32.Mat4

	Capacity      uint32
	MaxCandidates uint32
	HistoryLimit  uint32
	Flags         uint32

	BlockSize  uint32
	NumBlocks  uint32
	PixelCount uint32
}

func newDispatchConfig(f *kernels.Frame, blockSize uint32) dispatchConfig {
	rt := f.Runtime
	var flags uint32
	if rt.TemporalReuse {
		flags |= flagTemporalReuse
	}
	if rt.HasHistory {
		flags |= flagHasHistory
	}
	capacity := f.Geometry.Capacity
	return dispatchConfig{
		FrameDim:        f.Params.FrameDim,
		FrameCount:      f.Params.FrameCount,
		InstanceIndex:   f.Params.InstanceIndex,
		BBMin:           f.Geometry.Min,
		CellSize:        f.Geometry.CellSize,
		PrevBBMin:       f.PrevGeometry.Min,
		PrevCellSize:    f.PrevGeometry.CellSize,
		CameraPos:       f.CameraPos,
		NormalThreshold: rt.NormalThreshold,
		PrevCameraPos:   f.PrevCameraPos,
		DepthThreshold:  rt.DepthThreshold,
		PrevViewProj:    f.PrevViewProj,
		Capacity:        capacity,
		MaxCandidates:   uint32(min(max(rt.MaxSpatialCandidates, 0), kernels.MaxSpatialCandidatesLimit)),
		HistoryLimit:    rt.HistoryLimit,
		Flags:           flags,
		BlockSize:       blockSize,
		NumBlocks:       (capacity + blockSize - 1) / blockSize,
		PixelCount:      uint32(f.PixelCount()),
	}
}

// toBytes serializes the config in the std140 layout of the WGSL Config
// struct.
func (c dispatchConfig) toBytes() []byte {
	buf := make([]byte, configBytes)
	le := binary.LittleEndian
	u32 := func(off int, v uint32) { le.PutUint32(buf[off:off+4], v) }
	f32 := func(off int, v float32) { le.PutUint32(buf[off:off+4], math.Float32bits(v)) }
	vec3 := func(off int, v mgl32.Vec3) {
		f32(off, v[0])
		f32(off+4, v[1])
		f32(off+8, v[2])
	}

	u32(0, c.FrameDim[0])
	u32(4, c.FrameDim[1])
	u32(8, c.FrameCount)
	u32(12, c.InstanceIndex)
	vec3(16, c.BBMin)
	f32(28, c.CellSize)
	vec3(32, c.PrevBBMin)
	f32(44, c.PrevCellSize)
	vec3(48, c.CameraPos)
	f32(60, c.NormalThreshold)
	vec3(64, c.PrevCameraPos)
	f32(76, c.DepthThreshold)
	for i, v := range c.PrevViewProj {
		f32(80+4*i, v)
	}
	u32(144, c.Capacity)
	u32(148, c.MaxCandidates)
	u32(152, c.HistoryLimit)
	u32(156, c.Flags)
	u32(160, c.BlockSize)
	u32(164, c.NumBlocks)
	u32(168, c.PixelCount)
	return buf
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher owns the compute pipelines of one static configuration and
// records stage sequences against a set of device buffers.
type Dispatcher struct {
	mu sync.RWMutex

	device hal.Device
	queue  hal.Queue

	compile func(string) ([]byte, error)

	pipelines       [StageCount]hal.ComputePipeline
	pipelineLayouts [StageCount]hal.PipelineLayout
	bgLayouts       [StageCount]hal.BindGroupLayout
	shaderModules   [StageCount]hal.ShaderModule

	initialized bool
}

// NewDispatcher creates a dispatcher. compile turns a WGSL module into
// SPIR-V bytes.
func NewDispatcher(device hal.Device, queue hal.Queue, compile func(string) ([]byte, error)) *Dispatcher {
	return &Dispatcher{device: device, queue: queue, compile: compile}
}

// stageBindGroupLayoutEntries returns the binding layout of a stage's
// shader.
func stageBindGroupLayoutEntries(stage Stage) []gputypes.BindGroupLayoutEntry {
	configUniform := gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch stage {
	case StageClearGrid:
		// grid, cell storage
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRW(1), storageRW(2)}
	case StageInitReservoirs:
		// samples, reservoirs, append, grid
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRO(1), storageRW(2), storageRW(3), storageRW(4)}
	case StagePrefixReduce:
		// grid, block sums, stats
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRO(1), storageRW(2), storageRW(3)}
	case StagePrefixScanBlocks:
		// block sums, stats
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRW(1), storageRW(2)}
	case StagePrefixDownsweep:
		// grid, block sums
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRW(1), storageRO(2)}
	case StageScatter:
		// append, grid, cell storage, stats
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRO(1), storageRW(2), storageRW(3), storageRW(4)}
	case StageCountCollisions:
		// append, grid, cell storage, stats
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRO(1), storageRO(2), storageRO(3), storageRW(4)}
	case StageResample:
		// samples, reservoirs, grid, cell storage, then the previous
		// parity's reservoirs, grid and cell storage, stats
		return []gputypes.BindGroupLayoutEntry{
			configUniform,
			storageRO(1), storageRW(2), storageRO(3), storageRO(4),
			storageRO(5), storageRO(6), storageRO(7),
			storageRW(8),
		}
	case StageFinalSample:
		// reservoirs, final samples
		return []gputypes.BindGroupLayoutEntry{configUniform, storageRO(1), storageRW(2)}
	default:
		return nil
	}
}

// Init compiles every stage against cfg and creates the compute
// pipelines. Calling Init again is a no-op.
func (d *Dispatcher) Init(cfg kernels.StaticConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	header, err := defineHeader(cfg)
	if err != nil {
		return err
	}

	for i := Stage(0); i < StageCount; i++ {
		src := stageSource(i, header)
		stageName := "restir_" + i.String()

		spirv, err := d.compile(src)
		if err != nil {
			d.destroyPartialInit(i)
			return fmt.Errorf("restir gpu: compile %s: %w", i, err)
		}

		module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  stageName,
			Source: hal.ShaderSource{SPIRV: spirvWords(spirv)},
		})
		if err != nil {
			d.destroyPartialInit(i)
			return fmt.Errorf("restir gpu: create shader module for %s: %w", i, err)
		}
		d.shaderModules[i] = module

		entries := stageBindGroupLayoutEntries(i)
		bgLayout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   stageName + "_bgl",
			Entries: entries,
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("restir gpu: create bind group layout for %s: %w", i, err)
		}
		d.bgLayouts[i] = bgLayout

		pipelineLayout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            stageName + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("restir gpu: create pipeline layout for %s: %w", i, err)
		}
		d.pipelineLayouts[i] = pipelineLayout

		pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  stageName,
			Layout: pipelineLayout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			d.destroyPartialInit(i + 1)
			return fmt.Errorf("restir gpu: create compute pipeline for %s: %w", i, err)
		}
		d.pipelines[i] = pipeline

		slogger().Debug("restir gpu: pipeline created",
			"stage", i.String(),
			"bindings", len(entries),
			"spirv_bytes", len(spirv))
	}

	slogger().Info("restir gpu: all pipelines initialized",
		"stages", int(StageCount),
		"roughness_threshold", cfg.RoughnessThreshold,
		"target_pdf", cfg.TargetPdf.String())

	d.initialized = true
	return nil
}

// spirvWords converts little-endian SPIR-V bytes to words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}

// destroyPartialInit releases the resources of stages [0, upTo) after a
// failed Init.
func (d *Dispatcher) destroyPartialInit(upTo Stage) {
	for j := Stage(0); j < upTo; j++ {
		d.destroyStage(j)
	}
}

func (d *Dispatcher) destroyStage(i Stage) {
	if d.pipelines[i] != nil {
		d.device.DestroyComputePipeline(d.pipelines[i])
		d.pipelines[i] = nil
	}
	if d.pipelineLayouts[i] != nil {
		d.device.DestroyPipelineLayout(d.pipelineLayouts[i])
		d.pipelineLayouts[i] = nil
	}
	if d.bgLayouts[i] != nil {
		d.device.DestroyBindGroupLayout(d.bgLayouts[i])
		d.bgLayouts[i] = nil
	}
	if d.shaderModules[i] != nil {
		d.device.DestroyShaderModule(d.shaderModules[i])
		d.shaderModules[i] = nil
	}
}

// Close releases all pipelines. The dispatcher must not be used afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := Stage(0); i < StageCount; i++ {
		d.destroyStage(i)
	}
	d.initialized = false
}

// workgroupCount returns the workgroups dispatched for a stage covering
// the given number of elements. Every per-element kernel strides over its
// range, so the count is capped at the dispatch limit.
func workgroupCount(stage Stage, elements uint32) uint32 {
	if elements == 0 {
		return 0
	}
	if stage == StagePrefixScanBlocks {
		return 1
	}
	return min((elements+workgroupSize-1)/workgroupSize, maxWorkgroups)
}

// =============================================================================
// Buffers
// =============================================================================

// setBuffers is one parity of the double-buffered state.
type setBuffers struct {
	// Reservoirs holds 2N reservoirs: initial at [p], resampled at [N+p].
	Reservoirs hal.Buffer

	// Grid holds the bucket counters, offsets and checksums back to back.
	Grid hal.Buffer

	// Storage holds the compacted pixel indices.
	Storage hal.Buffer
}

// deviceBuffers holds every buffer the stages bind.
type deviceBuffers struct {
	Config    hal.Buffer
	Samples   hal.Buffer
	Append    hal.Buffer
	BlockSums hal.Buffer
	Stats     hal.Buffer
	Final     hal.Buffer
	Staging   hal.Buffer

	Sets [2]setBuffers

	pixels    uint32
	capacity  uint32
	blockSize uint32
}

func (b *deviceBuffers) matches(pixels, capacity, blockSize uint32) bool {
	return b != nil && b.pixels == pixels && b.capacity == capacity && b.blockSize == blockSize
}

func createBuffer(device hal.Device, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	if size < minBufSize {
		size = minBufSize
	}
	return device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
}

// allocateBuffers creates the buffers for a frame size and grid capacity.
// Atomic and history buffers start zeroed, so a fresh allocation has no
// usable history.
func allocateBuffers(device hal.Device, queue hal.Queue, pixels, capacity, blockSize uint32) (*deviceBuffers, error) {
	n := uint64(pixels)
	blocks := uint64((capacity + blockSize - 1) / blockSize)
	bufs := &deviceBuffers{pixels: pixels, capacity: capacity, blockSize: blockSize}

	storageCPU := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	storageGPU := gputypes.BufferUsageStorage
	storageOut := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	uniformCPU := gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	staging := gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst

	specs := []struct {
		target   *hal.Buffer
		label    string
		size     uint64
		usage    gputypes.BufferUsage
		zeroInit bool
	}{
		{&bufs.Config, "restir_config", configBytes, uniformCPU, false},
		{&bufs.Samples, "restir_samples", n * sampleBytes, storageCPU, false},
		{&bufs.Append, "restir_append", n * appendBytes, storageGPU, false},
		{&bufs.BlockSums, "restir_block_sums", blocks * 4, storageGPU, false},
		{&bufs.Stats, "restir_stats", statsWords * 4, storageOut, true},
		{&bufs.Final, "restir_final", n * finalBytes, storageOut, true},
		{&bufs.Staging, "restir_staging", max(n*finalBytes, statsWords*4), staging, false},
		{&bufs.Sets[0].Reservoirs, "restir_reservoirs_0", 2 * n * reservoirBytes, storageCPU, true},
		{&bufs.Sets[1].Reservoirs, "restir_reservoirs_1", 2 * n * reservoirBytes, storageCPU, true},
		{&bufs.Sets[0].Grid, "restir_grid_0", 3 * uint64(capacity) * 4, storageCPU, true},
		{&bufs.Sets[1].Grid, "restir_grid_1", 3 * uint64(capacity) * 4, storageCPU, true},
		{&bufs.Sets[0].Storage, "restir_storage_0", n * 4, storageCPU, false},
		{&bufs.Sets[1].Storage, "restir_storage_1", n * 4, storageCPU, false},
	}

	for _, s := range specs {
		buf, err := createBuffer(device, s.label, s.size, s.usage)
		if err != nil {
			destroyBuffers(device, bufs)
			return nil, fmt.Errorf("restir gpu: create %s buffer: %w", s.label, err)
		}
		*s.target = buf

		if s.zeroInit && s.size > 0 {
			queue.WriteBuffer(buf, 0, make([]byte, s.size))
		}
	}

	slogger().Debug("restir gpu: buffers allocated",
		"pixels", pixels,
		"capacity", capacity,
		"blocks", blocks)
	return bufs, nil
}

// destroyBuffers releases every buffer in bufs.
func destroyBuffers(device hal.Device, bufs *deviceBuffers) {
	if bufs == nil {
		return
	}
	destroy := func(b hal.Buffer) {
		if b != nil {
			device.DestroyBuffer(b)
		}
	}
	destroy(bufs.Config)
	destroy(bufs.Samples)
	destroy(bufs.Append)
	destroy(bufs.BlockSums)
	destroy(bufs.Stats)
	destroy(bufs.Final)
	destroy(bufs.Staging)
	for _, s := range bufs.Sets {
		destroy(s.Reservoirs)
		destroy(s.Grid)
		destroy(s.Storage)
	}
	*bufs = deviceBuffers{}
}

// stageBindGroupEntries maps a stage's bindings to buffers. write is the
// parity this frame writes, read the parity holding the previous frame.
func stageBindGroupEntries(stage Stage, bufs *deviceBuffers, write, read int) []gputypes.BindGroupEntry {
	entry := func(binding uint32, buf hal.Buffer) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{
			Binding: binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0,
			},
		}
	}
	cur, prev := &bufs.Sets[write], &bufs.Sets[read]

	switch stage {
	case StageClearGrid:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, cur.Grid), entry(2, cur.Storage),
		}
	case StageInitReservoirs:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, bufs.Samples), entry(2, cur.Reservoirs),
			entry(3, bufs.Append), entry(4, cur.Grid),
		}
	case StagePrefixReduce:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, cur.Grid), entry(2, bufs.BlockSums), entry(3, bufs.Stats),
		}
	case StagePrefixScanBlocks:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, bufs.BlockSums), entry(2, bufs.Stats),
		}
	case StagePrefixDownsweep:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, cur.Grid), entry(2, bufs.BlockSums),
		}
	case StageScatter, StageCountCollisions:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, bufs.Append), entry(2, cur.Grid),
			entry(3, cur.Storage), entry(4, bufs.Stats),
		}
	case StageResample:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config),
			entry(1, bufs.Samples), entry(2, cur.Reservoirs), entry(3, cur.Grid), entry(4, cur.Storage),
			entry(5, prev.Reservoirs), entry(6, prev.Grid), entry(7, prev.Storage),
			entry(8, bufs.Stats),
		}
	case StageFinalSample:
		return []gputypes.BindGroupEntry{
			entry(0, bufs.Config), entry(1, cur.Reservoirs), entry(2, bufs.Final),
		}
	default:
		return nil
	}
}

// =============================================================================
// Dispatch
// =============================================================================

// stageDispatch holds the parameters of one stage dispatch.
type stageDispatch struct {
	stage    Stage
	elements uint32
}

// readback copies size bytes of src into dst after the stages complete.
type readback struct {
	src  hal.Buffer
	size uint64
	dst  []byte
}

// dispatchResources tracks per-dispatch GPU resources for cleanup.
type dispatchResources struct {
	device     hal.Device
	bindGroups []hal.BindGroup
	cmdBuf     hal.CommandBuffer
	fence      hal.Fence
}

func (r *dispatchResources) cleanup() {
	if r.fence != nil {
		r.device.DestroyFence(r.fence)
	}
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
	}
	for _, g := range r.bindGroups {
		r.device.DestroyBindGroup(g)
	}
}

// run uploads cfg, records stages in order into one command buffer,
// submits it and waits. When rb is set its source is copied to the
// staging buffer and read back after completion.
func (d *Dispatcher) run(bufs *deviceBuffers, cfg dispatchConfig, stages []stageDispatch, write, read int, rb *readback) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return fmt.Errorf("restir gpu: dispatcher not initialized, call Init() first")
	}
	if bufs == nil {
		return fmt.Errorf("restir gpu: buffers must not be nil")
	}

	d.queue.WriteBuffer(bufs.Config, 0, cfg.toBytes())

	res := &dispatchResources{device: d.device}
	defer res.cleanup()

	if err := d.encodeComputeStages(res, bufs, stages, write, read, rb); err != nil {
		return err
	}
	if err := d.submitAndWait(res); err != nil {
		return err
	}

	if rb != nil {
		if err := d.queue.ReadBuffer(bufs.Staging, 0, rb.dst[:rb.size]); err != nil {
			return fmt.Errorf("restir gpu: readback: %w", err)
		}
	}
	return nil
}

// encodeComputeStages records the compute passes into a command buffer.
func (d *Dispatcher) encodeComputeStages(
	res *dispatchResources,
	bufs *deviceBuffers,
	stages []stageDispatch,
	write, read int,
	rb *readback,
) error {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "restir_compute",
	})
	if err != nil {
		return fmt.Errorf("restir gpu: create command encoder: %w", err)
	}

	if err := encoder.BeginEncoding("restir_compute"); err != nil {
		return fmt.Errorf("restir gpu: begin encoding: %w", err)
	}

	for _, sd := range stages {
		wgCount := workgroupCount(sd.stage, sd.elements)
		if wgCount == 0 {
			continue
		}

		bg, bgErr := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("restir_%s_bg", sd.stage),
			Layout:  d.bgLayouts[sd.stage],
			Entries: stageBindGroupEntries(sd.stage, bufs, write, read),
		})
		if bgErr != nil {
			encoder.DiscardEncoding()
			return fmt.Errorf("restir gpu: create bind group for %s: %w", sd.stage, bgErr)
		}
		res.bindGroups = append(res.bindGroups, bg)

		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{
			Label: fmt.Sprintf("restir_%s", sd.stage),
		})
		pass.SetPipeline(d.pipelines[sd.stage])
		pass.SetBindGroup(0, bg, nil)
		pass.Dispatch(wgCount, 1, 1)
		pass.End()

		slogger().Debug("restir gpu: dispatched stage",
			"stage", sd.stage.String(),
			"elements", sd.elements,
			"workgroups", wgCount)
	}

	if rb != nil {
		encoder.CopyBufferToBuffer(rb.src, bufs.Staging, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: rb.size},
		})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("restir gpu: end encoding: %w", err)
	}
	res.cmdBuf = cmdBuf
	return nil
}

// submitAndWait submits the command buffer and waits for completion.
func (d *Dispatcher) submitAndWait(res *dispatchResources) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("restir gpu: create fence: %w", err)
	}
	res.fence = fence

	if err := d.queue.Submit([]hal.CommandBuffer{res.cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("restir gpu: submit: %w", err)
	}

	ok, err := d.device.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("restir gpu: wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("restir gpu: GPU timeout after %v", fenceTimeout)
	}
	return nil
}
