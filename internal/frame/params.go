// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package frame holds the per-instance parameter block shared read-only by
// every pass of a frame.
package frame

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// sceneBoundsMargin pads the scene minimum so points lying exactly on the
// bounds never produce a negative cell coordinate.
const sceneBoundsMargin = 0.1

// Params is the frame state block. It mirrors the Params uniform declared in
// every WGSL kernel and must stay in the same field order.
type Params struct {
	// FrameDim is the frame size in pixels (width, height).
	FrameDim [2]uint32

	// FrameCount is the number of completed frames of this instance.
	FrameCount uint32

	// InstanceIndex identifies the GI instance this block belongs to.
	InstanceIndex uint32

	// SceneBBMin is the padded minimum corner of the scene bounds.
	SceneBBMin mgl32.Vec3

	// CellSize is the edge length of one world-space hash grid cell.
	CellSize float32

	// FovY is the vertical field of view in radians.
	FovY float32

	// NumInstances is the number of GI instances running this frame.
	NumInstances uint32
}

// PixelCount returns width*height.
func (p Params) PixelCount() uint32 {
	return p.FrameDim[0] * p.FrameDim[1]
}

// ReadParity returns the parity of the buffers finalized by the previous frame.
func (p Params) ReadParity() uint32 {
	return ReadParity(p.FrameCount)
}

// WriteParity returns the parity of the buffers written this frame.
func (p Params) WriteParity() uint32 {
	return WriteParity(p.FrameCount)
}

// ReadParity returns frameCount % 2.
func ReadParity(frameCount uint32) uint32 { return frameCount % 2 }

// WriteParity returns (frameCount + 1) % 2.
func WriteParity(frameCount uint32) uint32 { return (frameCount + 1) % 2 }

// CellSize derives the grid cell size from the scene bounds: the largest
// extent of the bounds divided by the configured grid dimension.
func CellSize(bbMin, bbMax mgl32.Vec3, gridDimension uint32) float32 {
	if gridDimension == 0 {
		gridDimension = 1
	}
	ext := bbMax.Sub(bbMin)
	d := float32(gridDimension)
	size := max(abs32(ext[0]/d), abs32(ext[1]/d), abs32(ext[2]/d))
	if size <= 0 {
		// Degenerate bounds (single point) still need a usable cell.
		return 1
	}
	return size
}

// PaddedMin returns the scene minimum shifted by the bounds margin.
func PaddedMin(bbMin mgl32.Vec3) mgl32.Vec3 {
	return bbMin.Sub(mgl32.Vec3{sceneBoundsMargin, sceneBoundsMargin, sceneBoundsMargin})
}

// FovYFromFocalLength converts a focal length (mm) and film height (mm) into
// a vertical field of view in radians.
func FovYFromFocalLength(focalLength, frameHeight float32) float32 {
	if focalLength <= 0 {
		return 0
	}
	return 2 * float32(math.Atan(float64(0.5*frameHeight/focalLength)))
}

// SizeInBytes returns the byte size of the serialized uniform block.
// 12 words, padded to a 16-byte multiple.
func (p Params) SizeInBytes() uint64 {
	return 12 * 4
}

// ToBytes serializes p in little-endian order matching the WGSL Params struct.
func (p Params) ToBytes() []byte {
	buf := make([]byte, p.SizeInBytes())
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], p.FrameDim[0])
	le.PutUint32(buf[4:8], p.FrameDim[1])
	le.PutUint32(buf[8:12], p.FrameCount)
	le.PutUint32(buf[12:16], p.InstanceIndex)
	le.PutUint32(buf[16:20], math.Float32bits(p.SceneBBMin[0]))
	le.PutUint32(buf[20:24], math.Float32bits(p.SceneBBMin[1]))
	le.PutUint32(buf[24:28], math.Float32bits(p.SceneBBMin[2]))
	le.PutUint32(buf[28:32], math.Float32bits(p.CellSize))
	le.PutUint32(buf[32:36], math.Float32bits(p.FovY))
	le.PutUint32(buf[36:40], p.NumInstances)
	// buf[40:48] is padding.
	return buf
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
