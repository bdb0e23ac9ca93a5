// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package resources owns every per-frame buffer of one GI instance: the
// double-buffered reservoir and hash-grid sets plus the single-buffered
// append and final-sample scratch.
package resources

import (
	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/reservoir"
)

// EmptySlot marks an unused cell-storage slot.
const EmptySlot uint32 = 0xFFFFFFFF

// DefaultGridCapacity is the number of hash-grid buckets. It bounds the
// number of distinct world cells one frame can index and does not depend on
// the resolution.
const DefaultGridCapacity = 3_200_000

// clearChunk is the invocation count per work item when clearing tables.
const clearChunk = 1 << 16

// AppendEntry registers one sample with the grid builder.
type AppendEntry struct {
	Bucket   uint32
	Checksum uint32

	// Payload is the pixel index the sample belongs to.
	Payload uint32
}

// Set is the group of buffers that exist once per frame parity.
type Set struct {
	// Reservoirs holds the initial reservoir of pixel p at [p] and the
	// resampled one at [PixelCount+p].
	Reservoirs []reservoir.Reservoir

	Counter  *Table
	Index    *Table
	Checksum *Table

	// Storage is the compacted cell storage of pixel indices.
	Storage []uint32
}

// Initial returns the initial reservoir of pixel p.
func (s *Set) Initial(p int) *reservoir.Reservoir {
	return &s.Reservoirs[p]
}

// Resampled returns the resampled reservoir of pixel p.
func (s *Set) Resampled(p int) *reservoir.Reservoir {
	return &s.Reservoirs[len(s.Reservoirs)/2+p]
}

func (s *Set) bytes() uint64 {
	var n uint64
	n += uint64(len(s.Reservoirs)) * reservoirBytes
	n += s.Counter.Bytes() + s.Index.Bytes() + s.Checksum.Bytes()
	n += uint64(len(s.Storage)) * 4
	return n
}

// reservoirBytes is the packed size of one reservoir in the GPU layout.
const reservoirBytes = 96

// Manager owns all buffers of one instance.
//
// Grid tables are allocated once at the fixed capacity. Pixel-count sized
// buffers are reallocated only when the pixel count changes.
type Manager struct {
	pool       *parallel.WorkerPool
	capacity   int
	pixelCount int
	sets       [2]Set

	// outputOnly managers hold no host-side reservoirs or grids.
	outputOnly bool

	// Append is the scratch list filled by the initial-reservoir pass.
	Append []AppendEntry

	// Final holds the per-pixel output of the final-sample pass.
	Final []reservoir.FinalSample
}

// NewManager creates a manager with the given bucket capacity. A capacity
// of zero or less selects DefaultGridCapacity. pool may be nil.
func NewManager(pool *parallel.WorkerPool, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultGridCapacity
	}
	return &Manager{pool: pool, capacity: capacity}
}

// NewOutputManager creates a manager that tracks only the pixel count and
// the final samples, for programs whose reservoirs and grids live on a
// device.
func NewOutputManager(capacity int) *Manager {
	m := NewManager(nil, capacity)
	m.outputOnly = true
	return m
}

// OutputOnly reports whether the manager was created by NewOutputManager.
func (m *Manager) OutputOnly() bool { return m.outputOnly }

// Capacity returns the number of hash-grid buckets.
func (m *Manager) Capacity() int { return m.capacity }

// PixelCount returns the pixel count the buffers are sized for.
func (m *Manager) PixelCount() int { return m.pixelCount }

// Ensure sizes every buffer for pixelCount. It is idempotent and reports
// whether anything was (re)allocated.
func (m *Manager) Ensure(pixelCount int) bool {
	if m.outputOnly {
		if pixelCount == m.pixelCount && m.Final != nil {
			return false
		}
		m.Final = make([]reservoir.FinalSample, pixelCount)
		m.pixelCount = pixelCount
		return true
	}

	realloc := false
	for i := range m.sets {
		s := &m.sets[i]
		if s.Counter == nil {
			s.Counter = NewTable(m.capacity)
			s.Index = NewTable(m.capacity)
			s.Checksum = NewTable(m.capacity)
			realloc = true
		}
	}
	if pixelCount == m.pixelCount && m.sets[0].Reservoirs != nil {
		return realloc
	}

	for i := range m.sets {
		s := &m.sets[i]
		s.Reservoirs = make([]reservoir.Reservoir, 2*pixelCount)
		s.Storage = make([]uint32, pixelCount)
		// Grids built for the old resolution index pixels that no longer
		// exist.
		s.Counter.Fill(m.pool, 0)
		s.Index.Fill(m.pool, 0)
		s.Checksum.Fill(m.pool, 0)
		fillStorage(m.pool, s.Storage)
	}
	m.Append = make([]AppendEntry, pixelCount)
	m.Final = make([]reservoir.FinalSample, pixelCount)
	m.pixelCount = pixelCount
	return true
}

// BeginFrame ensures the buffers match pixelCount and clears the grid
// tables of the write parity. It reports whether buffers were reallocated.
// The read parity is left untouched.
func (m *Manager) BeginFrame(pixelCount int, frameCount uint32) bool {
	realloc := m.Ensure(pixelCount)
	if m.outputOnly {
		return realloc
	}

	w := m.Write(frameCount)
	w.Counter.Fill(m.pool, 0)
	w.Index.Fill(m.pool, 0)
	w.Checksum.Fill(m.pool, 0)
	fillStorage(m.pool, w.Storage)
	return realloc
}

// Read returns the set read as "previous" in frame frameCount.
func (m *Manager) Read(frameCount uint32) *Set {
	return &m.sets[frame.ReadParity(frameCount)]
}

// Write returns the set written as "current" in frame frameCount.
func (m *Manager) Write(frameCount uint32) *Set {
	return &m.sets[frame.WriteParity(frameCount)]
}

// Bytes returns the total size of all buffers, for logging.
func (m *Manager) Bytes() uint64 {
	var n uint64
	for i := range m.sets {
		if m.sets[i].Counter != nil {
			n += m.sets[i].bytes()
		}
	}
	n += uint64(len(m.Append)) * 12
	n += uint64(len(m.Final)) * 44
	return n
}

func fillStorage(pool *parallel.WorkerPool, s []uint32) {
	parallel.Dispatch(pool, len(s), clearChunk, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			s[i] = EmptySlot
		}
	})
}
