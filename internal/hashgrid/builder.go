// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hashgrid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/resources"
)

// BuildStatus tags the outcome of a grid build.
type BuildStatus uint8

const (
	// BuildOK means every entry was compacted into its own bucket.
	BuildOK BuildStatus = iota

	// BuildCapacityExceeded means the frame referenced more distinct cells
	// than the table has buckets, so some cells necessarily lost their
	// bucket. Lookups for the losing cells are rejected.
	BuildCapacityExceeded
)

// String returns the human-readable name of the status.
func (s BuildStatus) String() string {
	switch s {
	case BuildOK:
		return "ok"
	case BuildCapacityExceeded:
		return "capacity exceeded"
	default:
		return fmt.Sprintf("BuildStatus(%d)", uint8(s))
	}
}

// BuildResult summarizes one build.
type BuildResult struct {
	Status BuildStatus

	// Dropped counts entries Lookup cannot reach: entries of a cell that
	// lost its bucket to another cell, and entries that found no storage
	// slot.
	Dropped uint32

	// Collisions counts distinct cells that lost their bucket to the
	// bucket's owner, once per bucket.
	Collisions uint32

	// OccupiedBuckets counts buckets with at least one entry.
	OccupiedBuckets uint32

	// Total is the number of entries counted, the prefix sum's total.
	Total uint32
}

// DefaultBlockSize is the number of buckets one prefix-sum work item scans.
const DefaultBlockSize = 1 << 14

// Register is the counting phase for one entry: it increments the bucket's
// counter and claims the bucket's checksum if the bucket is still empty.
// It runs inside the initial-reservoir pass.
func Register(counter, checksum resources.AtomicU32, e resources.AppendEntry) {
	counter.Add(int(e.Bucket), 1)
	checksum.CompareAndSwap(int(e.Bucket), 0, e.Checksum)
}

// Builder runs the prefix-sum and scatter phases over a worker pool.
type Builder struct {
	pool      *parallel.WorkerPool
	blockSize int
	chunk     int
}

// NewBuilder creates a builder. pool may be nil to run inline.
func NewBuilder(pool *parallel.WorkerPool) *Builder {
	return &Builder{pool: pool, blockSize: DefaultBlockSize, chunk: parallel.DefaultChunk}
}

// Build turns the counted set into a compacted grid. entries must be the
// same list the counting phase registered.
func (b *Builder) Build(set *resources.Set, entries []resources.AppendEntry) BuildResult {
	total, occupied := PrefixSum(b.pool, b.blockSize, set.Counter, set.Index)
	dropped, collisions := b.scatter(set, entries)

	return NewBuildResult(dropped, collisions, occupied, total, uint32(set.Counter.Len()))
}

// NewBuildResult assembles a result from the raw build counters. Occupied
// buckets plus the cells that lost their bucket is the number of distinct
// cells; the result is tagged BuildCapacityExceeded when that exceeds
// capacity.
func NewBuildResult(dropped, collisions, occupied, total, capacity uint32) BuildResult {
	res := BuildResult{
		Dropped:         dropped,
		Collisions:      collisions,
		OccupiedBuckets: occupied,
		Total:           total,
	}
	if uint64(occupied)+uint64(collisions) > uint64(capacity) {
		res.Status = BuildCapacityExceeded
	}
	return res
}

// PrefixSum copies counter into index as exclusive prefix-sum offsets
// across the whole table. It returns the total count and the number of
// non-empty buckets.
//
// The scan is blocked: every block is reduced in parallel, the block sums
// are scanned serially, and a second parallel sweep writes the offsets.
func PrefixSum(pool *parallel.WorkerPool, blockSize int, counter, index resources.AtomicU32) (total, occupied uint32) {
	n := counter.Len()
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	blocks := parallel.Chunks(n, blockSize)
	sums := make([]uint32, blocks)
	occ := make([]uint32, blocks)

	parallel.Dispatch(pool, n, blockSize, func(lo, hi int) {
		var s, o uint32
		for i := lo; i < hi; i++ {
			c := counter.Load(i)
			s += c
			if c != 0 {
				o++
			}
		}
		sums[lo/blockSize] = s
		occ[lo/blockSize] = o
	})

	var run uint32
	for i, s := range sums {
		sums[i] = run
		run += s
		occupied += occ[i]
	}

	parallel.Dispatch(pool, n, blockSize, func(lo, hi int) {
		off := sums[lo/blockSize]
		for i := lo; i < hi; i++ {
			index.Store(i, off)
			off += counter.Load(i)
		}
	})
	return run, occupied
}

// scatter writes every entry's payload into its bucket's range, advancing
// the bucket cursor in index. Afterwards index[b] is the end of bucket b.
// It returns the unreachable entries and the distinct cells that lost
// their bucket.
func (b *Builder) scatter(set *resources.Set, entries []resources.AppendEntry) (dropped, collisions uint32) {
	var (
		nDropped atomic.Uint32
		mu       sync.Mutex
		lost     = make(map[Key]struct{})
	)
	storage := set.Storage

	parallel.Dispatch(b.pool, len(entries), b.chunk, func(lo, hi int) {
		var (
			d    uint32
			keys []Key
		)
		for i := lo; i < hi; i++ {
			e := entries[i]
			slot := set.Index.Add(int(e.Bucket), 1)
			stored := int(slot) < len(storage)
			if stored {
				storage[slot] = e.Payload
			}
			foreign := set.Checksum.Load(int(e.Bucket)) != e.Checksum
			if foreign {
				keys = append(keys, Key{Bucket: e.Bucket, Checksum: e.Checksum})
			}
			if foreign || !stored {
				d++
			}
		}
		nDropped.Add(d)
		if len(keys) > 0 {
			mu.Lock()
			for _, k := range keys {
				lost[k] = struct{}{}
			}
			mu.Unlock()
		}
	})
	return nDropped.Load(), uint32(len(lost))
}
