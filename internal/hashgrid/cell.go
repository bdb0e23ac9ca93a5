// Package hashgrid builds and queries the per-frame world-space hash grid.
//
// World positions are quantized into cells, cells are hashed into a fixed
// number of buckets, and a three-phase counting sort (count, prefix sum,
// scatter) compacts the pixel indices of every bucket into one contiguous
// range of cell storage. A second, independent checksum per bucket detects
// two cells sharing a bucket.
package hashgrid

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/reservoir"
	"github.com/gogpu/restir/internal/resources"
)

// Cell is an integer world-space grid coordinate.
type Cell [3]int32

// Key locates a cell in the bucket table.
type Key struct {
	Bucket   uint32
	Checksum uint32
}

// Geometry maps world positions to keys for one frame.
type Geometry struct {
	// Min is the padded scene minimum.
	Min      mgl32.Vec3
	CellSize float32
	Capacity uint32
}

// NewGeometry returns the grid geometry described by a frame's parameters.
func NewGeometry(p frame.Params, capacity int) Geometry {
	if capacity <= 0 {
		capacity = resources.DefaultGridCapacity
	}
	return Geometry{Min: p.SceneBBMin, CellSize: p.CellSize, Capacity: uint32(capacity)}
}

// Cell returns floor((pos - Min) / CellSize).
func (g Geometry) Cell(pos mgl32.Vec3) Cell {
	return CellOf(pos, g.Min, g.CellSize)
}

// Key returns the bucket and checksum of the cell containing pos.
func (g Geometry) Key(pos mgl32.Vec3) Key {
	c := g.Cell(pos)
	return Key{Bucket: Hash(c) % g.Capacity, Checksum: Checksum(c)}
}

// CellOf quantizes pos into a cell of the given size anchored at min.
func CellOf(pos, min mgl32.Vec3, cellSize float32) Cell {
	if cellSize <= 0 {
		cellSize = 1
	}
	var c Cell
	for i := range 3 {
		c[i] = int32(math.Floor(float64((pos[i] - min[i]) / cellSize)))
	}
	return c
}

// Hash is the pcg-chained bucket hash of a cell. It matches cell_hash in
// the WGSL kernels.
func Hash(c Cell) uint32 {
	return reservoir.PCGHash(uint32(c[0]) + reservoir.PCGHash(uint32(c[1])+reservoir.PCGHash(uint32(c[2]))))
}

// Checksum is the collision fingerprint of a cell: xxhash64 of the
// coordinate folded to 32 bits. It is never 0, which marks an empty bucket.
func Checksum(c Cell) uint32 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c[0]))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c[1]))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c[2]))
	h := xxhash.Sum64(buf[:])
	cs := uint32(h>>32) ^ uint32(h)
	if cs == 0 {
		cs = 1
	}
	return cs
}
