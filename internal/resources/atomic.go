package resources

import (
	"sync/atomic"

	"github.com/gogpu/restir/internal/parallel"
)

// AtomicU32 is the narrow capability the grid builder uses for contended
// per-bucket memory. It mirrors the WGSL atomic<u32> operations the GPU
// kernels use on the same tables.
type AtomicU32 interface {
	// Add adds delta to element i and returns the previous value.
	Add(i int, delta uint32) uint32

	// CompareAndSwap stores new into element i if it currently holds old.
	CompareAndSwap(i int, old, new uint32) bool

	Load(i int) uint32
	Store(i int, v uint32)
	Len() int
}

// Table is a fixed-size array of atomic uint32 values.
type Table struct {
	v []atomic.Uint32
}

var _ AtomicU32 = (*Table)(nil)

// NewTable allocates a zeroed table of n elements.
func NewTable(n int) *Table {
	return &Table{v: make([]atomic.Uint32, n)}
}

func (t *Table) Add(i int, delta uint32) uint32 {
	return t.v[i].Add(delta) - delta
}

func (t *Table) CompareAndSwap(i int, old, new uint32) bool {
	return t.v[i].CompareAndSwap(old, new)
}

func (t *Table) Load(i int) uint32 { return t.v[i].Load() }

func (t *Table) Store(i int, v uint32) { t.v[i].Store(v) }

func (t *Table) Len() int { return len(t.v) }

// Fill stores v into every element, splitting the work over pool.
// It must not race with other writers.
func (t *Table) Fill(pool *parallel.WorkerPool, v uint32) {
	parallel.Dispatch(pool, len(t.v), clearChunk, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			t.v[i].Store(v)
		}
	})
}

// Snapshot copies the table into a plain slice.
func (t *Table) Snapshot() []uint32 {
	out := make([]uint32, len(t.v))
	for i := range t.v {
		out[i] = t.v[i].Load()
	}
	return out
}

// Bytes returns the table's size in bytes.
func (t *Table) Bytes() uint64 {
	return uint64(len(t.v)) * 4
}
