package hashgrid

import (
	"slices"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/restir/internal/frame"
	"github.com/gogpu/restir/internal/parallel"
	"github.com/gogpu/restir/internal/resources"
)

// newSet allocates and clears one parity set of the given capacity.
func newSet(t *testing.T, capacity, pixels int) *resources.Set {
	t.Helper()
	m := resources.NewManager(nil, capacity)
	m.BeginFrame(pixels, 0)
	return m.Write(0)
}

// register runs the counting phase for entries, as the initial-reservoir
// pass does.
func register(set *resources.Set, entries []resources.AppendEntry) {
	for _, e := range entries {
		Register(set.Counter, set.Checksum, e)
	}
}

func entryFor(g Geometry, pos mgl32.Vec3, pixel uint32) resources.AppendEntry {
	k := g.Key(pos)
	return resources.AppendEntry{Bucket: k.Bucket, Checksum: k.Checksum, Payload: pixel}
}

// =============================================================================
// Cell hashing
// =============================================================================

func TestCellOf(t *testing.T) {
	min := mgl32.Vec3{-0.1, -0.1, -0.1}
	tests := []struct {
		pos  mgl32.Vec3
		size float32
		want Cell
	}{
		{mgl32.Vec3{0, 0, 0}, 1, Cell{0, 0, 0}},
		{mgl32.Vec3{0.95, 2.5, 0}, 1, Cell{1, 2, 0}},
		{mgl32.Vec3{-0.5, 0, 0}, 1, Cell{-1, 0, 0}},
		{mgl32.Vec3{3.5, 3.5, 3.5}, 2, Cell{1, 1, 1}},
	}

	for _, tt := range tests {
		if got := CellOf(tt.pos, min, tt.size); got != tt.want {
			t.Errorf("CellOf(%v, %v) = %v, want %v", tt.pos, tt.size, got, tt.want)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	g := Geometry{Min: mgl32.Vec3{-0.1, -0.1, -0.1}, CellSize: 0.5, Capacity: resources.DefaultGridCapacity}
	positions := []mgl32.Vec3{{0, 0, 0}, {1.3, 7.2, -4}, {100, 0.01, 55}}

	for _, p := range positions {
		a, b := g.Key(p), g.Key(p)
		if a != b {
			t.Errorf("Key(%v) not deterministic: %v vs %v", p, a, b)
		}
		if a.Bucket >= g.Capacity {
			t.Errorf("bucket %d out of capacity", a.Bucket)
		}
	}

	// Points in the same cell share a key.
	if g.Key(mgl32.Vec3{0.01, 0.01, 0.01}) != g.Key(mgl32.Vec3{0.3, 0.3, 0.3}) {
		t.Error("points of one cell produced different keys")
	}
}

func TestChecksumNeverZeroAndDistinct(t *testing.T) {
	seen := make(map[uint32]Cell)
	for x := int32(-8); x < 8; x++ {
		for y := int32(-8); y < 8; y++ {
			c := Cell{x, y, 3}
			cs := Checksum(c)
			if cs == 0 {
				t.Fatalf("Checksum(%v) = 0", c)
			}
			if other, dup := seen[cs]; dup {
				t.Fatalf("checksum collision between %v and %v", c, other)
			}
			seen[cs] = c
		}
	}
}

func TestNewGeometry(t *testing.T) {
	p := frame.Params{SceneBBMin: mgl32.Vec3{1, 2, 3}, CellSize: 0.25}
	g := NewGeometry(p, 0)
	if g.Capacity != resources.DefaultGridCapacity {
		t.Errorf("Capacity = %d, want default", g.Capacity)
	}
	if g.Min != p.SceneBBMin || g.CellSize != 0.25 {
		t.Errorf("geometry = %+v", g)
	}
}

// =============================================================================
// Prefix sum
// =============================================================================

func TestPrefixSum(t *testing.T) {
	counts := []uint32{3, 0, 1, 0, 0, 4, 2, 0, 1}

	for _, block := range []int{1, 2, 4, 100} {
		counter := resources.NewTable(len(counts))
		index := resources.NewTable(len(counts))
		for i, c := range counts {
			counter.Store(i, c)
		}

		total, occupied := PrefixSum(nil, block, counter, index)
		if total != 11 {
			t.Errorf("block %d: total = %d, want 11", block, total)
		}
		if occupied != 5 {
			t.Errorf("block %d: occupied = %d, want 5", block, occupied)
		}

		got := index.Snapshot()
		if got[0] != 0 {
			t.Errorf("block %d: offset[0] = %d, want 0", block, got[0])
		}
		for i := 1; i < len(counts); i++ {
			if got[i] != got[i-1]+counts[i-1] {
				t.Errorf("block %d: offset[%d] = %d, want %d", block, i, got[i], got[i-1]+counts[i-1])
			}
		}
		if last := len(counts) - 1; got[last]+counts[last] != total {
			t.Errorf("block %d: final offset does not reach total", block)
		}
	}
}

func TestPrefixSumParallel(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	const n = 100_003
	counter := resources.NewTable(n)
	index := resources.NewTable(n)
	var want uint32
	for i := range n {
		c := uint32(i % 3)
		counter.Store(i, c)
		want += c
	}

	total, _ := PrefixSum(pool, 1024, counter, index)
	if total != want {
		t.Fatalf("total = %d, want %d", total, want)
	}

	var run uint32
	for i := range n {
		if got := index.Load(i); got != run {
			t.Fatalf("offset[%d] = %d, want %d", i, got, run)
		}
		run += counter.Load(i)
	}
}

// =============================================================================
// Scatter and lookup
// =============================================================================

func TestBuildCompactsEverySampleOnce(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	const pixels = 4096
	g := Geometry{Min: mgl32.Vec3{-0.1, -0.1, -0.1}, CellSize: 1, Capacity: 1 << 12}
	set := newSet(t, int(g.Capacity), pixels)

	entries := make([]resources.AppendEntry, pixels)
	for i := range entries {
		pos := mgl32.Vec3{float32(i % 16), float32(i / 16 % 16), float32(i / 256)}
		entries[i] = entryFor(g, pos, uint32(i))
	}
	register(set, entries)

	res := NewBuilder(pool).Build(set, entries)
	if res.Total != pixels {
		t.Errorf("Total = %d, want %d", res.Total, pixels)
	}
	if got := unreachable(set, entries); res.Dropped != got {
		t.Errorf("Dropped = %d, want %d entries unreachable through Lookup", res.Dropped, got)
	}

	seen := make([]int, pixels)
	for _, v := range set.Storage {
		if v == resources.EmptySlot {
			t.Fatal("storage slot left empty")
		}
		seen[v]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Fatalf("pixel %d stored %d times", p, n)
		}
	}

	// Every entry lies inside its bucket's range, checksum or not.
	grid := View(set)
	for i, e := range entries {
		start, end := grid.Range(e.Bucket)
		if !slices.Contains(set.Storage[start:end], uint32(i)) {
			t.Fatalf("pixel %d not found in bucket %d", i, e.Bucket)
		}
	}
}

func TestLookupEmptyBucket(t *testing.T) {
	set := newSet(t, 16, 4)
	NewBuilder(nil).Build(set, nil)

	if _, ok := View(set).Lookup(Key{Bucket: 3, Checksum: 1}); ok {
		t.Error("lookup of empty bucket succeeded")
	}
	if _, ok := View(set).Lookup(Key{Bucket: 99, Checksum: 1}); ok {
		t.Error("lookup of out-of-range bucket succeeded")
	}
}

func TestBuildDetectsCollision(t *testing.T) {
	g := Geometry{Min: mgl32.Vec3{}, CellSize: 1, Capacity: 2}

	// Find a second cell landing in the same bucket as cell (0,0,0).
	a := mgl32.Vec3{0.5, 0.5, 0.5}
	ka := g.Key(a)
	var b mgl32.Vec3
	for x := 1; ; x++ {
		b = mgl32.Vec3{float32(x) + 0.5, 0.5, 0.5}
		if g.Key(b).Bucket == ka.Bucket {
			break
		}
	}

	set := newSet(t, 2, 2)
	entries := []resources.AppendEntry{entryFor(g, a, 0), entryFor(g, b, 1)}
	register(set, entries)

	res := NewBuilder(nil).Build(set, entries)
	if res.Collisions != 1 {
		t.Errorf("Collisions = %d, want 1", res.Collisions)
	}
	if res.Status != BuildOK {
		t.Errorf("Status = %v, want ok with a free bucket left", res.Status)
	}
	if res.Dropped != 1 {
		t.Errorf("Dropped = %d, want the colliding cell's entry", res.Dropped)
	}

	grid := View(set)
	if got, ok := grid.Lookup(ka); !ok || len(got) != 2 {
		t.Errorf("owner lookup = %v, %v; want both entries", got, ok)
	}
	if _, ok := grid.Lookup(g.Key(b)); ok {
		t.Error("lookup of the colliding cell must be rejected")
	}
}

func TestBuildCapacityExceeded(t *testing.T) {
	g := Geometry{Min: mgl32.Vec3{}, CellSize: 1, Capacity: 1}
	set := newSet(t, 1, 3)

	entries := []resources.AppendEntry{
		entryFor(g, mgl32.Vec3{0.5, 0.5, 0.5}, 0),
		entryFor(g, mgl32.Vec3{4.5, 0.5, 0.5}, 1),
		entryFor(g, mgl32.Vec3{8.5, 0.5, 0.5}, 2),
	}
	register(set, entries)

	res := NewBuilder(nil).Build(set, entries)
	if res.Status != BuildCapacityExceeded {
		t.Errorf("Status = %v, want %v", res.Status, BuildCapacityExceeded)
	}
	if res.Collisions != 2 || res.Dropped != 2 || res.OccupiedBuckets != 1 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestBuildCapacityExceededTwiceTheBuckets(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	const capacity, cells = 1024, 2048
	g := Geometry{Min: mgl32.Vec3{}, CellSize: 1, Capacity: capacity}

	// Two pixels per cell, so a losing cell drops both of its entries.
	entries := make([]resources.AppendEntry, 0, 2*cells)
	for c := range cells {
		pos := mgl32.Vec3{float32(c%64) + 0.5, float32(c/64) + 0.5, 0.5}
		entries = append(entries,
			entryFor(g, pos, uint32(len(entries))),
			entryFor(g, pos.Add(mgl32.Vec3{0.25, 0.25, 0}), uint32(len(entries)+1)),
		)
	}
	set := newSet(t, capacity, len(entries))
	register(set, entries)

	res := NewBuilder(pool).Build(set, entries)
	if res.Status != BuildCapacityExceeded {
		t.Fatalf("Status = %v, want %v (%+v)", res.Status, BuildCapacityExceeded, res)
	}
	if res.OccupiedBuckets+res.Collisions != cells {
		t.Errorf("occupied %d + collisions %d, want %d distinct cells",
			res.OccupiedBuckets, res.Collisions, cells)
	}
	if res.Dropped != 2*res.Collisions {
		t.Errorf("Dropped = %d, want two entries per lost cell (%d)", res.Dropped, 2*res.Collisions)
	}
	if got := unreachable(set, entries); res.Dropped != got {
		t.Errorf("Dropped = %d, want %d entries unreachable through Lookup", res.Dropped, got)
	}
}

func TestNewBuildResultStatus(t *testing.T) {
	tests := []struct {
		name                 string
		collisions, occupied uint32
		want                 BuildStatus
	}{
		{"no collisions", 0, 8, BuildOK},
		{"collision with free buckets", 3, 4, BuildOK},
		{"distinct cells fill the table", 2, 6, BuildOK},
		{"one cell more than buckets", 3, 6, BuildCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewBuildResult(0, tt.collisions, tt.occupied, 0, 8).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

// unreachable counts the entries whose own key Lookup rejects.
func unreachable(set *resources.Set, entries []resources.AppendEntry) uint32 {
	grid := View(set)
	var n uint32
	for _, e := range entries {
		if _, ok := grid.Lookup(Key{Bucket: e.Bucket, Checksum: e.Checksum}); !ok {
			n++
		}
	}
	return n
}

func TestBuildTwoPixelsOneCell(t *testing.T) {
	// A 2x1 frame whose pixels fall into one large cell.
	g := Geometry{Min: mgl32.Vec3{-0.1, -0.1, -0.1}, CellSize: 100, Capacity: 1024}
	set := newSet(t, 1024, 2)

	entries := []resources.AppendEntry{
		entryFor(g, mgl32.Vec3{0, 0, 0}, 0),
		entryFor(g, mgl32.Vec3{1, 0, 0}, 1),
	}
	register(set, entries)
	NewBuilder(nil).Build(set, entries)

	grid := View(set)
	start, end := grid.Range(entries[0].Bucket)
	if end-start != 2 {
		t.Fatalf("bucket range = [%d, %d), want two entries", start, end)
	}
	got := slices.Clone(set.Storage[start:end])
	slices.Sort(got)
	if !slices.Equal(got, []uint32{0, 1}) {
		t.Errorf("bucket entries = %v, want [0 1]", got)
	}
}

func TestBuildStatusString(t *testing.T) {
	if BuildOK.String() != "ok" || BuildCapacityExceeded.String() != "capacity exceeded" {
		t.Error("unexpected status names")
	}
	if BuildStatus(9).String() != "BuildStatus(9)" {
		t.Errorf("unknown status = %q", BuildStatus(9).String())
	}
}
