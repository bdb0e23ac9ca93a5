package hashgrid

import (
	"github.com/gogpu/restir/internal/resources"
)

// Grid is a read view over a built parity set.
type Grid struct {
	set *resources.Set
}

// View returns a read view of set. The set must have been built.
func View(set *resources.Set) Grid {
	return Grid{set: set}
}

// Lookup returns the pixel indices registered in the key's bucket. It
// reports false when the bucket is empty or owned by a different cell.
func (g Grid) Lookup(k Key) ([]uint32, bool) {
	s := g.set
	if s == nil || int(k.Bucket) >= s.Counter.Len() {
		return nil, false
	}
	b := int(k.Bucket)
	n := s.Counter.Load(b)
	if n == 0 || s.Checksum.Load(b) != k.Checksum {
		return nil, false
	}
	end := s.Index.Load(b)
	if end < n || int(end) > len(s.Storage) {
		return nil, false
	}
	return s.Storage[end-n : end], true
}

// Range returns the [start, end) storage range of bucket b without a
// checksum test.
func (g Grid) Range(b uint32) (start, end uint32) {
	n := g.set.Counter.Load(int(b))
	end = g.set.Index.Load(int(b))
	return end - n, end
}
