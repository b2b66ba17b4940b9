// Package cellset implements the toroidal neighbour algorithm and the
// Conway B3/S23 rule over a set of packed coordinates (coord.Pack).
//
// AliveSet preserves insertion order, mirroring the Rust prototype's
// choice of an IndexSet over a plain hash set: encode/decode and PGM
// output need a deterministic iteration order for reproducible tests.
package cellset

import "github.com/cserra/golswarm/coord"

// AliveSet is an insertion-ordered set of packed coordinates.
type AliveSet struct {
	order []uint32
	index map[uint32]int
}

// NewAliveSet returns an empty set, optionally sized for capacity cells.
func NewAliveSet(capacity int) *AliveSet {
	return &AliveSet{
		order: make([]uint32, 0, capacity),
		index: make(map[uint32]int, capacity),
	}
}

// Add inserts p if not already present. Returns true if it was newly added.
func (s *AliveSet) Add(p uint32) bool {
	if _, ok := s.index[p]; ok {
		return false
	}
	s.index[p] = len(s.order)
	s.order = append(s.order, p)
	return true
}

// Contains reports whether p is a member of the set.
func (s *AliveSet) Contains(p uint32) bool {
	_, ok := s.index[p]
	return ok
}

// Len returns the number of members.
func (s *AliveSet) Len() int {
	return len(s.order)
}

// Ordered returns the members in insertion order. The returned slice must
// not be mutated by the caller.
func (s *AliveSet) Ordered() []uint32 {
	return s.order
}

// Clone returns an independent copy preserving insertion order.
func (s *AliveSet) Clone() *AliveSet {
	out := NewAliveSet(len(s.order))
	for _, p := range s.order {
		out.Add(p)
	}
	return out
}

// Geometry carries the bit layout needed to interpret packed coordinates
// for a specific image size, avoiding repeated log2/mask recomputation.
type Geometry struct {
	N         uint32 // image edge length
	K         uint32 // log2(N)
	CoordBits uint32
}

// NewGeometry derives a Geometry from an image size.
func NewGeometry(imageSize uint32) (Geometry, error) {
	coordBits, _, err := coord.Geometry(imageSize)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{N: imageSize, K: coord.K(coordBits), CoordBits: coordBits}, nil
}

var neighbourOffsets = [8][2]int32{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Neighbours returns the number of live cells (0..8) surrounding the cell
// at packed coordinate p on a toroidal grid of the given geometry.
//
// Per spec.md Open Question 1, this unpacks to (x, y), applies modular
// arithmetic in ordinary integer space, and repacks — it does not reuse
// the packed integer's bit pattern as if it were a linear offset (the
// Rust prototype's `(xy + 512) % image_size` trick conflates packed
// layout with physical grid size and only happens to work at N=512).
func (g Geometry) Neighbours(set *AliveSet, p uint32) int {
	x, y := coord.Unpack(p, g.K)
	n := int(g.N)
	count := 0
	for _, d := range neighbourOffsets {
		nx := uint32((int32(x) + d[0] + int32(n)) % int32(n))
		ny := uint32((int32(y) + d[1] + int32(n)) % int32(n))
		if set.Contains(coord.Pack(nx, ny, g.K)) {
			count++
		}
	}
	return count
}

// NextCell applies Conway's B3/S23 rule to the cell at p given its
// current neighbour count within alive.
func (g Geometry) NextCell(alive *AliveSet, p uint32) bool {
	n := g.Neighbours(alive, p)
	if alive.Contains(p) {
		return n == 2 || n == 3
	}
	return n == 3
}

// Step is the single-threaded reference evolution of the rows [y1, y2)
// given the full alive set as neighbour context. Workers run it on their
// band, and tests use it as the oracle that a worker-band union must
// match (spec.md Testable Property 3). The broker has no in-process
// fallback that calls it: with no subscribed workers, ProcessGol fails.
func (g Geometry) Step(alive *AliveSet, y1, y2 uint32) *AliveSet {
	next := NewAliveSet(alive.Len())
	for y := y1; y < y2; y++ {
		for x := uint32(0); x < g.N; x++ {
			p := coord.Pack(x, y, g.K)
			if g.NextCell(alive, p) {
				next.Add(p)
			}
		}
	}
	return next
}
