package broker

import (
	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/coord"
)

// partitionBands splits [0, n) into count row bands, balanced to within
// one row, per spec.md §4.F step 2.
func partitionBands(n, count uint32) [][2]uint32 {
	bands := make([][2]uint32, count)
	base := n / count
	rem := n % count
	var y uint32
	for i := uint32(0); i < count; i++ {
		size := base
		if i < rem {
			size++
		}
		bands[i] = [2]uint32{y, y + size}
		y += size
	}
	return bands
}

// inModularRange reports whether y lies in the inclusive range [lo, hi]
// taken modulo n, where lo may be numerically greater than hi (the range
// wraps past the grid edge).
func inModularRange(y, lo, hi, n uint32) bool {
	lo %= n
	hi %= n
	if lo <= hi {
		return y >= lo && y <= hi
	}
	return y >= lo || y <= hi
}

// bandContext returns the subset of alive needed to evolve rows [y1, y2):
// every row in [y1-1, y2] mod N (spec.md §4.E's halo requirement). When the
// band plus its two halo rows reaches every row of the grid
// (y2-y1+2 >= N), the context is simply the full alive set.
func bandContext(alive *cellset.AliveSet, geom cellset.Geometry, y1, y2 uint32) *cellset.AliveSet {
	n := geom.N
	if y2-y1+2 >= n {
		return alive
	}
	lo := (y1 + n - 1) % n
	hi := y2 % n
	ctx := cellset.NewAliveSet(alive.Len())
	for _, p := range alive.Ordered() {
		_, y := coord.Unpack(p, geom.K)
		if inModularRange(y, lo, hi, n) {
			ctx.Add(p)
		}
	}
	return ctx
}
