package cellset

import (
	"testing"

	"github.com/cserra/golswarm/coord"
	"github.com/davecgh/go-spew/spew"
)

func glider(g Geometry) *AliveSet {
	s := NewAliveSet(5)
	for _, xy := range [][2]uint32{{1, 0}, {2, 1}, {0, 2}, {1, 2}, {2, 2}} {
		s.Add(coord.Pack(xy[0], xy[1], g.K))
	}
	return s
}

func TestNeighboursToroidalWrap(t *testing.T) {
	g, err := NewGeometry(8)
	if err != nil {
		t.Fatal(err)
	}
	s := NewAliveSet(1)
	// place a cell at (0,0); its toroidal neighbour (7,7) should count.
	s.Add(coord.Pack(7, 7, g.K))
	s.Add(coord.Pack(0, 0, g.K))
	n := g.Neighbours(s, coord.Pack(0, 0, g.K))
	if n != 1 {
		t.Fatalf("expected 1 neighbour via wraparound, got %d\n%s", n, spew.Sdump(s))
	}
}

func TestStepMatchesBandUnion(t *testing.T) {
	g, err := NewGeometry(8)
	if err != nil {
		t.Fatal(err)
	}
	s := glider(g)

	whole := g.Step(s, 0, g.N)

	// split into three uneven bands and union their independent Steps;
	// each band result must be identical to the whole-grid reference
	// since Step recomputes neighbours from the full alive set context.
	bandBoundaries := []uint32{0, 3, 5, g.N}
	union := NewAliveSet(whole.Len())
	for i := 0; i < len(bandBoundaries)-1; i++ {
		band := g.Step(s, bandBoundaries[i], bandBoundaries[i+1])
		for _, p := range band.Ordered() {
			union.Add(p)
		}
	}

	if union.Len() != whole.Len() {
		t.Fatalf("band union len %d != whole len %d\nwhole=%s\nunion=%s", union.Len(), whole.Len(), spew.Sdump(whole), spew.Sdump(union))
	}
	for _, p := range whole.Ordered() {
		if !union.Contains(p) {
			t.Fatalf("band union missing cell %d present in whole-grid step", p)
		}
	}
}

func TestNextCellRuleB3S23(t *testing.T) {
	g, err := NewGeometry(8)
	if err != nil {
		t.Fatal(err)
	}
	s := NewAliveSet(3)
	// a block of 3 alive cells in a row: centre has 2 neighbours, survives.
	s.Add(coord.Pack(0, 1, g.K))
	s.Add(coord.Pack(1, 1, g.K))
	s.Add(coord.Pack(2, 1, g.K))

	if !g.NextCell(s, coord.Pack(1, 1, g.K)) {
		t.Error("centre of three-in-a-row should survive with 2 neighbours")
	}
	if !g.NextCell(s, coord.Pack(1, 0, g.K)) {
		t.Error("cell above centre should become alive with 3 neighbours")
	}
	if g.NextCell(s, coord.Pack(5, 5, g.K)) {
		t.Error("isolated dead cell should stay dead")
	}
}
