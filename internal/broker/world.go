package broker

import (
	"sync"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/protocol"
)

// World is the broker-owned state of spec.md §3: alive and turn are
// mutated only inside ProcessGol, paused and quitting by Pause/Quit/Kill,
// and all fields are read under lock. A single mutex plus one condition variable covers both —
// short critical sections at turn boundaries, per spec.md §9.
type World struct {
	mu   sync.Mutex
	cond *sync.Cond

	alive    *cellset.AliveSet
	turn     uint32
	paused   bool
	quitting bool
	params   protocol.Params
}

// NewWorld returns an empty, not-yet-started World.
func NewWorld() *World {
	w := &World{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// snapshot returns the current turn and alive set under the lock. The
// AliveSet is returned by reference, not copied: ProcessGol installs a
// fresh set each turn instead of mutating the current one, and callers
// only read it.
func (w *World) snapshot() (turn uint32, alive *cellset.AliveSet) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.turn, w.alive
}

// paramsSnapshot returns the Params of the run currently (or most
// recently) in progress. Reading params without the lock would race
// against ProcessGol's assignment at the start of a run.
func (w *World) paramsSnapshot() protocol.Params {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params
}
