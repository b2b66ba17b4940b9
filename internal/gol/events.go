// Package gol implements the Distributor (spec.md §4.G): the single
// cooperative loop that drives a run, routes operator keypresses to the
// broker, and emits events for the I/O shim to render or log.
package gol

// State is a Distributor lifecycle state (spec.md §4.G's state machine:
// Executing ⇄ Pause; either → Quitting, terminal).
type State int

const (
	Executing State = iota
	Pause
	Quitting
)

func (s State) String() string {
	switch s {
	case Executing:
		return "Executing"
	case Pause:
		return "Pause"
	case Quitting:
		return "Quitting"
	default:
		return "Unknown"
	}
}

// Event is any of the kinds listed in spec.md §6.
type Event interface{ isEvent() }

// AliveCellsCount is emitted every 2s tick. TurnsPerSec is the
// SPEC_FULL.md §10 telemetry extra, a rolling estimate over the last few
// ticks; zero until enough samples have accumulated.
type AliveCellsCount struct {
	Turn        uint32
	Count       uint32
	TurnsPerSec float64
}

func (AliveCellsCount) isEvent() {}

// ImageOutputComplete is emitted after a PGM has been written to disk.
type ImageOutputComplete struct {
	Turn uint32
	Name string
}

func (ImageOutputComplete) isEvent() {}

// StateChange reports a Distributor state transition.
type StateChange struct {
	Turn  uint32
	State State
}

func (StateChange) isEvent() {}

// CellFlipped reports a single cell that changed state between turns.
type CellFlipped struct {
	Turn uint32
	X, Y uint32
}

func (CellFlipped) isEvent() {}

// CellsFlipped batches several CellFlipped occurrences for one turn.
type CellsFlipped struct {
	Turn   uint32
	Coords [][2]uint32
}

func (CellsFlipped) isEvent() {}

// TurnComplete marks the end of one turn of evolution.
type TurnComplete struct {
	Turn uint32
}

func (TurnComplete) isEvent() {}

// FinalTurnComplete marks the run's last turn, carrying the packed
// coordinates of every alive cell at that point.
type FinalTurnComplete struct {
	Turn  uint32
	Alive []uint32
}

func (FinalTurnComplete) isEvent() {}
