package gol

import "time"

// avgTurns estimates turns/sec from a rolling window of the last three
// CountAlive samples, grounded on the Rust prototype's
// src/util/avgturns.rs. A window of 3 smooths single-tick jitter (a GC
// pause or a slow worker stalling one tick) without lagging a genuine
// rate change for more than a couple of ticks.
type avgTurns struct {
	turn [3]uint32
	at   [3]time.Time
	n    int
}

// Add records a new (turn, timestamp) sample and returns the current
// turns/sec estimate, or 0 until at least two samples have been seen.
func (a *avgTurns) Add(turn uint32, at time.Time) float64 {
	idx := a.n % len(a.turn)
	a.turn[idx] = turn
	a.at[idx] = at
	a.n++

	window := a.n
	if window > len(a.turn) {
		window = len(a.turn)
	}
	if window < 2 {
		return 0
	}

	oldestIdx := (a.n - window) % len(a.turn)
	newestIdx := (a.n - 1) % len(a.turn)
	dt := a.at[newestIdx].Sub(a.at[oldestIdx]).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(a.turn[newestIdx]-a.turn[oldestIdx]) / dt
}
