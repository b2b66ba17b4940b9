package ioshim

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/internal/gol"
)

// Sink consumes a Distributor's event channel until it closes or ctx is
// cancelled. SPEC_FULL.md §10 splits this into a headless variant (every
// event logged discretely, safe for a file or CI log) and an interactive
// one (the ticking AliveCellsCount line overwritten in place when stdout
// is a TTY, so operator keypresses don't scroll off a status log).
type Sink interface {
	Consume(ctx context.Context, events <-chan gol.Event)
}

// headlessSink logs every event as a structured logrus line.
type headlessSink struct {
	log *logrus.Logger
}

// NewHeadlessSink returns a Sink that never assumes a terminal.
func NewHeadlessSink(log *logrus.Logger) Sink {
	return &headlessSink{log: log}
}

func (s *headlessSink) Consume(ctx context.Context, events <-chan gol.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			logEvent(s.log, e)
		case <-ctx.Done():
			return
		}
	}
}

// interactiveSink overwrites a single status line for AliveCellsCount
// ticks when isTTY, and logs everything else (including AliveCellsCount,
// on a non-TTY stdout) discretely.
type interactiveSink struct {
	log   *logrus.Logger
	isTTY bool
}

// NewInteractiveSink returns a Sink tuned for a human operator watching
// cmd/gol's stdout. isTTY should come from mattn/go-isatty at startup.
func NewInteractiveSink(log *logrus.Logger, isTTY bool) Sink {
	return &interactiveSink{log: log, isTTY: isTTY}
}

func (s *interactiveSink) Consume(ctx context.Context, events <-chan gol.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				if s.isTTY {
					fmt.Println()
				}
				return
			}
			if tick, isTick := e.(gol.AliveCellsCount); isTick && s.isTTY {
				fmt.Printf("\rturn %-8d alive %-8d %.1f turns/s   ", tick.Turn, tick.Count, tick.TurnsPerSec)
				continue
			}
			if s.isTTY {
				fmt.Println()
			}
			logEvent(s.log, e)
		case <-ctx.Done():
			return
		}
	}
}

func logEvent(log *logrus.Logger, e gol.Event) {
	switch ev := e.(type) {
	case gol.AliveCellsCount:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "alive": ev.Count, "turns_per_sec": ev.TurnsPerSec}).Info("alive cells")
	case gol.ImageOutputComplete:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "name": ev.Name}).Info("image written")
	case gol.StateChange:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "state": ev.State.String()}).Info("state change")
	case gol.TurnComplete:
		log.WithField("turn", ev.Turn).Debug("turn complete")
	case gol.CellFlipped:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "x": ev.X, "y": ev.Y}).Debug("cell flipped")
	case gol.CellsFlipped:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "count": len(ev.Coords)}).Debug("cells flipped")
	case gol.FinalTurnComplete:
		log.WithFields(logrus.Fields{"turn": ev.Turn, "alive": len(ev.Alive)}).Info("final turn complete")
	default:
		log.WithField("event", fmt.Sprintf("%T", e)).Warn("unrecognized event type")
	}
}
