package gol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/wire"
)

// ImageIO is the Distributor's view of the PGM read/write collaborator
// (spec.md §1's "external collaborators"); internal/ioshim implements it.
type ImageIO interface {
	ReadInitial(ctx context.Context, name string) (*cellset.AliveSet, error)
	WritePGM(ctx context.Context, name string, alive *cellset.AliveSet, geom cellset.Geometry) error
}

// Distributor drives one run against a single broker connection.
type Distributor struct {
	broker BrokerClient
	io     ImageIO
	params protocol.Params
	geom   cellset.Geometry

	events     chan<- Event
	keypresses <-chan rune

	log *logrus.Logger
}

// New returns a Distributor ready to Run once. events and keypresses are
// owned by the caller (cmd/gol), sized per spec.md §5 (1000 and 10).
func New(broker BrokerClient, io ImageIO, params protocol.Params, geom cellset.Geometry, events chan<- Event, keypresses <-chan rune, log *logrus.Logger) *Distributor {
	return &Distributor{broker: broker, io: io, params: params, geom: geom, events: events, keypresses: keypresses, log: log}
}

func imageName(width, height, turn uint32) string {
	return fmt.Sprintf("%dx%dx%d", width, height, turn)
}

// Run implements spec.md §4.G's cooperative loop: read input, launch
// ProcessGol in the background, and concurrently service the 2s CountAlive
// ticker and operator keypresses until a terminal state is reached.
func (d *Distributor) Run(ctx context.Context) error {
	inputName := imageName(d.params.Width, d.params.Height, 0)
	initial, err := d.io.ReadInitial(ctx, inputName)
	if err != nil {
		return xerrors.Errorf("distributor: reading input %s: %w", inputName, err)
	}

	d.emit(StateChange{Turn: 0, State: Executing})

	type golOutcome struct {
		resp protocol.ProcessGolResponse
		err  error
	}
	runDone := make(chan golOutcome, 1)
	go func() {
		resp, err := d.broker.ProcessGol(ctx, d.params, initial)
		runDone <- golOutcome{resp, err}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var avg avgTurns
	var lastTurn uint32
	state := Executing

	for {
		select {
		case outcome := <-runDone:
			if outcome.err != nil {
				return outcome.err
			}
			return d.finish(ctx, outcome.resp.CompletedTurns, outcome.resp.Alive)

		case <-ticker.C:
			resp, err := d.broker.CountAlive(ctx)
			if err != nil {
				d.log.WithError(err).Warn("distributor: CountAlive failed")
				continue
			}
			lastTurn = resp.Turn
			tps := avg.Add(resp.Turn, time.Now())
			d.emit(AliveCellsCount{Turn: resp.Turn, Count: resp.Count, TurnsPerSec: tps})

		case key, ok := <-d.keypresses:
			if !ok {
				return nil
			}
			done, err := d.handleKey(ctx, key, &state, lastTurn)
			if err != nil {
				d.log.WithError(err).WithField("key", string(key)).Warn("distributor: keypress handling failed")
				continue
			}
			if done {
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Distributor) handleKey(ctx context.Context, key rune, state *State, lastTurn uint32) (done bool, err error) {
	switch key {
	case 'S':
		shot, err := d.broker.Screenshot(ctx)
		if err != nil {
			return false, err
		}
		alive := wire.DecodePayload(shot.Alive, d.geom.CoordBits)
		name := imageName(d.params.Width, d.params.Height, shot.Turn)
		if err := d.io.WritePGM(ctx, name, alive, d.geom); err != nil {
			return false, err
		}
		d.emit(ImageOutputComplete{Turn: shot.Turn, Name: name})
		return false, nil

	case 'P':
		p, err := d.broker.Pause(ctx)
		if err != nil {
			return false, err
		}
		if p.Paused {
			*state = Pause
		} else {
			*state = Executing
		}
		d.emit(StateChange{Turn: lastTurn, State: *state})
		return false, nil

	case 'Q':
		q, err := d.broker.Quit(ctx)
		if err != nil {
			return false, err
		}
		return true, d.finish(ctx, q.Turn, q.Alive)

	case 'K':
		killErr := d.broker.Kill(ctx)
		d.emit(StateChange{Turn: lastTurn, State: Quitting})
		return true, killErr

	default:
		return false, nil
	}
}

// finish writes the final PGM, emits FinalTurnComplete and the terminal
// StateChange, matching both normal completion and Quit (spec.md §4.G.3).
func (d *Distributor) finish(ctx context.Context, turn uint32, encodedAlive []byte) error {
	alive := wire.DecodePayload(encodedAlive, d.geom.CoordBits)
	name := imageName(d.params.Width, d.params.Height, turn)
	if err := d.io.WritePGM(ctx, name, alive, d.geom); err != nil {
		d.log.WithError(err).Warn("distributor: final PGM write failed")
	} else {
		d.emit(ImageOutputComplete{Turn: turn, Name: name})
	}
	d.emit(FinalTurnComplete{Turn: turn, Alive: alive.Ordered()})
	d.emit(StateChange{Turn: turn, State: Quitting})
	return nil
}

// emit sends non-blocking: per spec.md §5, a full event channel is
// transient for non-critical events, so a blocked send is dropped with a
// diagnostic rather than stalling the control loop.
func (d *Distributor) emit(e Event) {
	select {
	case d.events <- e:
	default:
		d.log.WithField("event", fmt.Sprintf("%T", e)).Warn("distributor: event channel full, dropping event")
	}
}
