// Package broker implements the distributed Game of Life coordinator:
// worker subscription, per-turn band dispatch with halo contexts, result
// aggregation, and the control RPCs a Distributor drives a run with
// (spec.md §4.F).
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/wire"
)

// MaxSliceAttempts is M from spec.md §4.F: attempts across distinct
// workers before a band's ProcessGol call fails with ErrSliceExhausted.
const MaxSliceAttempts = 3

// DefaultSliceTimeout is T_slice's default value (spec.md §4.F).
const DefaultSliceTimeout = 10 * time.Second

// Broker coordinates one Distributor and a pool of Workers.
type Broker struct {
	world        *World
	pool         *Pool
	sliceTimeout time.Duration
	log          *logrus.Logger
}

// New returns a Broker with an empty World and worker pool.
func New(sliceTimeout time.Duration, log *logrus.Logger) *Broker {
	if sliceTimeout <= 0 {
		sliceTimeout = DefaultSliceTimeout
	}
	return &Broker{
		world:        NewWorld(),
		pool:         NewPool(),
		sliceTimeout: sliceTimeout,
		log:          log,
	}
}

// Pool exposes the worker pool so the connection layer can Subscribe/
// Unsubscribe in response to incoming SUBSCRIBE/UNSUBSCRIBE requests.
func (b *Broker) Pool() *Pool { return b.pool }

// ProcessGol runs turns [current, params.Turns) to completion, to Quit, or
// to error. If the World was left quitting from a previous call, this
// resumes from its retained alive/turn instead of re-seeding from
// req.Alive (the fault-tolerant continuation described in SPEC_FULL.md §10).
func (b *Broker) ProcessGol(ctx context.Context, req protocol.ProcessGolRequest) (protocol.ProcessGolResponse, error) {
	geom, err := cellset.NewGeometry(req.Params.Width)
	if err != nil {
		return protocol.ProcessGolResponse{}, err
	}

	b.world.mu.Lock()
	if b.world.quitting && b.world.alive != nil {
		b.log.WithField("turn", b.world.turn).Info("broker: continuing retained world from previous quit")
	} else {
		b.world.alive = wire.DecodePayload(req.Alive, geom.CoordBits)
		b.world.turn = 0
	}
	b.world.params = req.Params
	b.world.quitting = false
	b.world.paused = false
	startTurn := b.world.turn
	b.world.mu.Unlock()

	for t := startTurn; t < req.Params.Turns; t++ {
		b.world.mu.Lock()
		for b.world.paused && !b.world.quitting {
			b.world.cond.Wait()
		}
		quitting := b.world.quitting
		alive := b.world.alive
		b.world.mu.Unlock()
		if quitting {
			break
		}

		workers := b.pool.Snapshot()
		if len(workers) == 0 {
			return protocol.ProcessGolResponse{}, ErrNoWorkers
		}

		next, err := b.runTurn(ctx, geom, t, alive, workers)
		if err != nil {
			b.log.WithError(err).WithField("turn", t).Error("broker: turn failed")
			return protocol.ProcessGolResponse{}, err
		}

		b.world.mu.Lock()
		b.world.alive = next
		b.world.turn = t + 1
		b.world.mu.Unlock()
	}

	turn, alive := b.world.snapshot()
	return protocol.ProcessGolResponse{
		CompletedTurns: turn,
		Alive:          wire.EncodePayload(alive, geom.CoordBits),
	}, nil
}

// runTurn dispatches one band per subscribed worker and unions the results.
func (b *Broker) runTurn(ctx context.Context, geom cellset.Geometry, turn uint32, alive *cellset.AliveSet, workers []*Worker) (*cellset.AliveSet, error) {
	bands := partitionBands(geom.N, uint32(len(workers)))
	results := make([]*cellset.AliveSet, len(bands))
	errs := make([]error, len(bands))

	var wg sync.WaitGroup
	wg.Add(len(bands))
	for i, band := range bands {
		i, y1, y2 := i, band[0], band[1]
		go func() {
			defer wg.Done()
			next, err := b.dispatchBandWithRetry(ctx, geom, turn, y1, y2, alive, workers, i)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = next
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	next := cellset.NewAliveSet(alive.Len())
	for _, band := range results {
		for _, p := range band.Ordered() {
			next.Add(p)
		}
	}
	return next, nil
}

func (b *Broker) dispatchBandWithRetry(ctx context.Context, geom cellset.Geometry, turn, y1, y2 uint32, alive *cellset.AliveSet, workers []*Worker, preferredIdx int) (*cellset.AliveSet, error) {
	tried := make(map[string]bool, MaxSliceAttempts)
	idx := preferredIdx

	for attempt := 0; attempt < MaxSliceAttempts; attempt++ {
		w := workers[idx%len(workers)]
		if tried[w.ID] {
			found := false
			for j := 1; j < len(workers); j++ {
				cand := workers[(idx+j)%len(workers)]
				if !tried[cand.ID] {
					w = cand
					found = true
					break
				}
			}
			if !found {
				break
			}
		}
		tried[w.ID] = true

		next, err := b.dispatchBand(ctx, geom, turn, y1, y2, alive, w)
		if err == nil {
			return next, nil
		}

		b.log.WithFields(logrus.Fields{
			"turn": turn, "y1": y1, "y2": y2, "worker": w.Addr, "attempt": attempt + 1,
		}).WithError(err).Warn("broker: slice dispatch failed, rescheduling")
		b.pool.Remove(w.Addr)
		idx++
	}

	return nil, xerrors.Errorf("broker: band [%d,%d) at turn %d: %w", y1, y2, turn, ErrSliceExhausted)
}

func (b *Broker) dispatchBand(ctx context.Context, geom cellset.Geometry, turn, y1, y2 uint32, alive *cellset.AliveSet, w *Worker) (*cellset.AliveSet, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, b.sliceTimeout)
	defer cancel()

	haloCtx := bandContext(alive, geom, y1, y2)
	req := protocol.ProcessSliceRequest{
		Turn: turn, Y1: y1, Y2: y2, Width: geom.N,
		Context: wire.EncodePayload(haloCtx, geom.CoordBits),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, payload, err := w.client.Call(ctxTimeout, wire.FnProcessSlice, uint16(geom.N), req.Encode())
	if err != nil {
		return nil, xerrors.Errorf("broker: PROCESS_SLICE to %s: %w", w.Addr, err)
	}
	resp, err := protocol.DecodeProcessSliceResponse(payload)
	if err != nil {
		return nil, err
	}
	return wire.DecodePayload(resp.NextBand, geom.CoordBits), nil
}

// CountAlive returns the current turn and alive-cell count (spec.md §4.F).
func (b *Broker) CountAlive(_ context.Context, _ protocol.Empty) (protocol.CountAliveResponse, error) {
	turn, alive := b.world.snapshot()
	return protocol.CountAliveResponse{Turn: turn, Count: uint32(alive.Len())}, nil
}

// Screenshot returns {turn, alive} without mutating World (spec.md §4.F,
// §9 Open Question 2).
func (b *Broker) Screenshot(_ context.Context, _ protocol.Empty) (protocol.ScreenshotResponse, error) {
	turn, alive := b.world.snapshot()
	geom, err := cellset.NewGeometry(b.world.paramsSnapshot().Width)
	if err != nil {
		return protocol.ScreenshotResponse{}, err
	}
	return protocol.ScreenshotResponse{Turn: turn, Alive: wire.EncodePayload(alive, geom.CoordBits)}, nil
}

// Pause toggles World.paused and wakes any waiter, returning the new value.
func (b *Broker) Pause(_ context.Context, _ protocol.Empty) (protocol.PauseResponse, error) {
	b.world.mu.Lock()
	defer b.world.mu.Unlock()
	b.world.paused = !b.world.paused
	b.world.cond.Broadcast()
	return protocol.PauseResponse{Paused: b.world.paused}, nil
}

// Quit sets World.quitting so ProcessGol returns at its next checkpoint,
// and resets paused so a retained World isn't stuck waiting forever on a
// future continuation.
func (b *Broker) Quit(_ context.Context, _ protocol.Empty) (protocol.QuitResponse, error) {
	b.world.mu.Lock()
	b.world.quitting = true
	b.world.paused = false
	b.world.cond.Broadcast()
	turn, alive := b.world.turn, b.world.alive
	b.world.mu.Unlock()

	geom, err := cellset.NewGeometry(b.world.paramsSnapshot().Width)
	if err != nil {
		return protocol.QuitResponse{}, err
	}
	return protocol.QuitResponse{Turn: turn, Alive: wire.EncodePayload(alive, geom.CoordBits)}, nil
}

// Subscribe dials back to addr and adds it to the worker pool.
func (b *Broker) Subscribe(_ context.Context, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error) {
	w, err := b.pool.Subscribe(req.Addr, req.Capabilities)
	if err != nil {
		return protocol.SubscribeResponse{}, err
	}
	b.log.WithFields(logrus.Fields{"addr": req.Addr, "worker_id": w.ID}).Info("broker: worker subscribed")
	return protocol.SubscribeResponse{WorkerID: w.ID}, nil
}

// Unsubscribe removes addr from the worker pool.
func (b *Broker) Unsubscribe(_ context.Context, req protocol.SubscribeRequest) (protocol.Empty, error) {
	b.pool.Unsubscribe(req.Addr)
	return protocol.Empty{}, nil
}

// Kill broadcasts KILL to every subscribed worker and sets World.quitting.
func (b *Broker) Kill(_ context.Context, _ protocol.Empty) (protocol.Empty, error) {
	b.world.mu.Lock()
	b.world.quitting = true
	b.world.cond.Broadcast()
	b.world.mu.Unlock()
	b.pool.BroadcastKill()
	return protocol.Empty{}, nil
}
