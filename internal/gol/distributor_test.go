package gol_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/gol"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/wire"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeBroker implements gol.BrokerClient so the keypress state machine can
// be driven without a real network stack (SPEC_FULL.md §12's rationale
// for BrokerClient being an interface).
type fakeBroker struct {
	mu sync.Mutex

	screenshotResp protocol.ScreenshotResponse
	screenshotErr  error

	paused  bool
	pauseN  int
	quitResp protocol.QuitResponse
	quitErr  error
	killErr  error
}

func (f *fakeBroker) ProcessGol(ctx context.Context, _ protocol.Params, _ *cellset.AliveSet) (protocol.ProcessGolResponse, error) {
	<-ctx.Done()
	return protocol.ProcessGolResponse{}, ctx.Err()
}

func (f *fakeBroker) CountAlive(context.Context) (protocol.CountAliveResponse, error) {
	return protocol.CountAliveResponse{}, nil
}

func (f *fakeBroker) Screenshot(context.Context) (protocol.ScreenshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenshotResp, f.screenshotErr
}

func (f *fakeBroker) Pause(context.Context) (protocol.PauseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = !f.paused
	f.pauseN++
	return protocol.PauseResponse{Paused: f.paused}, nil
}

func (f *fakeBroker) Quit(context.Context) (protocol.QuitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quitResp, f.quitErr
}

func (f *fakeBroker) Kill(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killErr
}

func (f *fakeBroker) Close() error { return nil }

type writtenPGM struct {
	name  string
	alive int
}

type fakeIO struct {
	mu      sync.Mutex
	initial *cellset.AliveSet
	writes  []writtenPGM
	writeErr error
}

func (f *fakeIO) ReadInitial(context.Context, string) (*cellset.AliveSet, error) {
	return f.initial, nil
}

func (f *fakeIO) WritePGM(_ context.Context, name string, alive *cellset.AliveSet, _ cellset.Geometry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writtenPGM{name: name, alive: alive.Len()})
	return nil
}

func (f *fakeIO) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func collectEvents(events chan gol.Event) *eventLog {
	l := &eventLog{}
	go func() {
		for e := range events {
			l.mu.Lock()
			l.items = append(l.items, e)
			l.mu.Unlock()
		}
	}()
	return l
}

type eventLog struct {
	mu    sync.Mutex
	items []gol.Event
}

func (l *eventLog) snapshot() []gol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]gol.Event, len(l.items))
	copy(out, l.items)
	return out
}

func (l *eventLog) has(pred func(gol.Event) bool) bool {
	for _, e := range l.snapshot() {
		if pred(e) {
			return true
		}
	}
	return false
}

func newTestDistributor(t *testing.T, broker gol.BrokerClient, io gol.ImageIO) (*gol.Distributor, chan rune, *eventLog) {
	t.Helper()
	geom, err := cellset.NewGeometry(8)
	if err != nil {
		t.Fatal(err)
	}
	params := protocol.Params{Width: 8, Height: 8, Turns: 10_000_000}
	events := make(chan gol.Event, 1000)
	keypresses := make(chan rune, 10)
	d := gol.New(broker, io, params, geom, events, keypresses, quietLogger())
	return d, keypresses, collectEvents(events)
}

// TestKeypressScreenshot covers E5: an 'S' keypress must produce a
// WritePGM call and an ImageOutputComplete event, with the run otherwise
// unaffected.
func TestKeypressScreenshot(t *testing.T) {
	fb := &fakeBroker{screenshotResp: protocol.ScreenshotResponse{Turn: 42, Alive: nil}}
	fio := &fakeIO{initial: cellset.NewAliveSet(0)}
	d, keys, events := newTestDistributor(t, fb, fio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	keys <- 'S'

	deadline := time.Now().Add(time.Second)
	for fio.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fio.writeCount() != 1 {
		t.Fatalf("WritePGM called %d times, want 1", fio.writeCount())
	}
	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.ImageOutputComplete)
		return ok && ev.Turn == 42
	}) {
		t.Fatal("expected ImageOutputComplete for turn 42")
	}

	cancel()
	<-runDone
}

// TestKeypressPauseTogglesState covers E6: two 'P' keypresses must toggle
// Pause then Executing, each reflected as a StateChange event.
func TestKeypressPauseTogglesState(t *testing.T) {
	fb := &fakeBroker{}
	fio := &fakeIO{initial: cellset.NewAliveSet(0)}
	d, keys, events := newTestDistributor(t, fb, fio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	keys <- 'P'
	deadline := time.Now().Add(time.Second)
	for !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Pause
	}) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Pause
	}) {
		t.Fatal("expected StateChange{Pause}")
	}

	keys <- 'P'
	deadline = time.Now().Add(time.Second)
	for !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Executing
	}) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Executing
	}) {
		t.Fatal("expected StateChange{Executing} after second P")
	}

	cancel()
	<-runDone
}

// TestKeypressQuit covers E7: 'Q' must write the final PGM, emit
// FinalTurnComplete and a terminal StateChange{Quitting}, and Run must
// return.
func TestKeypressQuit(t *testing.T) {
	geom, err := cellset.NewGeometry(8)
	if err != nil {
		t.Fatal(err)
	}
	alive := cellset.NewAliveSet(1)
	fb := &fakeBroker{quitResp: protocol.QuitResponse{Turn: 7, Alive: wire.EncodePayload(alive, geom.CoordBits)}}
	fio := &fakeIO{initial: cellset.NewAliveSet(0)}
	d, keys, events := newTestDistributor(t, fb, fio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	keys <- 'Q'

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Q")
	}

	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.FinalTurnComplete)
		return ok && ev.Turn == 7
	}) {
		t.Fatal("expected FinalTurnComplete{Turn: 7}")
	}
	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Quitting
	}) {
		t.Fatal("expected terminal StateChange{Quitting}")
	}
	if fio.writeCount() != 1 {
		t.Fatalf("WritePGM called %d times, want 1", fio.writeCount())
	}
}

// TestKeypressKill covers the 'K' path: Kill is called on the broker and
// Run returns immediately with a terminal StateChange{Quitting}.
func TestKeypressKill(t *testing.T) {
	fb := &fakeBroker{}
	fio := &fakeIO{initial: cellset.NewAliveSet(0)}
	d, keys, events := newTestDistributor(t, fb, fio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	keys <- 'K'

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after K")
	}

	if !events.has(func(e gol.Event) bool {
		ev, ok := e.(gol.StateChange)
		return ok && ev.State == gol.Quitting
	}) {
		t.Fatal("expected terminal StateChange{Quitting}")
	}
}
