package broker_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/coord"
	"github.com/cserra/golswarm/internal/broker"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/internal/rpcclient"
	"github.com/cserra/golswarm/internal/worker"
	"github.com/cserra/golswarm/wire"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// freeAddr reserves then releases a TCP port, for wiring up a broker or
// worker listen address before the real listener binds it.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func waitDialable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never became dialable", addr)
}

// startCluster launches a broker and n workers in-process, all wired over
// real TCP loopback connections and the real wire framing, and returns the
// broker's address plus a shutdown func.
func startCluster(t *testing.T, n int) (brokerAddr string, shutdown func()) {
	t.Helper()
	log := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())

	brokerAddr = freeAddr(t)
	b := broker.New(2*time.Second, log)
	srv := broker.NewServer(b, log)
	go srv.ListenAndServe(ctx, brokerAddr)
	waitDialable(t, brokerAddr)

	for i := 0; i < n; i++ {
		workerAddr := freeAddr(t)
		w := worker.New(workerAddr, brokerAddr, log)
		go w.Run(ctx)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Pool().Len() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.Pool().Len(); got != n {
		cancel()
		t.Fatalf("only %d/%d workers subscribed", got, n)
	}

	return brokerAddr, cancel
}

func glider(geom cellset.Geometry) *cellset.AliveSet {
	alive := cellset.NewAliveSet(5)
	for _, xy := range [][2]uint32{{1, 0}, {2, 1}, {0, 2}, {1, 2}, {2, 2}} {
		alive.Add(coord.Pack(xy[0], xy[1], geom.K))
	}
	return alive
}

func sameMembers(t *testing.T, got, want *cellset.AliveSet) {
	t.Helper()
	if got.Len() != want.Len() {
		t.Fatalf("alive count = %d, want %d", got.Len(), want.Len())
	}
	for _, p := range want.Ordered() {
		if !got.Contains(p) {
			t.Errorf("missing expected alive coord %d", p)
		}
	}
}

// TestProcessGolSingleWorkerMatchesOracle exercises the single-worker path:
// one band covering the whole grid should match the sequential Step oracle.
func TestProcessGolSingleWorkerMatchesOracle(t *testing.T) {
	brokerAddr, shutdown := startCluster(t, 1)
	defer shutdown()

	const n = 8
	geom, err := cellset.NewGeometry(n)
	if err != nil {
		t.Fatal(err)
	}
	initial := glider(geom)
	want := geom.Step(initial, 0, n)

	conn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		t.Fatal(err)
	}
	client := rpcclient.New(conn)
	defer client.Close()

	req := protocol.ProcessGolRequest{
		Params: protocol.Params{Width: n, Height: n, Turns: 1},
		Alive:  wire.EncodePayload(initial, geom.CoordBits),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, payload, err := client.Call(ctx, wire.FnProcessGol, n, req.Encode())
	if err != nil {
		t.Fatalf("ProcessGol: %v", err)
	}
	resp, err := protocol.DecodeProcessGolResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.CompletedTurns != 1 {
		t.Fatalf("completed turns = %d, want 1", resp.CompletedTurns)
	}
	sameMembers(t, wire.DecodePayload(resp.Alive, geom.CoordBits), want)
}

// TestProcessGolMultiWorkerMatchesOracle checks that band partitioning and
// halo context reassembly across several workers reproduces the same
// result as the single-threaded oracle (spec.md Testable Property 3/4).
func TestProcessGolMultiWorkerMatchesOracle(t *testing.T) {
	brokerAddr, shutdown := startCluster(t, 3)
	defer shutdown()

	const n = 16
	geom, err := cellset.NewGeometry(n)
	if err != nil {
		t.Fatal(err)
	}
	initial := glider(geom)
	want := geom.Step(initial, 0, n)
	for turn := 1; turn < 3; turn++ {
		want = geom.Step(want, 0, n)
	}

	conn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		t.Fatal(err)
	}
	client := rpcclient.New(conn)
	defer client.Close()

	req := protocol.ProcessGolRequest{
		Params: protocol.Params{Width: n, Height: n, Turns: 3},
		Alive:  wire.EncodePayload(initial, geom.CoordBits),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, payload, err := client.Call(ctx, wire.FnProcessGol, n, req.Encode())
	if err != nil {
		t.Fatalf("ProcessGol: %v", err)
	}
	resp, err := protocol.DecodeProcessGolResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if resp.CompletedTurns != 3 {
		t.Fatalf("completed turns = %d, want 3", resp.CompletedTurns)
	}
	sameMembers(t, wire.DecodePayload(resp.Alive, geom.CoordBits), want)
}

// TestCountAliveAndPauseQuit exercises the control RPCs against a long run:
// Pause must stop turn progress until unpaused, and Quit must return
// promptly with the turn/alive state frozen at the pause point.
func TestCountAliveAndPauseQuit(t *testing.T) {
	brokerAddr, shutdown := startCluster(t, 2)
	defer shutdown()

	const n = 8
	geom, err := cellset.NewGeometry(n)
	if err != nil {
		t.Fatal(err)
	}
	initial := glider(geom)

	distConn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		t.Fatal(err)
	}
	dist := rpcclient.New(distConn)
	defer dist.Close()

	req := protocol.ProcessGolRequest{
		Params: protocol.Params{Width: n, Height: n, Turns: 10_000_000},
		Alive:  wire.EncodePayload(initial, geom.CoordBits),
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctx := context.Background()
		_, _, _ = dist.Call(ctx, wire.FnProcessGol, n, req.Encode())
	}()

	controlConn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		t.Fatal(err)
	}
	control := rpcclient.New(controlConn)
	defer control.Close()

	readTurn := func() uint32 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, payload, err := control.Call(ctx, wire.FnCountAlive, n, protocol.Empty{}.Encode())
		if err != nil {
			t.Fatalf("CountAlive: %v", err)
		}
		resp, err := protocol.DecodeCountAliveResponse(payload)
		if err != nil {
			t.Fatal(err)
		}
		return resp.Turn
	}

	deadline := time.Now().Add(2 * time.Second)
	for readTurn() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	pauseCtx, pauseCancel := context.WithTimeout(context.Background(), time.Second)
	_, payload, err := control.Call(pauseCtx, wire.FnPause, n, protocol.Empty{}.Encode())
	pauseCancel()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	pauseResp, err := protocol.DecodePauseResponse(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !pauseResp.Paused {
		t.Fatalf("Pause response reports not paused")
	}

	frozen := readTurn()
	time.Sleep(50 * time.Millisecond)
	if got := readTurn(); got != frozen {
		t.Fatalf("turn advanced from %d to %d while paused", frozen, got)
	}

	quitCtx, quitCancel := context.WithTimeout(context.Background(), time.Second)
	_, qPayload, err := control.Call(quitCtx, wire.FnQuit, n, protocol.Empty{}.Encode())
	quitCancel()
	if err != nil {
		t.Fatalf("Quit: %v", err)
	}
	quitResp, err := protocol.DecodeQuitResponse(qPayload)
	if err != nil {
		t.Fatal(err)
	}
	if quitResp.Turn != frozen {
		t.Fatalf("Quit turn = %d, want %d (frozen at pause)", quitResp.Turn, frozen)
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessGol did not return after Quit")
	}
}
