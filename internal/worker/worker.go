// Package worker implements the long-running worker process of spec.md
// §4.E: it dials the broker to SUBSCRIBE with its own listen address, then
// serves PROCESS_SLICE requests the broker dials back to deliver.
package worker

import (
	"context"
	"net"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/internal/rpcclient"
	"github.com/cserra/golswarm/wire"
)

// Worker serves PROCESS_SLICE jobs dispatched by exactly one broker.
type Worker struct {
	listenAddr string
	brokerAddr string
	log        *logrus.Logger

	// computeSem bounds concurrent band evolutions to GOMAXPROCS, so a
	// burst of dial-backs can't spawn unbounded CPU-bound goroutines (the
	// "bounded goroutine pool, not one goroutine per job" requirement of
	// SPEC_FULL.md §4.E).
	computeSem chan struct{}
}

// New returns a Worker that will listen on listenAddr and subscribe to
// brokerAddr.
func New(listenAddr, brokerAddr string, log *logrus.Logger) *Worker {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &Worker{
		listenAddr: listenAddr,
		brokerAddr: brokerAddr,
		log:        log,
		computeSem: make(chan struct{}, n),
	}
}

// Run starts the listener, subscribes to the broker, and serves
// PROCESS_SLICE requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return xerrors.Errorf("worker: listening on %s: %w", w.listenAddr, err)
	}
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	if err := w.subscribe(ctx); err != nil {
		return err
	}

	w.log.WithField("addr", w.listenAddr).Info("worker: serving PROCESS_SLICE")
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Errorf("worker: accept: %w", err)
			}
		}
		go w.serveConn(conn)
	}
}

// subscribe opens a short-lived connection to the broker to announce this
// worker's listen address and capability set (spec.md §4.E). The broker
// dials back to listenAddr separately for job dispatch, so this connection
// closes right after the reply.
func (w *Worker) subscribe(ctx context.Context) error {
	conn, err := net.Dial("tcp", w.brokerAddr)
	if err != nil {
		return xerrors.Errorf("worker: dialing broker %s: %w", w.brokerAddr, err)
	}
	defer conn.Close()

	client := rpcclient.New(conn)
	defer client.Close()

	req := protocol.SubscribeRequest{Addr: w.listenAddr, Capabilities: []string{"PROCESS_SLICE"}}
	_, payload, err := client.Call(ctx, wire.FnSubscribe, 0, req.Encode())
	if err != nil {
		return xerrors.Errorf("worker: SUBSCRIBE: %w", err)
	}
	resp, err := protocol.DecodeSubscribeResponse(payload)
	if err != nil {
		return err
	}
	w.log.WithField("worker_id", resp.WorkerID).Info("worker: subscribed to broker")
	return nil
}

func (w *Worker) serveConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex

	for {
		h, payload, err := wire.ReadPacket(conn, wire.MaxLength)
		if err != nil {
			return
		}
		go w.handle(conn, &writeMu, h, payload)
	}
}

func (w *Worker) handle(conn net.Conn, writeMu *sync.Mutex, h wire.Header, payload []byte) {
	var out []byte
	var err error

	switch byte(h.FnCall) {
	case byte(wire.FnProcessSlice):
		out, err = w.processSlice(payload)
	case byte(wire.FnKill):
		out, err = protocol.Empty{}.Encode(), nil
	default:
		err = xerrors.Errorf("worker: unexpected fn_call %d", h.FnCall)
	}

	if err != nil {
		w.log.WithError(err).WithField("fn_call", h.FnCall).Warn("worker: request failed")
		return
	}

	resp := wire.Header{Version: wire.CurrentVersion, FnCall: h.FnCall, MsgID: h.MsgID, ImageSize: h.ImageSize}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := wire.WritePacket(conn, resp, out); err != nil {
		w.log.WithError(err).Warn("worker: writing reply failed")
	}
}

// processSlice evolves one band one turn. The CPU-bound evolution itself
// runs on computeSem so the read loop stays responsive even under a burst
// of concurrent band jobs (spec.md §5: compute is the Worker's one
// blocking suspension point).
func (w *Worker) processSlice(payload []byte) ([]byte, error) {
	req, err := protocol.DecodeProcessSliceRequest(payload)
	if err != nil {
		return nil, err
	}

	geom, err := cellset.NewGeometry(req.Width)
	if err != nil {
		return nil, err
	}
	ctxSet := wire.DecodePayload(req.Context, geom.CoordBits)

	w.computeSem <- struct{}{}
	next := geom.Step(ctxSet, req.Y1, req.Y2)
	<-w.computeSem

	resp := protocol.ProcessSliceResponse{NextBand: wire.EncodePayload(next, geom.CoordBits)}
	return resp.Encode(), nil
}
