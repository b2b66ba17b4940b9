package broker

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/rpcdispatch"
	"github.com/cserra/golswarm/wire"
)

// Server accepts both SUBSCRIBE traffic from workers and the control RPCs
// of a single Distributor on one fixed address, dispatching each received
// packet through a rpcdispatch.Registry bound to the Broker's methods
// (spec.md §4.D; registration happens once, in NewServer).
type Server struct {
	broker   *Broker
	registry *rpcdispatch.Registry
	log      *logrus.Logger
}

// NewServer builds the RPC registry for b and returns a ready-to-Listen Server.
func NewServer(b *Broker, log *logrus.Logger) *Server {
	r := rpcdispatch.New()
	rpcdispatch.Register(r, byte(wire.FnPing), func(_ context.Context, _ protocol.Empty) (protocol.Empty, error) {
		return protocol.Empty{}, nil
	})
	rpcdispatch.Register(r, byte(wire.FnSubscribe), b.Subscribe)
	rpcdispatch.Register(r, byte(wire.FnUnsubscribe), b.Unsubscribe)
	rpcdispatch.Register(r, byte(wire.FnProcessGol), b.ProcessGol)
	rpcdispatch.Register(r, byte(wire.FnCountAlive), b.CountAlive)
	rpcdispatch.Register(r, byte(wire.FnScreenshot), b.Screenshot)
	rpcdispatch.Register(r, byte(wire.FnPause), b.Pause)
	rpcdispatch.Register(r, byte(wire.FnQuit), b.Quit)
	rpcdispatch.Register(r, byte(wire.FnKill), b.Kill)
	return &Server{broker: b, registry: r, log: log}
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Errorf("broker: listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	s.log.WithField("addr", addr).Info("broker: listening")
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Errorf("broker: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex

	for {
		h, payload, err := wire.ReadPacket(conn, wire.MaxLength)
		if err != nil {
			return
		}
		go s.dispatch(conn, &writeMu, h, payload)
	}
}

func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, h wire.Header, payload []byte) {
	out, err := s.route(context.Background(), h, payload)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"fn_call": h.FnCall, "msg_id": h.MsgID,
		}).Error("broker: handler failed, dropping connection")
		conn.Close()
		return
	}

	resp := wire.Header{Version: wire.CurrentVersion, FnCall: h.FnCall, MsgID: h.MsgID, ImageSize: h.ImageSize}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := wire.WritePacket(conn, resp, out); err != nil {
		s.log.WithError(err).Warn("broker: writing reply failed")
	}
}

func (s *Server) route(ctx context.Context, h wire.Header, payload []byte) ([]byte, error) {
	switch byte(h.FnCall) {
	case byte(wire.FnPing):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.Empty](ctx, s.registry, byte(wire.FnPing), protocol.Empty{})
		return encodeOrErr(out, err)

	case byte(wire.FnSubscribe):
		in, err := protocol.DecodeSubscribeRequest(payload)
		if err != nil {
			return nil, err
		}
		out, err := rpcdispatch.Dispatch[protocol.SubscribeRequest, protocol.SubscribeResponse](ctx, s.registry, byte(wire.FnSubscribe), in)
		return encodeOrErr(out, err)

	case byte(wire.FnUnsubscribe):
		in, err := protocol.DecodeSubscribeRequest(payload)
		if err != nil {
			return nil, err
		}
		out, err := rpcdispatch.Dispatch[protocol.SubscribeRequest, protocol.Empty](ctx, s.registry, byte(wire.FnUnsubscribe), in)
		return encodeOrErr(out, err)

	case byte(wire.FnProcessGol):
		in, err := protocol.DecodeProcessGolRequest(payload)
		if err != nil {
			return nil, err
		}
		out, err := rpcdispatch.Dispatch[protocol.ProcessGolRequest, protocol.ProcessGolResponse](ctx, s.registry, byte(wire.FnProcessGol), in)
		return encodeOrErr(out, err)

	case byte(wire.FnCountAlive):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.CountAliveResponse](ctx, s.registry, byte(wire.FnCountAlive), protocol.Empty{})
		return encodeOrErr(out, err)

	case byte(wire.FnScreenshot):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.ScreenshotResponse](ctx, s.registry, byte(wire.FnScreenshot), protocol.Empty{})
		return encodeOrErr(out, err)

	case byte(wire.FnPause):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.PauseResponse](ctx, s.registry, byte(wire.FnPause), protocol.Empty{})
		return encodeOrErr(out, err)

	case byte(wire.FnQuit):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.QuitResponse](ctx, s.registry, byte(wire.FnQuit), protocol.Empty{})
		return encodeOrErr(out, err)

	case byte(wire.FnKill):
		out, err := rpcdispatch.Dispatch[protocol.Empty, protocol.Empty](ctx, s.registry, byte(wire.FnKill), protocol.Empty{})
		return encodeOrErr(out, err)

	default:
		return nil, rpcdispatch.ErrHandlerNotFound
	}
}

type encoder interface {
	Encode() []byte
}

func encodeOrErr[T encoder](out T, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return out.Encode(), nil
}
