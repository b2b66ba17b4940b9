package gol

import (
	"context"
	"net"

	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/protocol"
	"github.com/cserra/golswarm/internal/rpcclient"
	"github.com/cserra/golswarm/wire"
)

// BrokerClient is the Distributor's view of the broker's control RPCs
// (spec.md §4.F). It is an interface so distributor_test.go can drive the
// keypress state machine against a fake, per SPEC_FULL.md §12.
type BrokerClient interface {
	ProcessGol(ctx context.Context, params protocol.Params, initial *cellset.AliveSet) (protocol.ProcessGolResponse, error)
	CountAlive(ctx context.Context) (protocol.CountAliveResponse, error)
	Screenshot(ctx context.Context) (protocol.ScreenshotResponse, error)
	Pause(ctx context.Context) (protocol.PauseResponse, error)
	Quit(ctx context.Context) (protocol.QuitResponse, error)
	Kill(ctx context.Context) error
	Close() error
}

type remoteBroker struct {
	client *rpcclient.Client
	geom   cellset.Geometry
}

// DialBroker opens a connection to the broker at addr for the grid
// geometry geom (its image_size is carried in every subsequent header).
func DialBroker(addr string, geom cellset.Geometry) (BrokerClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("gol: dialing broker %s: %w", addr, err)
	}
	return &remoteBroker{client: rpcclient.New(conn), geom: geom}, nil
}

func (r *remoteBroker) ProcessGol(ctx context.Context, params protocol.Params, initial *cellset.AliveSet) (protocol.ProcessGolResponse, error) {
	req := protocol.ProcessGolRequest{Params: params, Alive: wire.EncodePayload(initial, r.geom.CoordBits)}
	_, payload, err := r.client.Call(ctx, wire.FnProcessGol, uint16(r.geom.N), req.Encode())
	if err != nil {
		return protocol.ProcessGolResponse{}, err
	}
	return protocol.DecodeProcessGolResponse(payload)
}

func (r *remoteBroker) CountAlive(ctx context.Context) (protocol.CountAliveResponse, error) {
	_, payload, err := r.client.Call(ctx, wire.FnCountAlive, uint16(r.geom.N), nil)
	if err != nil {
		return protocol.CountAliveResponse{}, err
	}
	return protocol.DecodeCountAliveResponse(payload)
}

func (r *remoteBroker) Screenshot(ctx context.Context) (protocol.ScreenshotResponse, error) {
	_, payload, err := r.client.Call(ctx, wire.FnScreenshot, uint16(r.geom.N), nil)
	if err != nil {
		return protocol.ScreenshotResponse{}, err
	}
	return protocol.DecodeScreenshotResponse(payload)
}

func (r *remoteBroker) Pause(ctx context.Context) (protocol.PauseResponse, error) {
	_, payload, err := r.client.Call(ctx, wire.FnPause, uint16(r.geom.N), nil)
	if err != nil {
		return protocol.PauseResponse{}, err
	}
	return protocol.DecodePauseResponse(payload)
}

func (r *remoteBroker) Quit(ctx context.Context) (protocol.QuitResponse, error) {
	_, payload, err := r.client.Call(ctx, wire.FnQuit, uint16(r.geom.N), nil)
	if err != nil {
		return protocol.QuitResponse{}, err
	}
	return protocol.DecodeQuitResponse(payload)
}

func (r *remoteBroker) Kill(ctx context.Context) error {
	_, _, err := r.client.Call(ctx, wire.FnKill, uint16(r.geom.N), nil)
	return err
}

func (r *remoteBroker) Close() error { return r.client.Close() }
