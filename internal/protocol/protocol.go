// Package protocol defines the request/response bodies exchanged over the
// wire.Header framing for every fn_call code, and their binary encodings.
// PROCESS_GOL/PROCESS_SLICE/SCREENSHOT/QUIT bodies carry a wire-encoded
// AliveSet (coordBits derived from the grid width in the body or in the
// run's Params, not from the header's image_size); the remaining control
// RPCs carry small fixed-layout structs encoded by the functions below,
// following the teacher's own preference for explicit byte-level packing
// over a generic reflection-based codec.
package protocol

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// ErrMalformedBody is returned when a fixed-layout body is too short to
// contain its declared fields.
var ErrMalformedBody = xerrors.New("protocol: malformed request/response body")

// Params mirrors spec.md §6's CLI-derived run parameters, carried by
// PROCESS_GOL; the broker passes the width on to workers in each
// PROCESS_SLICE body so both agree on grid geometry.
type Params struct {
	Width, Height uint32
	Turns         uint32
}

func encodeString(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b[:2], uint16(len(s)))
	copy(b[2:], s)
	return b
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrMalformedBody
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return "", nil, ErrMalformedBody
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// SubscribeRequest is the SUBSCRIBE body: the worker's dial-back address
// and its advertised capability set (currently always ["PROCESS_SLICE"]).
type SubscribeRequest struct {
	Addr         string
	Capabilities []string
}

func (r SubscribeRequest) Encode() []byte {
	out := encodeString(r.Addr)
	out = append(out, byte(len(r.Capabilities)))
	for _, c := range r.Capabilities {
		out = append(out, encodeString(c)...)
	}
	return out
}

func DecodeSubscribeRequest(b []byte) (SubscribeRequest, error) {
	addr, rest, err := decodeString(b)
	if err != nil {
		return SubscribeRequest{}, err
	}
	if len(rest) < 1 {
		return SubscribeRequest{}, ErrMalformedBody
	}
	n := int(rest[0])
	rest = rest[1:]
	caps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var c string
		c, rest, err = decodeString(rest)
		if err != nil {
			return SubscribeRequest{}, err
		}
		caps = append(caps, c)
	}
	return SubscribeRequest{Addr: addr, Capabilities: caps}, nil
}

// SubscribeResponse carries the short fingerprint the broker assigned to
// the newly (re-)subscribed worker, for log correlation.
type SubscribeResponse struct {
	WorkerID string
}

func (r SubscribeResponse) Encode() []byte { return encodeString(r.WorkerID) }

func DecodeSubscribeResponse(b []byte) (SubscribeResponse, error) {
	id, _, err := decodeString(b)
	if err != nil {
		return SubscribeResponse{}, err
	}
	return SubscribeResponse{WorkerID: id}, nil
}

// ProcessGolRequest starts a run: the run parameters plus the initial
// alive set, wire-encoded using the geometry implied by params.Width.
type ProcessGolRequest struct {
	Params Params
	Alive  []byte // wire.EncodePayload(initial, coordBits)
}

func (r ProcessGolRequest) Encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], r.Params.Width)
	binary.BigEndian.PutUint32(out[4:8], r.Params.Height)
	binary.BigEndian.PutUint32(out[8:12], r.Params.Turns)
	return append(out, r.Alive...)
}

func DecodeProcessGolRequest(b []byte) (ProcessGolRequest, error) {
	if len(b) < 12 {
		return ProcessGolRequest{}, ErrMalformedBody
	}
	p := Params{
		Width:  binary.BigEndian.Uint32(b[0:4]),
		Height: binary.BigEndian.Uint32(b[4:8]),
		Turns:  binary.BigEndian.Uint32(b[8:12]),
	}
	return ProcessGolRequest{Params: p, Alive: b[12:]}, nil
}

// ProcessGolResponse is ProcessGol's result: the final alive set and the
// number of turns actually completed (may be less than requested on Quit).
type ProcessGolResponse struct {
	CompletedTurns uint32
	Alive          []byte
}

func (r ProcessGolResponse) Encode() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, r.CompletedTurns)
	return append(out, r.Alive...)
}

func DecodeProcessGolResponse(b []byte) (ProcessGolResponse, error) {
	if len(b) < 4 {
		return ProcessGolResponse{}, ErrMalformedBody
	}
	return ProcessGolResponse{CompletedTurns: binary.BigEndian.Uint32(b[:4]), Alive: b[4:]}, nil
}

// ProcessSliceRequest is one band job: the row range and the neighbour
// context (halo rows included), wire-encoded at the job's coordBits.
type ProcessSliceRequest struct {
	Turn, Y1, Y2 uint32
	Width        uint32
	Context      []byte
}

func (r ProcessSliceRequest) Encode() []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint32(out[0:4], r.Turn)
	binary.BigEndian.PutUint32(out[4:8], r.Y1)
	binary.BigEndian.PutUint32(out[8:12], r.Y2)
	binary.BigEndian.PutUint32(out[12:16], r.Width)
	return append(out, r.Context...)
}

func DecodeProcessSliceRequest(b []byte) (ProcessSliceRequest, error) {
	if len(b) < 16 {
		return ProcessSliceRequest{}, ErrMalformedBody
	}
	return ProcessSliceRequest{
		Turn:    binary.BigEndian.Uint32(b[0:4]),
		Y1:      binary.BigEndian.Uint32(b[4:8]),
		Y2:      binary.BigEndian.Uint32(b[8:12]),
		Width:   binary.BigEndian.Uint32(b[12:16]),
		Context: b[16:],
	}, nil
}

// ProcessSliceResponse returns the band's next-turn alive cells.
type ProcessSliceResponse struct {
	NextBand []byte
}

func (r ProcessSliceResponse) Encode() []byte { return r.NextBand }

func DecodeProcessSliceResponse(b []byte) (ProcessSliceResponse, error) {
	return ProcessSliceResponse{NextBand: b}, nil
}

// CountAliveResponse answers CountAlive.
type CountAliveResponse struct {
	Turn  uint32
	Count uint32
}

func (r CountAliveResponse) Encode() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], r.Turn)
	binary.BigEndian.PutUint32(out[4:8], r.Count)
	return out
}

func DecodeCountAliveResponse(b []byte) (CountAliveResponse, error) {
	if len(b) < 8 {
		return CountAliveResponse{}, ErrMalformedBody
	}
	return CountAliveResponse{Turn: binary.BigEndian.Uint32(b[0:4]), Count: binary.BigEndian.Uint32(b[4:8])}, nil
}

// ScreenshotResponse answers Screenshot: {turn, alive} per spec.md §9
// Open Question 2's resolution.
type ScreenshotResponse struct {
	Turn  uint32
	Alive []byte
}

func (r ScreenshotResponse) Encode() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, r.Turn)
	return append(out, r.Alive...)
}

func DecodeScreenshotResponse(b []byte) (ScreenshotResponse, error) {
	if len(b) < 4 {
		return ScreenshotResponse{}, ErrMalformedBody
	}
	return ScreenshotResponse{Turn: binary.BigEndian.Uint32(b[:4]), Alive: b[4:]}, nil
}

// PauseResponse carries the new paused state after toggling.
type PauseResponse struct {
	Paused bool
}

func (r PauseResponse) Encode() []byte {
	if r.Paused {
		return []byte{1}
	}
	return []byte{0}
}

func DecodePauseResponse(b []byte) (PauseResponse, error) {
	if len(b) < 1 {
		return PauseResponse{}, ErrMalformedBody
	}
	return PauseResponse{Paused: b[0] != 0}, nil
}

// QuitResponse is Quit's {turn, alive} snapshot at the moment quitting was set.
type QuitResponse struct {
	Turn  uint32
	Alive []byte
}

func (r QuitResponse) Encode() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, r.Turn)
	return append(out, r.Alive...)
}

func DecodeQuitResponse(b []byte) (QuitResponse, error) {
	if len(b) < 4 {
		return QuitResponse{}, ErrMalformedBody
	}
	return QuitResponse{Turn: binary.BigEndian.Uint32(b[:4]), Alive: b[4:]}, nil
}

// Empty is the body of requests/responses with no payload (PING, UNSUBSCRIBE, KILL).
type Empty struct{}

func (Empty) Encode() []byte              { return nil }
func DecodeEmpty(_ []byte) (Empty, error) { return Empty{}, nil }
