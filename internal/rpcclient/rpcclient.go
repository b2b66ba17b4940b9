// Package rpcclient multiplexes request/response RPCs from many goroutines
// across one wire connection, correlating replies by msg_id the way
// spec.md §4.D describes. It plays the role net/rpc's Client plays in the
// louiesinadjan-game-of-life reference, but over our own framing instead
// of gob.
package rpcclient

import (
	"context"
	"net"
	"sync"

	"github.com/cserra/golswarm/wire"
)

type result struct {
	header  wire.Header
	payload []byte
	err     error
}

// Client owns one connection and a background read loop that demultiplexes
// replies to the goroutine awaiting them.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	nextMsgID uint16
	pending   map[uint16]chan result
	closed    chan struct{}
	closeErr  error
}

// New starts the client's read loop over conn. The caller retains ownership
// of conn and must Close the Client (which closes conn) when done.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint16]chan result),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		h, payload, err := wire.ReadPacket(c.conn, wire.MaxLength)
		c.mu.Lock()
		if err != nil {
			for id, ch := range c.pending {
				ch <- result{err: err}
				delete(c.pending, id)
			}
			c.closeErr = err
			c.mu.Unlock()
			close(c.closed)
			return
		}
		ch, ok := c.pending[h.MsgID]
		if ok {
			delete(c.pending, h.MsgID)
		}
		c.mu.Unlock()
		if ok {
			ch <- result{header: h, payload: payload}
		}
	}
}

// Call sends one request of the given fn_call code and image_size, and
// blocks until its matching reply arrives, ctx is done, or the connection
// fails.
func (c *Client) Call(ctx context.Context, fnCall byte, imageSize uint16, body []byte) (wire.Header, []byte, error) {
	c.mu.Lock()
	c.nextMsgID++
	msgID := c.nextMsgID
	ch := make(chan result, 1)
	c.pending[msgID] = ch
	c.mu.Unlock()

	h := wire.Header{Version: wire.CurrentVersion, FnCall: fnCall, MsgID: msgID, ImageSize: imageSize}

	c.writeMu.Lock()
	err := wire.WritePacket(c.conn, h, body)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
		return wire.Header{}, nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return wire.Header{}, nil, r.err
		}
		return r.header, r.payload, nil
	case <-ctx.Done():
		return wire.Header{}, nil, ctx.Err()
	case <-c.closed:
		return wire.Header{}, nil, c.closeErr
	}
}

// Close closes the underlying connection, which unblocks the read loop and
// fails any pending calls.
func (c *Client) Close() error {
	return c.conn.Close()
}
