package broker

import (
	"context"
	"encoding/hex"
	"hash"
	"net"
	"sync"
	"time"

	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/internal/rpcclient"
	"github.com/cserra/golswarm/wire"
)

// hasherPool reuses the teacher's sync.Pool-of-hashers idiom (commp.go's
// shaPool) to fingerprint subscribing workers without allocating a new
// hash.Hash per SUBSCRIBE.
var hasherPool = sync.Pool{New: func() interface{} { return sha256simd.New() }}

func fingerprint(addr string, capabilities []string) string {
	h := hasherPool.Get().(hash.Hash)
	h.Reset()
	h.Write([]byte(addr))
	for _, c := range capabilities {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	sum := h.Sum(nil)
	hasherPool.Put(h)
	return hex.EncodeToString(sum[:8])
}

// Worker is the broker's handle on one subscribed worker: the dial-back
// connection it opened in response to SUBSCRIBE, wrapped in a multiplexing
// rpcclient.Client.
type Worker struct {
	ID   string
	Addr string

	mu     sync.Mutex // serializes PROCESS_SLICE dispatches to this worker
	client *rpcclient.Client
}

// Pool is the broker's subscribed-worker set (spec.md §4.F, §5(b)):
// exclusive lock for subscribe/unsubscribe, snapshot taken once per turn.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*Worker
	order   []string
}

// NewPool returns an empty worker pool.
func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Subscribe dials addr (the worker's advertised listen address) and places
// the resulting handle into the pool, replacing any prior handle at the
// same address (idempotent re-subscription, per spec.md §4.F).
func (p *Pool) Subscribe(addr string, capabilities []string) (*Worker, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("broker: dialing worker %s: %w", addr, err)
	}
	w := &Worker{
		ID:     fingerprint(addr, capabilities),
		Addr:   addr,
		client: rpcclient.New(conn),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.workers[addr]; ok {
		old.client.Close()
	} else {
		p.order = append(p.order, addr)
	}
	p.workers[addr] = w
	return w, nil
}

// Unsubscribe closes and removes the worker at addr, if present.
func (p *Pool) Unsubscribe(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(addr)
}

// Remove drops a worker the broker has identified as disconnected (a
// transport failure during band dispatch), so the next turn's snapshot
// no longer offers it.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(addr)
}

func (p *Pool) removeLocked(addr string) {
	w, ok := p.workers[addr]
	if !ok {
		return
	}
	w.client.Close()
	delete(p.workers, addr)
	for i, a := range p.order {
		if a == addr {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the currently subscribed workers in subscription order.
// Callers take this once at the start of a turn; later subscribe/unsubscribe
// calls don't affect a turn already in flight.
func (p *Pool) Snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.order))
	for _, a := range p.order {
		out = append(out, p.workers[a])
	}
	return out
}

// Len reports the number of currently subscribed workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// BroadcastKill sends KILL to every subscribed worker, used on a
// Distributor 'K' command. Best-effort: a worker that fails to ack is
// already on its way down, so errors are swallowed.
func (p *Pool) BroadcastKill() {
	for _, w := range p.Snapshot() {
		w.mu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _, _ = w.client.Call(ctx, wire.FnKill, 0, nil)
		cancel()
		w.client.Close()
		w.mu.Unlock()
	}
}
