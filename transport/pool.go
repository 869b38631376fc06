package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: connection pool closed")

// Pool keeps connections that finished a call so the next call can reuse
// them instead of dialing and handshaking again.
//
// A connection is owned by exactly one call at a time: Get hands it out and
// removes it from the pool, Put hands it back. Connections that saw an error
// must be closed by the caller, never Put.
//
// Pool design: a buffered channel as a natural FIFO of idle connections.
// It never limits how many connections are open, only how many are kept idle.
type Pool struct {
	mu     sync.Mutex
	idle   chan *Conn                               // buffered channel as a FIFO pool
	dial   func(ctx context.Context) (*Conn, error) // Connection factory: dial + handshake
	closed bool
}

// NewPool creates a pool keeping at most maxIdle idle connections.
// Connections are created lazily; the pool starts empty.
func NewPool(maxIdle int, dial func(ctx context.Context) (*Conn, error)) *Pool {
	if maxIdle < 0 {
		maxIdle = 0
	}
	return &Pool{
		idle: make(chan *Conn, maxIdle),
		dial: dial,
	}
}

// Get returns an idle connection, or dials a new one when none is idle.
// Idle connections the peer closed or sent GOAWAY on while they waited are
// closed and skipped.
// The caller owns the returned connection until it calls Put or closes it.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if c.idleUsable() {
				return c, nil
			}
			c.Close()
		default:
			return p.dial(ctx)
		}
	}
}

// Put hands a healthy connection back. When the pool is full or closed the
// connection is closed instead.
func (p *Pool) Put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return
	}
	select {
	case p.idle <- c:
	default:
		c.Close()
	}
}

// Idle reports how many connections are waiting for reuse.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Close closes every idle connection. Connections currently owned by calls
// are closed when those calls hand them back.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.idle)
	for c := range p.idle {
		c.Close()
	}
	return nil
}
