// Package client implements the call initiator.
//
// A Client targets one server address. Every call owns one connection for
// its whole duration:
//
//	CallUnary ──Get──→ Pool ──(idle conn, or Dial + handshake)──→ call
//	                     ↑                                          │
//	                     └──────────Put (clean finish only)─────────┘
//
// Any transport error, cancellation or abandoned stream closes the
// connection instead of returning it.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"h2rpc/registry"
	"h2rpc/transport"
)

// Client issues calls to one server.
type Client struct {
	address string
	opts    options
	log     *zap.Logger
	pool    *transport.Pool
}

// New creates a client for address ("host:port"). No connection is made
// until the first call.
func New(address string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.authority == "" {
		o.authority = address
	}
	c := &Client{
		address: address,
		opts:    o,
		log:     o.logger.With(zap.String("target", address)),
	}
	c.pool = transport.NewPool(o.maxIdleConns, c.dial)
	return c
}

// NewFromRegistry discovers the instances of service and targets the first
// one.
func NewFromRegistry(ctx context.Context, reg registry.Registry, service string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	if len(instances) == 0 {
		return nil, errors.New("no instances available for " + service)
	}
	return New(instances[0].Addr, opts...), nil
}

// Dial connects to address over TCP and runs the client handshake. ctx bounds
// both steps.
func Dial(ctx context.Context, address string) (*transport.Conn, error) {
	return transport.Dial(ctx, "tcp", address)
}

func (c *Client) dial(ctx context.Context) (*transport.Conn, error) {
	if c.opts.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
	}
	conn, err := Dial(ctx, c.address)
	if err != nil {
		return nil, err
	}
	c.log.Debug("connection established", zap.Stringer("local", conn.LocalAddr()))
	return conn, nil
}

// Address returns the target address.
func (c *Client) Address() string { return c.address }

// Close closes idle connections. Calls in flight keep their connections
// until they finish, and those are closed instead of kept.
func (c *Client) Close() error {
	return c.pool.Close()
}
