package server

import (
	"time"

	"go.uber.org/zap"

	"h2rpc/registry"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRegistryTTL      = 10 // seconds, renewed by KeepAlive
)

type options struct {
	logger           *zap.Logger
	registry         registry.Registry
	advertiseAddr    string
	registryTTL      int64
	handshakeTimeout time.Duration
	maxRecvMsgSize   int
}

// Option configures a Server.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:           zap.NewNop(),
		registryTTL:      defaultRegistryTTL,
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry registers every service of the server in reg once it starts
// serving, and removes them on Shutdown.
//
// advertiseAddr is the address clients should dial. It differs from the
// listen address because ":8080" is not routable; when empty the listener's
// address is used.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
	}
}

// WithRegistryTTL sets the lease TTL of registry entries in seconds.
func WithRegistryTTL(ttl int64) Option {
	return func(o *options) {
		if ttl > 0 {
			o.registryTTL = ttl
		}
	}
}

// WithHandshakeTimeout bounds how long an accepted connection may take to
// send its preface and SETTINGS. Default 10s; 0 disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithMaxRecvMsgSize bounds a single request message. Default 4 MiB.
func WithMaxRecvMsgSize(n int) Option {
	return func(o *options) {
		o.maxRecvMsgSize = n
	}
}
